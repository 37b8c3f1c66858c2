package models

import "errors"

// ErrNotFound is returned by repositories when a row does not exist, so
// callers do not depend on the storage engine's own sentinel.
var ErrNotFound = errors.New("record not found")
