package storage

import "errors"

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrConflict is returned when a write would repeat a one-time transition,
// such as finishing an already-terminal run or deciding a decided approval.
var ErrConflict = errors.New("storage: conflict")
