package database

import "errors"

// ErrPersistence tags storage failures. Stores wrap it into their error
// chains so RPC handlers can map any storage problem to one wire code via
// errors.Is without inspecting driver-specific errors.
var ErrPersistence = errors.New("persistence failure")
