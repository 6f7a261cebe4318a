package loader

import (
	"fmt"
)

// FetchError reports a network failure or non-success status while retrieving
// a module. It is fatal to the enclosing build.
type FetchError struct {
	// Path is the module path that was requested
	Path string

	// StatusCode is the HTTP status, or 0 when no response was received
	StatusCode int

	// Err is the underlying cause
	Err error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: status %d: %v", e.Path, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch %s: %v", e.Path, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// CacheAccessError reports a failure of the backing store
type CacheAccessError struct {
	// Op is the store operation that failed (get, set, delete, clear)
	Op string

	// Key is the module path involved, if any
	Key string

	Err error
}

func (e *CacheAccessError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("cache %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("cache %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *CacheAccessError) Unwrap() error {
	return e.Err
}

// UnsupportedAssetError reports a path no rule claimed. The catch-all script
// rule makes this unreachable for chains built by NewModuleLoader.
type UnsupportedAssetError struct {
	Path string
}

func (e *UnsupportedAssetError) Error() string {
	return fmt.Sprintf("no load rule matched %s", e.Path)
}
