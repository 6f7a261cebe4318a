package loader

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/evanw/esbuild/pkg/api"
)

// LoaderKind tells the bundler how to compile a unit's contents
type LoaderKind string

const (
	// KindScript is JSX-capable script source
	KindScript LoaderKind = "jsx"

	// KindExecutable is plain JavaScript with no JSX transform
	KindExecutable LoaderKind = "js"
)

// LoadableUnit is the normalized result of loading a module
type LoadableUnit struct {
	// Loader is the kind of source in Contents
	Loader LoaderKind `json:"loader" cbor:"1,keyasint"`

	// Contents is the source text handed to the bundler
	Contents string `json:"contents" cbor:"2,keyasint"`

	// ResolveDir is the base used to resolve relative imports found in Contents.
	// Empty for the synthetic entry.
	ResolveDir string `json:"resolveDir,omitempty" cbor:"3,keyasint,omitempty"`
}

// Digest returns a content-addressable identifier for the unit
func (u *LoadableUnit) Digest() string {
	h := xxhash.New()
	_, _ = h.WriteString(string(u.Loader))
	_, _ = h.WriteString("\x00")
	_, _ = h.WriteString(u.ResolveDir)
	_, _ = h.WriteString("\x00")
	_, _ = h.WriteString(u.Contents)
	return fmt.Sprintf("%x", h.Sum64())
}

// Size returns the number of content bytes held by the unit
func (u *LoadableUnit) Size() int64 {
	return int64(len(u.Contents))
}

// Clone returns a copy of the unit so callers cannot mutate stored state
func (u *LoadableUnit) Clone() *LoadableUnit {
	if u == nil {
		return nil
	}
	c := *u
	return &c
}

// esbuildLoader maps a kind to the esbuild loader that compiles it
func (k LoaderKind) esbuildLoader() (api.Loader, error) {
	switch k {
	case KindScript:
		return api.LoaderJSX, nil
	case KindExecutable:
		return api.LoaderJS, nil
	default:
		return api.LoaderNone, fmt.Errorf("unknown loader kind %q", k)
	}
}

// OnLoadResult converts the unit into the result shape esbuild expects
func (u *LoadableUnit) OnLoadResult() (api.OnLoadResult, error) {
	l, err := u.Loader.esbuildLoader()
	if err != nil {
		return api.OnLoadResult{}, err
	}

	contents := u.Contents
	return api.OnLoadResult{
		Loader:     l,
		Contents:   &contents,
		ResolveDir: u.ResolveDir,
	}, nil
}
