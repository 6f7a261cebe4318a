// Package bundler runs esbuild over an in-memory entry module, serving every
// import through the loader package instead of the filesystem.
package bundler
