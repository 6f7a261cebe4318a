// Package loader provides module loading, caching, and asset wrapping for the
// esbuild bundler when modules cannot be read from a filesystem. It handles the
// synthetic entry point, cached units, remote fetches, and stylesheet assets.
package loader
