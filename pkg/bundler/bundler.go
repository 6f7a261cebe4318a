package bundler

import (
	"context"
	"fmt"
	"strings"

	"github.com/evanw/esbuild/pkg/api"
	"github.com/go-logr/logr"

	"github.com/kevSchmidt/jsnote/pkg/loader"
)

// Config contains configuration for the Bundler
type Config struct {
	// CDNBaseURL is the origin bare package imports are fetched from
	// Default: https://unpkg.com
	CDNBaseURL string

	// EntryName is the synthetic path of the entry module
	// Default: index.js
	EntryName string

	// Minify enables esbuild minification of the output
	Minify bool

	// Singleflight collapses concurrent loads of the same uncached module
	Singleflight bool
}

// DefaultConfig returns the default bundler configuration
func DefaultConfig() Config {
	return Config{
		CDNBaseURL: loader.DefaultCDNBaseURL,
		EntryName:  loader.DefaultEntryName,
	}
}

// Result is the output of a successful build
type Result struct {
	// Code is the bundled script
	Code string

	// Warnings are esbuild warnings, formatted one per entry
	Warnings []string
}

// BuildError aggregates the error messages esbuild reported for a build
type BuildError struct {
	Messages []api.Message
}

func (e *BuildError) Error() string {
	parts := make([]string, 0, len(e.Messages))
	for _, m := range e.Messages {
		parts = append(parts, formatMessage(m))
	}
	return fmt.Sprintf("build failed with %d error(s): %s", len(e.Messages), strings.Join(parts, "; "))
}

// Bundler bundles entry source whose imports are served by the module loader
type Bundler struct {
	config  Config
	store   loader.Store
	fetcher loader.Fetcher
}

// New creates a bundler caching modules in store and fetching through fetcher
func New(config Config, store loader.Store, fetcher loader.Fetcher) *Bundler {
	defaults := DefaultConfig()
	if config.CDNBaseURL == "" {
		config.CDNBaseURL = defaults.CDNBaseURL
	}
	if config.EntryName == "" {
		config.EntryName = defaults.EntryName
	}
	if fetcher == nil {
		fetcher = loader.NewHTTPFetcher(nil)
	}
	return &Bundler{config: config, store: store, fetcher: fetcher}
}

// Build bundles entrySource. Any failing module aborts the whole build.
func (b *Bundler) Build(ctx context.Context, entrySource string) (*Result, error) {
	log := logr.FromContextOrDiscard(ctx)

	resolver, err := loader.NewPathResolver(b.config.CDNBaseURL, b.config.EntryName)
	if err != nil {
		return nil, err
	}

	opts := []loader.Option{loader.WithEntryName(b.config.EntryName), loader.WithLogger(log)}
	if b.config.Singleflight {
		opts = append(opts, loader.WithSingleflight())
	}
	modules := loader.NewModuleLoader(entrySource, b.store, b.fetcher, opts...)

	result := api.Build(api.BuildOptions{
		EntryPoints:       []string{b.config.EntryName},
		Bundle:            true,
		Write:             false,
		MinifyWhitespace:  b.config.Minify,
		MinifyIdentifiers: b.config.Minify,
		MinifySyntax:      b.config.Minify,
		LogLevel:          api.LogLevelSilent,
		Define: map[string]string{
			"process.env.NODE_ENV": `"production"`,
			"global":               "window",
		},
		Plugins: []api.Plugin{
			resolver.Plugin(),
			modules.Plugin(ctx),
		},
	})

	if len(result.Errors) > 0 {
		err := &BuildError{Messages: result.Errors}
		log.Error(err, "Build failed", "errors", len(result.Errors))
		return nil, err
	}

	if len(result.OutputFiles) == 0 {
		return nil, fmt.Errorf("build produced no output")
	}

	warnings := make([]string, 0, len(result.Warnings))
	for _, w := range result.Warnings {
		warnings = append(warnings, formatMessage(w))
	}

	log.Info("Build succeeded", "bytes", len(result.OutputFiles[0].Contents), "warnings", len(warnings))
	return &Result{
		Code:     string(result.OutputFiles[0].Contents),
		Warnings: warnings,
	}, nil
}

func formatMessage(m api.Message) string {
	if m.Location == nil {
		return m.Text
	}
	return fmt.Sprintf("%s:%d:%d: %s", m.Location.File, m.Location.Line, m.Location.Column, m.Text)
}
