package loader

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/evanw/esbuild/pkg/api"
)

const (
	// DefaultCDNBaseURL is the origin bare package imports are fetched from
	DefaultCDNBaseURL = "https://unpkg.com"

	// ResolvePluginName is the esbuild plugin name of the path resolver
	ResolvePluginName = "jsnote-resolve"
)

var relativeImportPattern = regexp.MustCompile(`^\.\.?/`)

// PathResolver maps import specifiers to module paths the loader can fetch
type PathResolver struct {
	base      *url.URL
	entryName string
}

// NewPathResolver creates a resolver fetching bare imports from cdnBaseURL
func NewPathResolver(cdnBaseURL, entryName string) (*PathResolver, error) {
	if cdnBaseURL == "" {
		cdnBaseURL = DefaultCDNBaseURL
	}
	if entryName == "" {
		entryName = DefaultEntryName
	}

	base, err := url.Parse(strings.TrimRight(cdnBaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid CDN base URL %q: %w", cdnBaseURL, err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("CDN base URL %q must be absolute", cdnBaseURL)
	}

	return &PathResolver{base: base, entryName: entryName}, nil
}

// Resolve returns the module path for an import of specifier found in a module
// whose ResolveDir is resolveDir. Absolute URLs pass through. Relative and
// root-relative imports are joined with the base origin; bare imports are
// appended to the full base URL.
func (r *PathResolver) Resolve(specifier, resolveDir string) (string, error) {
	if specifier == r.entryName {
		return specifier, nil
	}

	if relativeImportPattern.MatchString(specifier) {
		dir := resolveDir
		if !strings.HasSuffix(dir, "/") {
			dir += "/"
		}
		if !strings.HasPrefix(dir, "/") {
			dir = "/" + dir
		}
		// dir is a full URL path, so it replaces any path on the base
		importer := r.origin()
		importer.Path = dir

		ref, err := url.Parse(specifier)
		if err != nil {
			return "", fmt.Errorf("invalid import %q: %w", specifier, err)
		}
		return importer.ResolveReference(ref).String(), nil
	}

	ref, err := url.Parse(specifier)
	if err != nil {
		return "", fmt.Errorf("invalid import %q: %w", specifier, err)
	}
	if ref.IsAbs() {
		return specifier, nil
	}
	if strings.HasPrefix(specifier, "/") {
		return r.origin().ResolveReference(ref).String(), nil
	}

	return r.base.String() + "/" + specifier, nil
}

// origin returns the base URL without its path
func (r *PathResolver) origin() *url.URL {
	return &url.URL{Scheme: r.base.Scheme, User: r.base.User, Host: r.base.Host, Path: "/"}
}

// Plugin returns the esbuild plugin placing every import in Namespace
func (r *PathResolver) Plugin() api.Plugin {
	return api.Plugin{
		Name: ResolvePluginName,
		Setup: func(build api.PluginBuild) {
			build.OnResolve(api.OnResolveOptions{Filter: ".*"},
				func(args api.OnResolveArgs) (api.OnResolveResult, error) {
					path, err := r.Resolve(args.Path, args.ResolveDir)
					if err != nil {
						return api.OnResolveResult{}, err
					}
					return api.OnResolveResult{Path: path, Namespace: Namespace}, nil
				})
		},
	}
}
