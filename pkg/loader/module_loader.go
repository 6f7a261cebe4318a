package loader

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/evanw/esbuild/pkg/api"
	"github.com/go-logr/logr"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultEntryName is the synthetic path of the bundle entry point
	DefaultEntryName = "index.js"

	// Namespace is the esbuild namespace holding every module this package loads
	Namespace = "jsnote"

	// FetchPluginName is the esbuild plugin name of the module loader
	FetchPluginName = "jsnote-fetch"

	// Rule names, in evaluation order
	RuleEntry      = "entry"
	RuleCache      = "cache"
	RuleStylesheet = "stylesheet"
	RuleScript     = "script"
)

// stylesheetPattern matches paths ending in the stylesheet extension
var stylesheetPattern = regexp.MustCompile(`\.css$`)

// Option configures a ModuleLoader
type Option func(*ModuleLoader)

// WithEntryName overrides the synthetic entry path
func WithEntryName(name string) Option {
	return func(m *ModuleLoader) {
		m.entryName = name
	}
}

// WithLogger sets the logger used instead of the one carried by the context
func WithLogger(log logr.Logger) Option {
	return func(m *ModuleLoader) {
		m.log = &log
	}
}

// WithSingleflight collapses concurrent loads of the same path into a single
// rule evaluation. Without it, two concurrent misses for a path both fetch
// and the later store write wins.
func WithSingleflight() Option {
	return func(m *ModuleLoader) {
		m.group = &singleflight.Group{}
	}
}

// ModuleLoader produces loadable units for the bundler. It installs the
// entry, cache, stylesheet, and script rules, in that order.
type ModuleLoader struct {
	entryName   string
	entrySource string
	store       Store
	fetcher     Fetcher
	log         *logr.Logger
	group       *singleflight.Group
	chain       *RuleChain
}

// NewModuleLoader creates a loader serving entrySource as the entry module,
// caching network loads in store and fetching through fetcher
func NewModuleLoader(entrySource string, store Store, fetcher Fetcher, opts ...Option) *ModuleLoader {
	m := &ModuleLoader{
		entryName:   DefaultEntryName,
		entrySource: entrySource,
		store:       store,
		fetcher:     fetcher,
	}
	for _, opt := range opts {
		opt(m)
	}

	entryPattern := regexp.MustCompile("^" + regexp.QuoteMeta(m.entryName) + "$")

	m.chain = NewRuleChain(
		Rule{Name: RuleEntry, Match: entryPattern.MatchString, Handle: m.loadEntry},
		Rule{Name: RuleCache, Match: MatchAll, Handle: m.loadCached},
		Rule{Name: RuleStylesheet, Match: stylesheetPattern.MatchString, Handle: m.loadStylesheet},
		Rule{Name: RuleScript, Match: MatchAll, Handle: m.loadScript},
	)

	return m
}

// EntryName returns the synthetic entry path
func (m *ModuleLoader) EntryName() string {
	return m.entryName
}

// Rules returns the installed rules in evaluation order
func (m *ModuleLoader) Rules() []Rule {
	return m.chain.Rules()
}

// Load returns the unit for path
func (m *ModuleLoader) Load(ctx context.Context, path string) (*LoadableUnit, error) {
	if m.group == nil {
		return m.load(ctx, path)
	}

	v, err, shared := m.group.Do(path, func() (interface{}, error) {
		return m.load(ctx, path)
	})
	if err != nil {
		return nil, err
	}
	unit := v.(*LoadableUnit)
	if shared {
		unit = unit.Clone()
	}
	return unit, nil
}

func (m *ModuleLoader) load(ctx context.Context, path string) (*LoadableUnit, error) {
	log := m.logger(ctx).WithValues("path", path)

	unit, rule, err := m.chain.Load(ctx, path)
	if err != nil {
		log.Error(err, "Failed to load module", "rule", rule)
		return nil, err
	}

	RecordLoad(rule)
	log.V(1).Info("Loaded module", "rule", rule, "bytes", unit.Size(), "digest", unit.Digest())
	return unit, nil
}

// Plugin returns the esbuild plugin that routes every load in Namespace
// through the rule chain. ctx bounds the fetches made during the build.
func (m *ModuleLoader) Plugin(ctx context.Context) api.Plugin {
	return api.Plugin{
		Name: FetchPluginName,
		Setup: func(build api.PluginBuild) {
			build.OnLoad(api.OnLoadOptions{Filter: ".*", Namespace: Namespace},
				func(args api.OnLoadArgs) (api.OnLoadResult, error) {
					unit, err := m.Load(ctx, args.Path)
					if err != nil {
						return api.OnLoadResult{}, err
					}
					return unit.OnLoadResult()
				})
		},
	}
}

func (m *ModuleLoader) logger(ctx context.Context) logr.Logger {
	if m.log != nil {
		return *m.log
	}
	return logr.FromContextOrDiscard(ctx)
}

func (m *ModuleLoader) loadEntry(_ context.Context, _ string) (*LoadableUnit, error) {
	return &LoadableUnit{
		Loader:   KindScript,
		Contents: m.entrySource,
	}, nil
}

func (m *ModuleLoader) loadCached(ctx context.Context, path string) (*LoadableUnit, error) {
	unit, found, err := m.store.Get(ctx, path)
	if err != nil {
		return nil, asCacheAccessError("get", path, err)
	}
	if !found {
		return nil, nil
	}
	m.logger(ctx).V(1).Info("Cache hit", "path", path)
	return unit, nil
}

func (m *ModuleLoader) loadStylesheet(ctx context.Context, path string) (*LoadableUnit, error) {
	return m.fetchAndStore(ctx, RuleStylesheet, path, WrapStylesheet)
}

func (m *ModuleLoader) loadScript(ctx context.Context, path string) (*LoadableUnit, error) {
	return m.fetchAndStore(ctx, RuleScript, path, func(s string) string { return s })
}

// fetchAndStore fetches path, converts the body with wrap, records the
// response directory for relative imports, and writes the unit to the store
func (m *ModuleLoader) fetchAndStore(ctx context.Context, rule, path string, wrap func(string) string) (*LoadableUnit, error) {
	result, err := timedFetch(ctx, m.fetcher, rule, path)
	if err != nil {
		return nil, asFetchError(path, err)
	}

	resolveDir, err := ResolveDirOf(result.FinalURL)
	if err != nil {
		return nil, &FetchError{Path: path, Err: err}
	}

	unit := &LoadableUnit{
		Loader:     KindScript,
		Contents:   wrap(string(result.Content)),
		ResolveDir: resolveDir,
	}

	if err := m.store.Set(ctx, path, unit); err != nil {
		return nil, asCacheAccessError("set", path, err)
	}

	m.logger(ctx).V(1).Info("Fetched module", "path", path, "rule", rule,
		"source", result.Source, "digest", result.Digest)
	return unit, nil
}

func asFetchError(path string, err error) error {
	var fe *FetchError
	if errors.As(err, &fe) {
		return err
	}
	return &FetchError{Path: path, Err: err}
}

func asCacheAccessError(op, key string, err error) error {
	var ce *CacheAccessError
	if errors.As(err, &ce) {
		return err
	}
	return &CacheAccessError{Op: op, Key: key, Err: fmt.Errorf("store: %w", err)}
}
