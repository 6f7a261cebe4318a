package loader

import (
	"context"

	"github.com/sourcegraph/conc/pool"
)

// DefaultPrefetchConcurrency is the default number of concurrent loads
const DefaultPrefetchConcurrency = 8

type prefetched struct {
	path string
	unit *LoadableUnit
}

// Prefetch loads every path through the loader so network results land in its
// store before a build needs them. The first failure cancels the remaining
// loads and is returned.
func Prefetch(ctx context.Context, l *ModuleLoader, paths []string, maxConcurrency int) (map[string]*LoadableUnit, error) {
	if maxConcurrency <= 0 {
		maxConcurrency = DefaultPrefetchConcurrency
	}

	p := pool.NewWithResults[prefetched]().
		WithMaxGoroutines(maxConcurrency).
		WithContext(ctx).
		WithCancelOnError().
		WithFirstError()

	for _, path := range paths {
		p.Go(func(ctx context.Context) (prefetched, error) {
			unit, err := l.Load(ctx, path)
			if err != nil {
				return prefetched{}, err
			}
			return prefetched{path: path, unit: unit}, nil
		})
	}

	results, err := p.Wait()
	if err != nil {
		return nil, err
	}

	units := make(map[string]*LoadableUnit, len(results))
	for _, r := range results {
		units[r.path] = r.unit
	}
	return units, nil
}
