// Package planner determines which dependencies of a manifest can be updated
// and renders the updated manifest.
package planner

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/simplesurance/depbump/internal/logfields"
	"github.com/simplesurance/depbump/internal/manifest"
	"github.com/simplesurance/depbump/internal/orderedmap"
	"github.com/simplesurance/depbump/internal/version"
)

const (
	DefaultConcurrency   = 8
	DefaultLookupTimeout = 15 * time.Second
)

const loggerName = "planner"

// LatestVersionFunc returns the latest published version of a package.
type LatestVersionFunc func(ctx context.Context, packageName string) (string, error)

// Update describes an available update of a dependency.
type Update struct {
	Current manifest.Pin `json:"current"`
	Latest  string       `json:"latest"`
}

// Updates maps package names to available updates, in manifest order.
type Updates = orderedmap.Map[Update]

func NewUpdates() *Updates {
	return orderedmap.New[Update]()
}

// Result is the outcome of planning updates for a set of dependencies.
type Result struct {
	// Updates contains all packages for that a newer version is available.
	Updates *Updates
	// Skipped contains the packages for that it could not be determined if
	// an update is available, with the reason.
	Skipped *orderedmap.Map[string]
	// Err contains all errors that caused packages to be skipped.
	Err error
}

// Planner looks up the latest versions of dependencies concurrently.
type Planner struct {
	lookup        LatestVersionFunc
	concurrency   int
	lookupTimeout time.Duration
	logger        *zap.Logger
}

type Option func(*Planner)

// WithConcurrency sets the maximum number of concurrently running lookups.
func WithConcurrency(n int) Option {
	return func(p *Planner) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

// WithLookupTimeout sets the max. duration of a single lookup.
func WithLookupTimeout(d time.Duration) Option {
	return func(p *Planner) {
		if d > 0 {
			p.lookupTimeout = d
		}
	}
}

func New(lookup LatestVersionFunc, opts ...Option) *Planner {
	p := Planner{
		lookup:        lookup,
		concurrency:   DefaultConcurrency,
		lookupTimeout: DefaultLookupTimeout,
		logger:        zap.L().Named(loggerName),
	}

	for _, o := range opts {
		o(&p)
	}

	return &p
}

type lookupResult struct {
	name    string
	current manifest.Pin
	latest  string
	err     error
}

// Plan looks up the latest version of every dependency and returns the
// dependencies for that an update is available.
// A failed lookup or version comparison only excludes the affected package
// from the result, it is recorded in Result.Skipped and Result.Err.
func (p *Planner) Plan(ctx context.Context, deps *manifest.Dependencies) *Result {
	results := make([]lookupResult, 0, deps.Len())
	deps.Foreach(func(name string, pin manifest.Pin) bool {
		results = append(results, lookupResult{name: name, current: pin})
		return true
	})

	var g errgroup.Group
	g.SetLimit(p.concurrency)

	for i := range results {
		res := &results[i]

		g.Go(func() error {
			lookupCtx, cancelFn := context.WithTimeout(ctx, p.lookupTimeout)
			defer cancelFn()

			res.latest, res.err = p.lookup(lookupCtx, res.name)
			return nil
		})
	}

	_ = g.Wait()

	result := Result{
		Updates: NewUpdates(),
		Skipped: orderedmap.New[string](),
	}

	var errs *multierror.Error

	for _, res := range results {
		logger := p.logger.With(
			logfields.Package(res.name),
			logfields.Version(string(res.current)),
		)

		if res.err != nil {
			logger.Info(
				"looking up latest version failed, package is skipped",
				logfields.Event("latest_version_lookup_failed"),
				zap.Error(res.err),
			)

			result.Skipped.Set(res.name, fmt.Sprintf("looking up latest version failed: %s", res.err))
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", res.name, res.err))
			continue
		}

		available, err := version.IsUpdateAvailable(string(res.current), res.latest)
		if err != nil {
			logger.Warn(
				"comparing versions failed, package is skipped",
				logfields.Event("version_comparison_failed"),
				logfields.LatestVersion(res.latest),
				zap.Error(err),
			)

			result.Skipped.Set(res.name, err.Error())
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", res.name, err))
			continue
		}

		if !available {
			logger.Debug(
				"package is up to date",
				logfields.Event("package_uptodate"),
				logfields.LatestVersion(res.latest),
			)
			continue
		}

		logger.Debug(
			"update available",
			logfields.Event("package_update_available"),
			logfields.LatestVersion(res.latest),
		)

		result.Updates.Set(res.name, Update{Current: res.current, Latest: res.latest})
	}

	metrics.UpdatesFoundAdd(result.Updates.Len())

	result.Err = errs.ErrorOrNil()

	return &result
}

// Render returns the manifest text for deps with the versions from updates
// applied. Packages are written in the order of deps, one per line.
func Render(deps *manifest.Dependencies, updates *Updates) string {
	lines := make([]string, 0, deps.Len())

	deps.Foreach(func(name string, pin manifest.Pin) bool {
		if upd, exists := updates.Get(name); exists && upd.Latest != "" {
			pin = manifest.Pin(upd.Latest)
		}

		lines = append(lines, manifest.Line(name, pin))
		return true
	})

	return strings.Join(lines, "\n")
}
