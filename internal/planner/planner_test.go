package planner

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/simplesurance/depbump/internal/bumperr"
	"github.com/simplesurance/depbump/internal/manifest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func staticLookup(versions map[string]string) LatestVersionFunc {
	return func(_ context.Context, name string) (string, error) {
		v, exist := versions[name]
		if !exist {
			return "", bumperr.NotFound("test", errors.New("package not found"))
		}

		return v, nil
	}
}

func depsFromText(text string) *manifest.Dependencies {
	return manifest.Parse(text)
}

func TestPlanPinnedPackage(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	deps := depsFromText("flask==2.0.0")
	res := New(staticLookup(map[string]string{"flask": "2.3.0"})).Plan(context.Background(), deps)

	require.NoError(t, res.Err)
	assert.Equal(t, []string{"flask"}, res.Updates.Keys())

	upd, exists := res.Updates.Get("flask")
	require.True(t, exists)
	assert.Equal(t, Update{Current: "2.0.0", Latest: "2.3.0"}, upd)

	assert.Equal(t, "flask==2.3.0", Render(deps, res.Updates))
}

func TestPlanUnpinnedPackage(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	deps := depsFromText("requests")
	res := New(staticLookup(map[string]string{"requests": "2.31.0"})).Plan(context.Background(), deps)

	upd, exists := res.Updates.Get("requests")
	require.True(t, exists)
	assert.Equal(t, Update{Current: "", Latest: "2.31.0"}, upd)

	assert.Equal(t, "requests==2.31.0", Render(deps, res.Updates))
}

func TestPlanOmitsUptodatePackages(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	deps := depsFromText("flask==2.3.0\nrequests==3.0.0")
	res := New(staticLookup(map[string]string{"flask": "2.3.0", "requests": "2.31.0"})).Plan(context.Background(), deps)

	require.NoError(t, res.Err)
	assert.Equal(t, 0, res.Updates.Len())
	assert.Equal(t, 0, res.Skipped.Len())
}

func TestPlanFailedLookupOnlyOmitsAffectedPackage(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	deps := depsFromText("flask==2.0.0\nunknownpkg==1.0\nrequests")
	res := New(staticLookup(map[string]string{"flask": "2.3.0", "requests": "2.31.0"})).Plan(context.Background(), deps)

	require.Error(t, res.Err)
	assert.Equal(t, bumperr.KindNotFound, bumperr.KindOf(res.Err))

	assert.Equal(t, []string{"flask", "requests"}, res.Updates.Keys())
	assert.Equal(t, []string{"unknownpkg"}, res.Skipped.Keys())

	assert.Equal(t, "flask==2.3.0\nunknownpkg==1.0\nrequests==2.31.0", Render(deps, res.Updates))
}

func TestPlanMalformedVersionFailsClosed(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	deps := depsFromText("flask==not-a-version")
	res := New(staticLookup(map[string]string{"flask": "2.3.0"})).Plan(context.Background(), deps)

	assert.Equal(t, 0, res.Updates.Len())
	assert.Equal(t, []string{"flask"}, res.Skipped.Keys())
	assert.Equal(t, bumperr.KindMalformedInput, bumperr.KindOf(res.Err))
}

func TestPlanLookupTimeoutSkipsPackage(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	lookup := func(ctx context.Context, name string) (string, error) {
		if name == "slow" {
			<-ctx.Done()
			return "", ctx.Err()
		}

		return "2.0.0", nil
	}

	deps := depsFromText("slow==1.0\nfast==1.0")

	start := time.Now()
	res := New(lookup, WithLookupTimeout(100*time.Millisecond)).Plan(context.Background(), deps)

	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, []string{"fast"}, res.Updates.Keys())
	assert.Equal(t, []string{"slow"}, res.Skipped.Keys())
	assert.ErrorIs(t, res.Err, context.DeadlineExceeded)
}

func TestPlanConcurrencyIsBounded(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	const limit = 3

	var running, maxRunning int32
	var mu sync.Mutex

	lookup := func(context.Context, string) (string, error) {
		cur := atomic.AddInt32(&running, 1)
		defer atomic.AddInt32(&running, -1)

		mu.Lock()
		if cur > maxRunning {
			maxRunning = cur
		}
		mu.Unlock()

		time.Sleep(10 * time.Millisecond)

		return "9.9.9", nil
	}

	deps := manifest.NewDependencies()
	for _, name := range []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j"} {
		deps.Set(name, "1.0.0")
	}

	res := New(lookup, WithConcurrency(limit)).Plan(context.Background(), deps)

	assert.Equal(t, 10, res.Updates.Len())
	assert.Equal(t, deps.Keys(), res.Updates.Keys())

	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, maxRunning, int32(limit))
}

func TestRenderKeepsOrderAndUnpinnedPackages(t *testing.T) {
	deps := depsFromText("a==1.0\nb\nc==2.0")
	updates := NewUpdates()
	updates.Set("c", Update{Current: "2.0", Latest: "3.0"})

	assert.Equal(t, "a==1.0\nb\nc==3.0", Render(deps, updates))
	assert.Equal(t, "a==1.0\nb\nc==2.0", Render(deps, nil))
}

func TestRenderParseRoundTrip(t *testing.T) {
	testcases := []struct {
		name    string
		text    string
		updates map[string]Update
	}{
		{
			name:    "mixed",
			text:    "# deps\nflask==2.0.0\n\nrequests\nnumpy==1.0",
			updates: map[string]Update{"flask": {Current: "2.0.0", Latest: "2.3.0"}, "requests": {Latest: "2.31.0"}},
		},
		{
			name: "noUpdates",
			text: "a\nb==1",
		},
		{
			name:    "duplicates",
			text:    "a==1\nb\na==2",
			updates: map[string]Update{"a": {Current: "2", Latest: "3"}},
		},
	}

	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			deps := manifest.Parse(tc.text)

			updates := NewUpdates()
			for name, upd := range tc.updates {
				updates.Set(name, upd)
			}

			expected := map[string]manifest.Pin{}
			deps.Foreach(func(name string, pin manifest.Pin) bool {
				if upd, exists := updates.Get(name); exists {
					pin = manifest.Pin(upd.Latest)
				}
				expected[name] = pin
				return true
			})

			reparsed := manifest.Parse(Render(deps, updates))

			actual := map[string]manifest.Pin{}
			reparsed.Foreach(func(name string, pin manifest.Pin) bool {
				actual[name] = pin
				return true
			})

			assert.Equal(t, expected, actual)
			assert.Equal(t, deps.Keys(), reparsed.Keys())
		})
	}
}
