package updater

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/simplesurance/depbump/internal/bumperr"
	"github.com/simplesurance/depbump/internal/githubclt"
	"github.com/simplesurance/depbump/internal/manifest"
	"github.com/simplesurance/depbump/internal/planner"
	"github.com/simplesurance/depbump/internal/updater/mocks"
)

const (
	repo      = "repo"
	repoOwner = "testman"
	cfgToken  = "cfg-token"
)

const origManifest = "flask==2.0.0\nrequests\n# tooling\nnumpy==1.26.0\n"

var branchNameRe = regexp.MustCompile(`^update-dependencies-[a-z0-9]{8}$`)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type testEnv struct {
	host       *mocks.MockRepoHost
	index      *mocks.MockPackageIndex
	summarizer *mocks.MockSummarizer
	svc        *Service
	// tokens contains the credentials RepoHosts were created with.
	tokens []string
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()

	ctrl := gomock.NewController(t)

	env := testEnv{
		host:       mocks.NewMockRepoHost(ctrl),
		index:      mocks.NewMockPackageIndex(ctrl),
		summarizer: mocks.NewMockSummarizer(ctrl),
	}

	hostFactory := func(token string) (RepoHost, error) {
		env.tokens = append(env.tokens, token)
		return env.host, nil
	}

	opts = append([]Option{
		WithDefaultToken(cfgToken),
		WithSummarizer(env.summarizer, "Test"),
	}, opts...)

	env.svc = New(hostFactory, env.index, opts...)
	env.svc.logger = zaptest.NewLogger(t)

	return &env
}

func (env *testEnv) mockLatestVersions(versions map[string]string) {
	for name, v := range versions {
		env.index.EXPECT().
			LatestVersion(gomock.Any(), gomock.Eq(name)).
			Return(v, nil)
	}
}

func (env *testEnv) mockReadManifest() {
	env.host.EXPECT().
		ListRepositories(gomock.Any()).
		Return([]string{"testman/repo", "testman/other"}, nil)

	env.host.EXPECT().
		DefaultBranch(gomock.Any(), gomock.Eq(repoOwner), gomock.Eq(repo)).
		Return(&githubclt.Branch{Name: "main", HeadSHA: "headsha"}, nil)

	env.host.EXPECT().
		FetchFile(gomock.Any(), gomock.Eq(repoOwner), gomock.Eq(repo), gomock.Eq("requirements.txt"), gomock.Eq("main")).
		Return(&githubclt.File{Content: origManifest, SHA: "blobsha"}, nil)
}

func TestRunAllCreatesPullRequest(t *testing.T) {
	env := newTestEnv(t)

	env.mockReadManifest()
	env.mockLatestVersions(map[string]string{
		"flask":    "2.3.0",
		"requests": "2.31.0",
		"numpy":    "1.26.0",
	})

	const expectedManifest = "flask==2.3.0\nrequests==2.31.0\nnumpy==1.26.0"

	var branch string
	env.host.EXPECT().
		CreateBranch(gomock.Any(), gomock.Eq(repoOwner), gomock.Eq(repo), gomock.Any(), gomock.Eq("headsha")).
		DoAndReturn(func(_ context.Context, _, _, b, _ string) error {
			branch = b
			return nil
		})

	env.host.EXPECT().
		UpdateFile(
			gomock.Any(), gomock.Eq(repoOwner), gomock.Eq(repo), gomock.Any(),
			gomock.Eq("requirements.txt"), gomock.Eq("Update dependencies"),
			gomock.Eq(expectedManifest), gomock.Eq("blobsha"),
		).
		Return("commitsha", nil)

	env.host.EXPECT().
		CreatePullRequest(
			gomock.Any(), gomock.Eq(repoOwner), gomock.Eq(repo), gomock.Any(),
			gomock.Eq("main"), gomock.Eq("Update dependencies"), gomock.Any(),
		).
		DoAndReturn(func(_ context.Context, _, _, head, _, _, body string) (string, error) {
			assert.Equal(t, branch, head)
			assert.Contains(t, body, "- `flask`: 2.0.0 -> 2.3.0")
			assert.Contains(t, body, "- `requests`: unpinned -> 2.31.0")
			assert.NotContains(t, body, "numpy")
			return "https://github.com/testman/repo/pull/1", nil
		})

	env.summarizer.EXPECT().
		Complete(gomock.Any(), gomock.Any(), gomock.Any()).
		Return("flask and requests were updated.\n", nil)

	res, err := env.svc.RunAll(context.Background(), &RunRequest{Owner: repoOwner, Repository: repo})
	require.NoError(t, err)

	assert.Regexp(t, branchNameRe, branch)
	assert.Equal(t, branch, res.BranchName)
	assert.Equal(t, []string{"testman/repo", "testman/other"}, res.Repositories)
	assert.Equal(t, []string{"flask", "requests", "numpy"}, res.ParsedDependencies.Keys())
	assert.Equal(t, []string{"flask", "requests"}, res.Updates.Keys())
	assert.Nil(t, res.Skipped)
	assert.Equal(t, expectedManifest, res.UpdatedRequirements)
	assert.Equal(t, "https://github.com/testman/repo/pull/1", res.PRLink)
	assert.Equal(t, "### Test Summary:\nflask and requests were updated.", res.DiffSummary)

	assert.Equal(t, []string{cfgToken}, env.tokens)
}

func TestRunAllPrefersRequestToken(t *testing.T) {
	env := newTestEnv(t)

	env.mockReadManifest()
	env.mockLatestVersions(map[string]string{
		"flask":    "2.0.0",
		"requests": "2.31.0",
		"numpy":    "1.26.0",
	})

	// requests is unpinned and therefore always updated
	env.host.EXPECT().CreateBranch(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(nil)
	env.host.EXPECT().UpdateFile(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return("commitsha", nil)
	env.host.EXPECT().CreatePullRequest(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return("url", nil)
	env.summarizer.EXPECT().Complete(gomock.Any(), gomock.Any(), gomock.Any()).Return("summary", nil)

	_, err := env.svc.RunAll(context.Background(), &RunRequest{Token: "req-token", Owner: repoOwner, Repository: repo})
	require.NoError(t, err)

	assert.Equal(t, []string{"req-token"}, env.tokens)
}

func TestRunAllWithoutUpdatesPublishesNothing(t *testing.T) {
	env := newTestEnv(t)

	env.host.EXPECT().
		ListRepositories(gomock.Any()).
		Return([]string{"testman/repo"}, nil)
	env.host.EXPECT().
		DefaultBranch(gomock.Any(), gomock.Eq(repoOwner), gomock.Eq(repo)).
		Return(&githubclt.Branch{Name: "master", HeadSHA: "headsha"}, nil)
	env.host.EXPECT().
		FetchFile(gomock.Any(), gomock.Eq(repoOwner), gomock.Eq(repo), gomock.Eq("deps/requirements.txt"), gomock.Eq("master")).
		Return(&githubclt.File{Content: "flask==2.3.0\n", SHA: "blobsha"}, nil)

	env.mockLatestVersions(map[string]string{"flask": "2.3.0"})

	res, err := env.svc.RunAll(context.Background(), &RunRequest{
		Owner:      repoOwner,
		Repository: repo,
		FilePath:   "deps/requirements.txt",
	})
	require.NoError(t, err)

	assert.Equal(t, NoUpdatesSummary, res.DiffSummary)
	assert.Equal(t, 0, res.Updates.Len())
	assert.Equal(t, "flask==2.3.0", res.UpdatedRequirements)
	assert.Empty(t, res.PRLink)
	assert.Empty(t, res.BranchName)
}

func TestRunAllReportsFailedStep(t *testing.T) {
	env := newTestEnv(t)

	env.mockReadManifest()
	env.mockLatestVersions(map[string]string{
		"flask":    "2.3.0",
		"requests": "2.31.0",
		"numpy":    "1.26.0",
	})

	env.host.EXPECT().CreateBranch(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(nil)
	env.host.EXPECT().UpdateFile(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return("commitsha", nil)
	env.host.EXPECT().
		CreatePullRequest(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		Return("", bumperr.Unauthorized("create_pull_request", errors.New("bad credentials")))

	res, err := env.svc.RunAll(context.Background(), &RunRequest{Owner: repoOwner, Repository: repo})
	require.Error(t, err)

	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, StepCreatePullRequest, stepErr.Step)
	assert.True(t, bumperr.Is(err, bumperr.KindUnauthorized))

	require.NotNil(t, res)
	assert.Regexp(t, branchNameRe, res.BranchName)
	assert.Equal(t, "flask==2.3.0\nrequests==2.31.0\nnumpy==1.26.0", res.UpdatedRequirements)
	assert.Empty(t, res.PRLink)
	assert.Empty(t, res.DiffSummary)
}

func TestRunAllFetchFailure(t *testing.T) {
	env := newTestEnv(t)

	env.host.EXPECT().ListRepositories(gomock.Any()).Return(nil, nil)
	env.host.EXPECT().
		DefaultBranch(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(&githubclt.Branch{Name: "main", HeadSHA: "headsha"}, nil)
	env.host.EXPECT().
		FetchFile(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		Return(nil, bumperr.NotFound("fetch_file", errors.New("404")))

	res, err := env.svc.RunAll(context.Background(), &RunRequest{Owner: repoOwner, Repository: repo})
	require.Error(t, err)

	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, StepFetchManifest, stepErr.Step)
	assert.True(t, bumperr.Is(err, bumperr.KindNotFound))

	assert.Nil(t, res.ParsedDependencies)
}

func TestRunAllReusesExistingBranch(t *testing.T) {
	env := newTestEnv(t)

	env.mockReadManifest()
	env.mockLatestVersions(map[string]string{
		"flask":    "2.3.0",
		"requests": "2.31.0",
		"numpy":    "1.26.0",
	})

	env.host.EXPECT().
		CreateBranch(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		Return(githubclt.ErrBranchExists)
	env.host.EXPECT().UpdateFile(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return("commitsha", nil)
	env.host.EXPECT().CreatePullRequest(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return("url", nil)
	env.summarizer.EXPECT().Complete(gomock.Any(), gomock.Any(), gomock.Any()).Return("summary", nil)

	res, err := env.svc.RunAll(context.Background(), &RunRequest{Owner: repoOwner, Repository: repo})
	require.NoError(t, err)
	assert.Equal(t, "url", res.PRLink)
}

func TestRunAllReportsSkippedPackages(t *testing.T) {
	env := newTestEnv(t)

	env.mockReadManifest()
	env.mockLatestVersions(map[string]string{
		"flask": "2.0.0",
		"numpy": "1.26.0",
	})
	env.index.EXPECT().
		LatestVersion(gomock.Any(), gomock.Eq("requests")).
		Return("", bumperr.UpstreamUnavailable("latest_version", errors.New("timeout")))

	res, err := env.svc.RunAll(context.Background(), &RunRequest{Owner: repoOwner, Repository: repo})
	require.NoError(t, err)

	assert.Equal(t, NoUpdatesSummary, res.DiffSummary)
	require.NotNil(t, res.Skipped)
	assert.Equal(t, []string{"requests"}, res.Skipped.Keys())
	assert.Equal(t, "flask==2.0.0\nrequests\nnumpy==1.26.0", res.UpdatedRequirements)
}

func TestListRepositoriesWithoutConfiguredToken(t *testing.T) {
	env := newTestEnv(t, WithDefaultToken(""))

	_, err := env.svc.ListRepositories(context.Background())
	require.Error(t, err)
	assert.Equal(t, bumperr.KindInternal, bumperr.KindOf(err))
	assert.Empty(t, env.tokens)
}

func TestCommitChanges(t *testing.T) {
	env := newTestEnv(t)

	env.host.EXPECT().
		DefaultBranch(gomock.Any(), gomock.Eq(repoOwner), gomock.Eq(repo)).
		Return(&githubclt.Branch{Name: "main", HeadSHA: "headsha"}, nil)
	env.host.EXPECT().
		CreateBranch(gomock.Any(), gomock.Eq(repoOwner), gomock.Eq(repo), gomock.Eq("update-dependencies-abc"), gomock.Eq("headsha")).
		Return(nil)
	env.host.EXPECT().
		UpdateFile(
			gomock.Any(), gomock.Eq(repoOwner), gomock.Eq(repo), gomock.Eq("update-dependencies-abc"),
			gomock.Eq("requirements.txt"), gomock.Eq("Update dependencies"),
			gomock.Eq("flask==2.3.0"), gomock.Eq("blobsha"),
		).
		Return("commitsha", nil)

	err := env.svc.CommitChanges(context.Background(), "req-token", &CommitRequest{
		Owner:       repoOwner,
		Repository:  repo,
		Branch:      "update-dependencies-abc",
		FilePath:    "requirements.txt",
		Content:     "flask==2.3.0",
		OriginalSHA: "blobsha",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"req-token"}, env.tokens)
}

func TestCommitChangesWithoutToken(t *testing.T) {
	env := newTestEnv(t, WithDefaultToken(""))

	err := env.svc.CommitChanges(context.Background(), "", &CommitRequest{Owner: repoOwner, Repository: repo})
	require.Error(t, err)
	assert.Equal(t, bumperr.KindUnauthorized, bumperr.KindOf(err))
}

func TestCreatePullRequest(t *testing.T) {
	env := newTestEnv(t)

	env.host.EXPECT().
		DefaultBranch(gomock.Any(), gomock.Eq(repoOwner), gomock.Eq(repo)).
		Return(&githubclt.Branch{Name: "develop", HeadSHA: "headsha"}, nil)
	env.host.EXPECT().
		CreatePullRequest(
			gomock.Any(), gomock.Eq(repoOwner), gomock.Eq(repo),
			gomock.Eq("update-dependencies-abc"), gomock.Eq("develop"),
			gomock.Eq("Update dependencies to latest versions"),
			gomock.Eq("This PR updates the dependencies to their latest versions."),
		).
		Return("https://github.com/testman/repo/pull/7", nil)

	url, err := env.svc.CreatePullRequest(context.Background(), "req-token", repoOwner, repo, "update-dependencies-abc")
	require.NoError(t, err)
	assert.Equal(t, "https://github.com/testman/repo/pull/7", url)
}

func TestParseRequirementsUsesConfiguredPath(t *testing.T) {
	env := newTestEnv(t, WithManifestPath("requirements/prod.txt"))

	env.host.EXPECT().
		FetchFile(gomock.Any(), gomock.Eq(repoOwner), gomock.Eq(repo), gomock.Eq("requirements/prod.txt"), gomock.Eq("")).
		Return(&githubclt.File{Content: "flask==2.0.0\nrequests"}, nil)

	deps, err := env.svc.ParseRequirements(context.Background(), "", repoOwner, repo, "")
	require.NoError(t, err)

	pin, exists := deps.Get("flask")
	require.True(t, exists)
	assert.Equal(t, manifest.Pin("2.0.0"), pin)

	pin, exists = deps.Get("requests")
	require.True(t, exists)
	assert.False(t, pin.IsSet())

	assert.Equal(t, []string{cfgToken}, env.tokens)
}

func TestDiffSummaryPrompt(t *testing.T) {
	env := newTestEnv(t)

	env.summarizer.EXPECT().
		Complete(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, systemMsg, userMsg string) (string, error) {
			assert.Equal(t, summarySystemPrompt, systemMsg)
			assert.Contains(t, userMsg, "    flask==2.0.0")
			assert.Contains(t, userMsg, "    flask==2.3.0")
			assert.Regexp(t, `Summary:$`, userMsg)
			return "flask was updated", nil
		})

	summary := env.svc.DiffSummary(context.Background(), "flask==2.0.0", "flask==2.3.0")
	assert.Equal(t, "### Test Summary:\nflask was updated", summary)
}

func TestDiffSummaryFallback(t *testing.T) {
	t.Run("summarizer fails", func(t *testing.T) {
		env := newTestEnv(t)

		env.summarizer.EXPECT().
			Complete(gomock.Any(), gomock.Any(), gomock.Any()).
			Return("", bumperr.UpstreamUnavailable("complete", errors.New("502")))

		assert.Equal(t, SummaryFallback, env.svc.DiffSummary(context.Background(), "a==1", "a==2"))
	})

	t.Run("empty completion", func(t *testing.T) {
		env := newTestEnv(t)

		env.summarizer.EXPECT().
			Complete(gomock.Any(), gomock.Any(), gomock.Any()).
			Return("  \n", nil)

		assert.Equal(t, SummaryFallback, env.svc.DiffSummary(context.Background(), "a==1", "a==2"))
	})

	t.Run("no summarizer", func(t *testing.T) {
		env := newTestEnv(t, WithSummarizer(nil, ""))

		assert.Equal(t, SummaryFallback, env.svc.DiffSummary(context.Background(), "a==1", "a==2"))
	})
}

func TestCheckForUpdatesUsesPlannerOptions(t *testing.T) {
	env := newTestEnv(t)
	env.svc = New(
		func(string) (RepoHost, error) { return env.host, nil },
		env.index,
		WithPlannerOptions(planner.WithConcurrency(1)),
	)

	env.mockLatestVersions(map[string]string{"flask": "2.3.0"})

	deps := manifest.Parse("flask==2.0.0")
	res := env.svc.CheckForUpdates(context.Background(), deps)
	require.NoError(t, res.Err)

	u, exists := res.Updates.Get("flask")
	require.True(t, exists)
	assert.Equal(t, planner.Update{Current: "2.0.0", Latest: "2.3.0"}, u)
}

func TestBranchName(t *testing.T) {
	seen := map[string]struct{}{}

	for i := 0; i < 100; i++ {
		name := BranchName(DefaultBranchPrefix)
		assert.Regexp(t, branchNameRe, name)
		seen[name] = struct{}{}
	}

	assert.Greater(t, len(seen), 90)
}
