package updater

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/simplesurance/depbump/internal/bumperr"
	"github.com/simplesurance/depbump/internal/githubclt"
	"github.com/simplesurance/depbump/internal/logfields"
	"github.com/simplesurance/depbump/internal/manifest"
	"github.com/simplesurance/depbump/internal/planner"
)

//go:generate mockgen -destination mocks/mocks.go -package mocks . RepoHost,PackageIndex,Summarizer

const loggerName = "updater"

// DefaultBranchPrefix is the name prefix of branches that are created for
// dependency updates.
const DefaultBranchPrefix = "update-dependencies-"

const (
	commitMessage    = "Update dependencies"
	pullRequestTitle = "Update dependencies to latest versions"
	pullRequestBody  = "This PR updates the dependencies to their latest versions."
)

// RepoHost is the repository hosting service the manifests are read from
// and changes are published to.
type RepoHost interface {
	ListRepositories(ctx context.Context) ([]string, error)
	DefaultBranch(ctx context.Context, owner, repo string) (*githubclt.Branch, error)
	FetchFile(ctx context.Context, owner, repo, path, ref string) (*githubclt.File, error)
	CreateBranch(ctx context.Context, owner, repo, branch, fromSHA string) error
	UpdateFile(ctx context.Context, owner, repo, branch, path, commitMsg, content, sha string) (string, error)
	CreatePullRequest(ctx context.Context, owner, repo, head, base, title, body string) (string, error)
}

// RepoHostFactory returns a RepoHost that authenticates with token.
type RepoHostFactory func(token string) (RepoHost, error)

// PackageIndex provides the latest released versions of packages.
type PackageIndex interface {
	LatestVersion(ctx context.Context, packageName string) (string, error)
}

// Summarizer generates text with a language model.
type Summarizer interface {
	Complete(ctx context.Context, systemMsg, userMsg string) (string, error)
}

// Retryer is used for running RepoHost methods repeatedly if they fail with
// a temporary error.
type Retryer interface {
	Run(context.Context, func(context.Context) error, []zap.Field) error
}

// Service implements the dependency update operations.
// It holds no per-request state, RepoHosts are created per operation with
// the credential of the caller.
type Service struct {
	hostFactory  RepoHostFactory
	defaultToken string
	index        PackageIndex
	planner      *planner.Planner
	summarizer   Summarizer
	retryer      Retryer

	manifestPath   string
	branchPrefix   string
	summaryHeading string

	logger *zap.Logger
}

type Option func(*Service)

// WithDefaultToken sets the repository host credential that is used when
// the caller does not provide one.
func WithDefaultToken(token string) Option {
	return func(s *Service) {
		s.defaultToken = token
	}
}

// WithSummarizer enables generating diff summaries.
func WithSummarizer(summarizer Summarizer, heading string) Option {
	return func(s *Service) {
		s.summarizer = summarizer
		s.summaryHeading = heading
	}
}

func WithRetryer(r Retryer) Option {
	return func(s *Service) {
		s.retryer = r
	}
}

func WithPlannerOptions(opts ...planner.Option) Option {
	return func(s *Service) {
		s.planner = planner.New(s.index.LatestVersion, opts...)
	}
}

// WithManifestPath sets the manifest path that is used when the caller does
// not specify one.
func WithManifestPath(path string) Option {
	return func(s *Service) {
		if path != "" {
			s.manifestPath = path
		}
	}
}

func WithBranchPrefix(prefix string) Option {
	return func(s *Service) {
		if prefix != "" {
			s.branchPrefix = prefix
		}
	}
}

func New(hostFactory RepoHostFactory, index PackageIndex, opts ...Option) *Service {
	s := Service{
		hostFactory:  hostFactory,
		index:        index,
		manifestPath: manifest.DefaultFilePath,
		branchPrefix: DefaultBranchPrefix,
		logger:       zap.L().Named(loggerName),
	}

	s.planner = planner.New(index.LatestVersion)

	for _, o := range opts {
		o(&s)
	}

	return &s
}

func (s *Service) host(token string) (RepoHost, error) {
	if token == "" {
		token = s.defaultToken
	}

	if token == "" {
		return nil, bumperr.Unauthorized("repository_host", errors.New("no repository host token configured or provided"))
	}

	return s.hostFactory(token)
}

func (s *Service) retry(ctx context.Context, fn func(context.Context) error, logF ...zap.Field) error {
	if s.retryer == nil {
		return fn(ctx)
	}

	return s.retryer.Run(ctx, fn, logF)
}

func (s *Service) filePath(path string) string {
	if path == "" {
		return s.manifestPath
	}

	return path
}

// ListRepositories returns the names of the repositories accessible with the
// configured repository host token.
// If no token is configured a bumperr.KindInternal error is returned.
func (s *Service) ListRepositories(ctx context.Context) ([]string, error) {
	const op = "list_repositories"

	if s.defaultToken == "" {
		return nil, bumperr.New(bumperr.KindInternal, op, errors.New("GitHub token is not loaded, check the configuration"))
	}

	host, err := s.host(s.defaultToken)
	if err != nil {
		return nil, err
	}

	var repos []string
	err = s.retry(ctx, func(ctx context.Context) error {
		var err error
		repos, err = host.ListRepositories(ctx)
		return err
	}, logfields.Operation(op))
	if err != nil {
		return nil, err
	}

	return repos, nil
}

// FetchManifest returns the manifest file at path from the default branch of
// the repository. If path is empty, the configured manifest path is used.
// token is the repository host credential, if it is empty the configured one
// is used.
func (s *Service) FetchManifest(ctx context.Context, token, owner, repo, path string) (*githubclt.File, error) {
	host, err := s.host(token)
	if err != nil {
		return nil, err
	}

	return s.fetchManifest(ctx, host, owner, repo, s.filePath(path), "")
}

func (s *Service) fetchManifest(ctx context.Context, host RepoHost, owner, repo, path, ref string) (*githubclt.File, error) {
	var f *githubclt.File

	err := s.retry(ctx, func(ctx context.Context) error {
		var err error
		f, err = host.FetchFile(ctx, owner, repo, path, ref)
		return err
	},
		logfields.Operation("fetch_manifest"),
		logfields.RepositoryOwner(owner),
		logfields.Repository(repo),
		logfields.FilePath(path),
	)
	if err != nil {
		return nil, fmt.Errorf("fetching %s from %s/%s failed: %w", path, owner, repo, err)
	}

	return f, nil
}

// ParseRequirements fetches the manifest from the repository and returns the
// dependencies it lists.
func (s *Service) ParseRequirements(ctx context.Context, token, owner, repo, path string) (*manifest.Dependencies, error) {
	f, err := s.FetchManifest(ctx, token, owner, repo, path)
	if err != nil {
		return nil, err
	}

	return manifest.Parse(f.Content), nil
}

// LatestVersion returns the latest published version of a package.
func (s *Service) LatestVersion(ctx context.Context, packageName string) (string, error) {
	return s.index.LatestVersion(ctx, packageName)
}

// CheckForUpdates returns the dependencies for that newer versions are
// published. Packages whose latest version can not be determined are
// reported in planner.Result.Skipped.
func (s *Service) CheckForUpdates(ctx context.Context, deps *manifest.Dependencies) *planner.Result {
	return s.planner.Plan(ctx, deps)
}

// GenerateUpdatedRequirements renders the manifest for deps with updates
// applied.
func (*Service) GenerateUpdatedRequirements(deps *manifest.Dependencies, updates *planner.Updates) string {
	return planner.Render(deps, updates)
}

// CommitRequest describes a manifest change that is committed to a branch.
type CommitRequest struct {
	Owner      string
	Repository string
	Branch     string
	FilePath   string
	Content    string
	// OriginalSHA is the blob SHA of the file that is replaced.
	OriginalSHA string
}

// CommitChanges creates the branch from the head of the default branch,
// if it does not exist yet, and commits the new file content to it.
func (s *Service) CommitChanges(ctx context.Context, token string, req *CommitRequest) error {
	host, err := s.host(token)
	if err != nil {
		return err
	}

	base, err := s.defaultBranch(ctx, host, req.Owner, req.Repository)
	if err != nil {
		return err
	}

	if err := s.createBranch(ctx, host, req.Owner, req.Repository, req.Branch, base.HeadSHA); err != nil {
		return err
	}

	_, err = s.commit(ctx, host, req)
	return err
}

func (s *Service) defaultBranch(ctx context.Context, host RepoHost, owner, repo string) (*githubclt.Branch, error) {
	var b *githubclt.Branch

	err := s.retry(ctx, func(ctx context.Context) error {
		var err error
		b, err = host.DefaultBranch(ctx, owner, repo)
		return err
	},
		logfields.Operation("default_branch"),
		logfields.RepositoryOwner(owner),
		logfields.Repository(repo),
	)
	if err != nil {
		return nil, fmt.Errorf("retrieving default branch of %s/%s failed: %w", owner, repo, err)
	}

	return b, nil
}

// createBranch creates the branch, if it already exists it is reused.
func (s *Service) createBranch(ctx context.Context, host RepoHost, owner, repo, branch, fromSHA string) error {
	logger := s.logger.With(
		logfields.RepositoryOwner(owner),
		logfields.Repository(repo),
		logfields.Branch(branch),
	)

	err := s.retry(ctx, func(ctx context.Context) error {
		return host.CreateBranch(ctx, owner, repo, branch, fromSHA)
	}, logfields.Operation("create_branch"), logfields.Branch(branch))
	if err != nil {
		if errors.Is(err, githubclt.ErrBranchExists) {
			logger.Info(
				"branch already exists, reusing it",
				logfields.Event("branch_reused"),
			)
			return nil
		}

		return fmt.Errorf("creating branch %s failed: %w", branch, err)
	}

	logger.Info(
		"created branch",
		logfields.Event("branch_created"),
		logfields.Commit(fromSHA),
	)

	return nil
}

func (s *Service) commit(ctx context.Context, host RepoHost, req *CommitRequest) (string, error) {
	var commitSHA string

	err := s.retry(ctx, func(ctx context.Context) error {
		var err error
		commitSHA, err = host.UpdateFile(
			ctx,
			req.Owner, req.Repository, req.Branch, req.FilePath,
			commitMessage, req.Content, req.OriginalSHA,
		)
		return err
	}, logfields.Operation("commit_changes"), logfields.Branch(req.Branch))
	if err != nil {
		return "", fmt.Errorf("committing %s to branch %s failed: %w", req.FilePath, req.Branch, err)
	}

	s.logger.Info(
		"committed changes",
		logfields.Event("changes_committed"),
		logfields.RepositoryOwner(req.Owner),
		logfields.Repository(req.Repository),
		logfields.Branch(req.Branch),
		logfields.FilePath(req.FilePath),
		logfields.Commit(commitSHA),
	)

	return commitSHA, nil
}

// CreatePullRequest opens a pull request to merge branch into the default
// branch of the repository and returns its URL.
func (s *Service) CreatePullRequest(ctx context.Context, token, owner, repo, branch string) (string, error) {
	host, err := s.host(token)
	if err != nil {
		return "", err
	}

	base, err := s.defaultBranch(ctx, host, owner, repo)
	if err != nil {
		return "", err
	}

	return s.createPullRequest(ctx, host, owner, repo, branch, base.Name, pullRequestTitle, pullRequestBody)
}

func (s *Service) createPullRequest(ctx context.Context, host RepoHost, owner, repo, head, base, title, body string) (string, error) {
	var url string

	err := s.retry(ctx, func(ctx context.Context) error {
		var err error
		url, err = host.CreatePullRequest(ctx, owner, repo, head, base, title, body)
		return err
	}, logfields.Operation("create_pull_request"), logfields.Branch(head))
	if err != nil {
		return "", fmt.Errorf("creating pull request for branch %s failed: %w", head, err)
	}

	s.logger.Info(
		"created pull request",
		logfields.Event("pull_request_created"),
		logfields.RepositoryOwner(owner),
		logfields.Repository(repo),
		logfields.Branch(head),
		logfields.BaseBranch(base),
		logfields.PullRequestURL(url),
	)

	return url, nil
}
