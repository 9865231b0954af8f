package updater

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/simplesurance/depbump/internal/githubclt"
	"github.com/simplesurance/depbump/internal/logfields"
)

// DryRepoHost is a RepoHost that does not do any changes on the repository
// host. All operations that could cause a change are simulated and always
// succeed. All other operations are forwarded to a wrapped RepoHost.
type DryRepoHost struct {
	host   RepoHost
	logger *zap.Logger
}

func NewDryRepoHost(host RepoHost, logger *zap.Logger) *DryRepoHost {
	return &DryRepoHost{
		host:   host,
		logger: logger.Named("dry_repo_host"),
	}
}

// DryRepoHostFactory wraps the RepoHosts created by f in a DryRepoHost.
func DryRepoHostFactory(f RepoHostFactory, logger *zap.Logger) RepoHostFactory {
	return func(token string) (RepoHost, error) {
		host, err := f(token)
		if err != nil {
			return nil, err
		}

		return NewDryRepoHost(host, logger), nil
	}
}

func (h *DryRepoHost) ListRepositories(ctx context.Context) ([]string, error) {
	return h.host.ListRepositories(ctx)
}

func (h *DryRepoHost) DefaultBranch(ctx context.Context, owner, repo string) (*githubclt.Branch, error) {
	return h.host.DefaultBranch(ctx, owner, repo)
}

func (h *DryRepoHost) FetchFile(ctx context.Context, owner, repo, path, ref string) (*githubclt.File, error) {
	return h.host.FetchFile(ctx, owner, repo, path, ref)
}

func (h *DryRepoHost) CreateBranch(_ context.Context, owner, repo, branch, _ string) error {
	h.logger.Info(
		"simulated creating of branch, no branch created",
		logfields.RepositoryOwner(owner),
		logfields.Repository(repo),
		logfields.Branch(branch),
	)
	return nil
}

func (h *DryRepoHost) UpdateFile(_ context.Context, owner, repo, branch, path, _, _, _ string) (string, error) {
	h.logger.Info(
		"simulated committing of file, no commit created",
		logfields.RepositoryOwner(owner),
		logfields.Repository(repo),
		logfields.Branch(branch),
		logfields.FilePath(path),
	)
	return "0000000000000000000000000000000000000000", nil
}

func (h *DryRepoHost) CreatePullRequest(_ context.Context, owner, repo, head, base, _, _ string) (string, error) {
	h.logger.Info(
		"simulated creating of pull request, no pull request created",
		logfields.RepositoryOwner(owner),
		logfields.Repository(repo),
		logfields.Branch(head),
		logfields.BaseBranch(base),
	)
	return fmt.Sprintf("https://github.com/%s/%s/compare/%s...%s", owner, repo, base, head), nil
}
