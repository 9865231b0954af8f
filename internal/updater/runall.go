package updater

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/simplesurance/depbump/internal/logfields"
	"github.com/simplesurance/depbump/internal/manifest"
	"github.com/simplesurance/depbump/internal/orderedmap"
	"github.com/simplesurance/depbump/internal/planner"
)

// NoUpdatesSummary is reported as diff summary when a run found no updates.
const NoUpdatesSummary = "No dependency updates available."

const runPullRequestTitle = "Update dependencies"

// Names of the steps of a run, they are reported in StepError.
const (
	StepListRepositories  = "list_repositories"
	StepDefaultBranch     = "default_branch"
	StepFetchManifest     = "fetch_manifest"
	StepCreateBranch      = "create_branch"
	StepCommitChanges     = "commit_changes"
	StepCreatePullRequest = "create_pull_request"
)

// RunResult contains the artifacts of a run.
// When a run fails it contains the artifacts produced before the failing
// step.
type RunResult struct {
	Repositories        []string                `json:"repositories"`
	ParsedDependencies  *manifest.Dependencies  `json:"parsed_dependencies"`
	Updates             *planner.Updates        `json:"updates"`
	Skipped             *orderedmap.Map[string] `json:"skipped,omitempty"`
	UpdatedRequirements string                  `json:"updated_requirements"`
	BranchName          string                  `json:"branch_name,omitempty"`
	DiffSummary         string                  `json:"diff_summary"`
	PRLink              string                  `json:"pr_link"`
}

// StepError is returned when a step of a run fails.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s failed: %s", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// RunRequest describes a run for a single repository.
type RunRequest struct {
	// Token is the repository host credential, if it is empty the
	// configured one is used.
	Token      string
	Owner      string
	Repository string
	// FilePath is the path of the manifest in the repository, if empty the
	// configured path is used.
	FilePath string
}

// RunAll fetches the manifest of the repository, determines available
// updates, commits the updated manifest to a new branch, opens a pull
// request for it and generates a summary of the changes.
// When no updates are available, nothing is published.
//
// The returned RunResult is never nil. If a step fails a *StepError is
// returned together with the artifacts produced until then.
func (s *Service) RunAll(ctx context.Context, req *RunRequest) (*RunResult, error) {
	result := RunResult{}
	path := s.filePath(req.FilePath)

	logger := s.logger.With(
		logfields.Operation("run_all"),
		logfields.RepositoryOwner(req.Owner),
		logfields.Repository(req.Repository),
		logfields.FilePath(path),
	)

	fail := func(step string, err error) (*RunResult, error) {
		logger.Warn(
			"run failed",
			logfields.Event("run_failed"),
			logfields.Step(step),
			zap.Error(err),
		)

		return &result, &StepError{Step: step, Err: err}
	}

	host, err := s.host(req.Token)
	if err != nil {
		return fail(StepListRepositories, err)
	}

	err = s.retry(ctx, func(ctx context.Context) error {
		var err error
		result.Repositories, err = host.ListRepositories(ctx)
		return err
	}, logfields.Operation(StepListRepositories))
	if err != nil {
		return fail(StepListRepositories, err)
	}

	base, err := s.defaultBranch(ctx, host, req.Owner, req.Repository)
	if err != nil {
		return fail(StepDefaultBranch, err)
	}

	f, err := s.fetchManifest(ctx, host, req.Owner, req.Repository, path, base.Name)
	if err != nil {
		return fail(StepFetchManifest, err)
	}

	result.ParsedDependencies = manifest.Parse(f.Content)

	plan := s.CheckForUpdates(ctx, result.ParsedDependencies)
	result.Updates = plan.Updates
	if plan.Skipped.Len() > 0 {
		result.Skipped = plan.Skipped
	}

	result.UpdatedRequirements = planner.Render(result.ParsedDependencies, plan.Updates)

	if plan.Updates.Len() == 0 {
		result.DiffSummary = NoUpdatesSummary

		logger.Info(
			"all dependencies are up to date, nothing to publish",
			logfields.Event("run_finished_no_updates"),
			zap.Int("dependencies", result.ParsedDependencies.Len()),
			zap.Int("skipped", plan.Skipped.Len()),
		)

		return &result, nil
	}

	branch := BranchName(s.branchPrefix)

	if err := s.createBranch(ctx, host, req.Owner, req.Repository, branch, base.HeadSHA); err != nil {
		return fail(StepCreateBranch, err)
	}

	result.BranchName = branch

	_, err = s.commit(ctx, host, &CommitRequest{
		Owner:       req.Owner,
		Repository:  req.Repository,
		Branch:      branch,
		FilePath:    path,
		Content:     result.UpdatedRequirements,
		OriginalSHA: f.SHA,
	})
	if err != nil {
		return fail(StepCommitChanges, err)
	}

	result.PRLink, err = s.createPullRequest(
		ctx, host,
		req.Owner, req.Repository,
		branch, base.Name,
		runPullRequestTitle, runPullRequestBody(plan.Updates),
	)
	if err != nil {
		return fail(StepCreatePullRequest, err)
	}

	result.DiffSummary = s.DiffSummary(ctx, f.Content, result.UpdatedRequirements)

	logger.Info(
		"run finished",
		logfields.Event("run_finished"),
		logfields.Branch(branch),
		logfields.PullRequestURL(result.PRLink),
		zap.Int("updates", plan.Updates.Len()),
	)

	return &result, nil
}

func runPullRequestBody(updates *planner.Updates) string {
	var sb strings.Builder

	sb.WriteString("Automated update of dependencies.\n\n")

	updates.Foreach(func(name string, u planner.Update) bool {
		current := string(u.Current)
		if current == "" {
			current = "unpinned"
		}

		fmt.Fprintf(&sb, "- `%s`: %s -> %s\n", name, current, u.Latest)
		return true
	})

	return sb.String()
}
