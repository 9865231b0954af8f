package httpapi

import (
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/simplesurance/depbump/internal/bumperr"
	"github.com/simplesurance/depbump/internal/logfields"
	"github.com/simplesurance/depbump/internal/manifest"
	"github.com/simplesurance/depbump/internal/orderedmap"
	"github.com/simplesurance/depbump/internal/planner"
	"github.com/simplesurance/depbump/internal/updater"
)

type reposResponse struct {
	Repositories []string `json:"repositories"`
}

func (s *Server) handleRepos(req *http.Request, _ *zap.Logger) (any, error) {
	repos, err := s.svc.ListRepositories(req.Context())
	if err != nil {
		return nil, err
	}

	if repos == nil {
		repos = []string{}
	}

	return &reposResponse{Repositories: repos}, nil
}

type repoRequest struct {
	Owner    string `json:"owner"`
	RepoName string `json:"repo_name"`
	FilePath string `json:"file_path"`
}

func (r *repoRequest) validate() error {
	return requireFields(
		field{"owner", r.Owner},
		field{"repo_name", r.RepoName},
	)
}

type parseRequirementsResponse struct {
	Dependencies *manifest.Dependencies `json:"dependencies"`
}

func (s *Server) handleParseRequirements(req *http.Request, logger *zap.Logger) (any, error) {
	var r repoRequest

	if err := decodeJSON(req, &r); err != nil {
		return nil, err
	}

	if err := r.validate(); err != nil {
		return nil, err
	}

	deps, err := s.svc.ParseRequirements(req.Context(), "", r.Owner, r.RepoName, r.FilePath)
	if err != nil {
		return nil, err
	}

	logger.Debug(
		"parsed requirements",
		logfields.Event("requirements_parsed"),
		logfields.RepositoryOwner(r.Owner),
		logfields.Repository(r.RepoName),
		zap.Int("dependencies", deps.Len()),
	)

	return &parseRequirementsResponse{Dependencies: deps}, nil
}

type latestVersionRequest struct {
	PackageName string `json:"package_name"`
}

type latestVersionResponse struct {
	PackageName   string `json:"package_name"`
	LatestVersion string `json:"latest_version"`
}

func (s *Server) handleLatestVersion(req *http.Request, _ *zap.Logger) (any, error) {
	var r latestVersionRequest

	if err := decodeJSON(req, &r); err != nil {
		return nil, err
	}

	if err := requireFields(field{"package_name", r.PackageName}); err != nil {
		return nil, err
	}

	v, err := s.svc.LatestVersion(req.Context(), r.PackageName)
	if err != nil {
		return nil, err
	}

	return &latestVersionResponse{PackageName: r.PackageName, LatestVersion: v}, nil
}

// validateDependencies returns a KindMalformedInput error if deps is missing
// or contains an entry that can not be rendered as manifest line.
func validateDependencies(deps *manifest.Dependencies) error {
	const op = "validate_request"

	if deps == nil {
		return bumperr.MalformedInput(op, errors.New("missing required fields: dependencies"))
	}

	if err := manifest.Validate(deps); err != nil {
		return bumperr.MalformedInput(op, fmt.Errorf("invalid dependencies: %w", err))
	}

	return nil
}

func validateUpdates(updates *planner.Updates) error {
	var err error

	updates.Foreach(func(name string, u planner.Update) bool {
		if err = manifest.ValidateEntry(name, u.Current); err != nil {
			return false
		}

		err = manifest.ValidateEntry(name, manifest.Pin(u.Latest))
		return err == nil
	})
	if err != nil {
		return bumperr.MalformedInput("validate_request", fmt.Errorf("invalid updates: %w", err))
	}

	return nil
}

type checkForUpdatesRequest struct {
	Dependencies *manifest.Dependencies `json:"dependencies"`
}

type checkForUpdatesResponse struct {
	Updates *planner.Updates        `json:"updates"`
	Skipped *orderedmap.Map[string] `json:"skipped"`
}

func (s *Server) handleCheckForUpdates(req *http.Request, logger *zap.Logger) (any, error) {
	var r checkForUpdatesRequest

	if err := decodeJSON(req, &r); err != nil {
		return nil, err
	}

	if err := validateDependencies(r.Dependencies); err != nil {
		return nil, err
	}

	res := s.svc.CheckForUpdates(req.Context(), r.Dependencies)
	if res.Err != nil {
		logger.Info(
			"updates of some packages could not be determined",
			logfields.Event("packages_skipped"),
			zap.Error(res.Err),
		)
	}

	return &checkForUpdatesResponse{Updates: res.Updates, Skipped: res.Skipped}, nil
}

type generateUpdatedRequirementsRequest struct {
	Dependencies *manifest.Dependencies `json:"dependencies"`
	Updates      *planner.Updates       `json:"updates"`
}

type generateUpdatedRequirementsResponse struct {
	UpdatedRequirements string `json:"updated_requirements"`
}

func (s *Server) handleGenerateUpdatedRequirements(req *http.Request, _ *zap.Logger) (any, error) {
	var r generateUpdatedRequirementsRequest

	if err := decodeJSON(req, &r); err != nil {
		return nil, err
	}

	if err := validateDependencies(r.Dependencies); err != nil {
		return nil, err
	}

	if err := validateUpdates(r.Updates); err != nil {
		return nil, err
	}

	return &generateUpdatedRequirementsResponse{
		UpdatedRequirements: s.svc.GenerateUpdatedRequirements(r.Dependencies, r.Updates),
	}, nil
}

type commitChangesRequest struct {
	Owner          string `json:"owner"`
	RepoName       string `json:"repo_name"`
	BranchName     string `json:"branch_name"`
	FilePath       string `json:"file_path"`
	UpdatedContent string `json:"updated_content"`
	OriginalSHA    string `json:"original_sha"`
}

type messageResponse struct {
	Message string `json:"message"`
}

func (s *Server) handleCommitChanges(req *http.Request, _ *zap.Logger) (any, error) {
	token, err := bearerToken(req)
	if err != nil {
		return nil, err
	}

	var r commitChangesRequest

	if err := decodeJSON(req, &r); err != nil {
		return nil, err
	}

	err = requireFields(
		field{"owner", r.Owner},
		field{"repo_name", r.RepoName},
		field{"branch_name", r.BranchName},
		field{"file_path", r.FilePath},
		field{"original_sha", r.OriginalSHA},
	)
	if err != nil {
		return nil, err
	}

	err = s.svc.CommitChanges(req.Context(), token, &updater.CommitRequest{
		Owner:       r.Owner,
		Repository:  r.RepoName,
		Branch:      r.BranchName,
		FilePath:    r.FilePath,
		Content:     r.UpdatedContent,
		OriginalSHA: r.OriginalSHA,
	})
	if err != nil {
		return nil, err
	}

	return &messageResponse{Message: "Changes committed successfully."}, nil
}

type createPullRequestRequest struct {
	Owner      string `json:"owner"`
	RepoName   string `json:"repo_name"`
	BranchName string `json:"branch_name"`
}

type createPullRequestResponse struct {
	Message        string `json:"message"`
	PullRequestURL string `json:"pull_request_url"`
}

func (s *Server) handleCreatePullRequest(req *http.Request, _ *zap.Logger) (any, error) {
	token, err := bearerToken(req)
	if err != nil {
		return nil, err
	}

	var r createPullRequestRequest

	if err := decodeJSON(req, &r); err != nil {
		return nil, err
	}

	err = requireFields(
		field{"owner", r.Owner},
		field{"repo_name", r.RepoName},
		field{"branch_name", r.BranchName},
	)
	if err != nil {
		return nil, err
	}

	url, err := s.svc.CreatePullRequest(req.Context(), token, r.Owner, r.RepoName, r.BranchName)
	if err != nil {
		return nil, err
	}

	return &createPullRequestResponse{
		Message:        "Pull request created successfully.",
		PullRequestURL: url,
	}, nil
}

func (s *Server) handleRunAll(req *http.Request, _ *zap.Logger) (any, error) {
	var r repoRequest

	if err := decodeJSON(req, &r); err != nil {
		return nil, err
	}

	if err := r.validate(); err != nil {
		return nil, err
	}

	// the bearer token is optional, without one the configured token is
	// used
	var token string
	if req.Header.Get("Authorization") != "" {
		var err error
		if token, err = bearerToken(req); err != nil {
			return nil, err
		}
	}

	res, err := s.svc.RunAll(req.Context(), &updater.RunRequest{
		Token:      token,
		Owner:      r.Owner,
		Repository: r.RepoName,
		FilePath:   r.FilePath,
	})
	if err != nil {
		var stepErr *updater.StepError
		if errors.As(err, &stepErr) {
			return nil, &runAllError{stepErr: stepErr, result: res}
		}

		return nil, err
	}

	return res, nil
}

type diffSummaryRequest struct {
	OriginalRequirements string `json:"original_requirements"`
	UpdatedRequirements  string `json:"updated_requirements"`
}

type diffSummaryResponse struct {
	Summary string `json:"summary"`
}

func (s *Server) handleDiffSummary(req *http.Request, _ *zap.Logger) (any, error) {
	var r diffSummaryRequest

	if err := decodeJSON(req, &r); err != nil {
		return nil, err
	}

	return &diffSummaryResponse{
		Summary: s.svc.DiffSummary(req.Context(), r.OriginalRequirements, r.UpdatedRequirements),
	}, nil
}
