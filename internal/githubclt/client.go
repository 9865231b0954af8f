// Package githubclt provides a github API client.
package githubclt

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/go-github/v59/github"
	"github.com/shurcooL/githubv4"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/simplesurance/depbump/internal/bumperr"
	"github.com/simplesurance/depbump/internal/logfields"
)

const DefaultHTTPClientTimeout = time.Minute

const loggerName = "github_client"

// ErrBranchExists is returned by CreateBranch when the branch already exists.
var ErrBranchExists = errors.New("branch already exists")

// File is the content of a file in a repository.
type File struct {
	Content string
	// SHA is the blob SHA of the file, it is required to update the file.
	SHA string
}

// Branch is a git branch and the commit it points to.
type Branch struct {
	Name    string
	HeadSHA string
}

type Option func(*options)

type options struct {
	timeout    time.Duration
	restURL    string
	graphQLURL string
}

// WithTimeout sets the timeout for a single API request.
func WithTimeout(timeout time.Duration) Option {
	return func(o *options) {
		if timeout > 0 {
			o.timeout = timeout
		}
	}
}

// WithEnterpriseURLs sets the URLs of the REST and GraphQL API endpoints.
func WithEnterpriseURLs(restURL, graphQLURL string) Option {
	return func(o *options) {
		o.restURL = restURL
		o.graphQLURL = graphQLURL
	}
}

// New returns a new github api client.
// If oauthAPItoken is empty, requests are sent unauthenticated.
func New(oauthAPItoken string, opts ...Option) (*Client, error) {
	o := options{timeout: DefaultHTTPClientTimeout}
	for _, opt := range opts {
		opt(&o)
	}

	httpClient := newHTTPClient(oauthAPItoken, o.timeout)

	restClt := github.NewClient(httpClient)
	graphQLClt := githubv4.NewClient(httpClient)

	if o.restURL != "" {
		var err error

		restClt, err = restClt.WithEnterpriseURLs(o.restURL, o.restURL)
		if err != nil {
			return nil, fmt.Errorf("setting github api url failed: %w", err)
		}
	}

	if o.graphQLURL != "" {
		graphQLClt = githubv4.NewEnterpriseClient(o.graphQLURL, httpClient)
	}

	return &Client{
		restClt:    restClt,
		graphQLClt: graphQLClt,
		logger:     zap.L().Named(loggerName),
	}, nil
}

func newHTTPClient(apiToken string, timeout time.Duration) *http.Client {
	if apiToken == "" {
		return &http.Client{
			Timeout: timeout,
		}
	}

	ts := oauth2.StaticTokenSource(
		&oauth2.Token{AccessToken: apiToken},
	)

	tc := oauth2.NewClient(context.Background(), ts)
	tc.Timeout = timeout

	return tc
}

// Client is an github API client.
// All methods return a bumperr.RetryableError when an operation can be retried.
// This can be e.g. the case when the API ratelimit is exceeded.
type Client struct {
	restClt    *github.Client
	graphQLClt *githubv4.Client
	logger     *zap.Logger
}

// ListRepositories returns the names of all repositories the authenticated
// user owns or collaborates on.
func (clt *Client) ListRepositories(ctx context.Context) ([]string, error) {
	const op = "github.list_repositories"

	var q struct {
		Viewer struct {
			Repositories struct {
				Nodes []struct {
					Name githubv4.String
				}
				PageInfo struct {
					EndCursor   githubv4.String
					HasNextPage githubv4.Boolean
				}
			} `graphql:"repositories(first: 100, after: $cursor)"`
		}
	}

	vars := map[string]any{
		"cursor": (*githubv4.String)(nil),
	}

	var result []string
	for {
		if err := clt.graphQLClt.Query(ctx, &q, vars); err != nil {
			return nil, clt.wrapGraphQLErrors(op, err)
		}

		for _, n := range q.Viewer.Repositories.Nodes {
			result = append(result, string(n.Name))
		}

		if !q.Viewer.Repositories.PageInfo.HasNextPage {
			return result, nil
		}

		vars["cursor"] = githubv4.NewString(q.Viewer.Repositories.PageInfo.EndCursor)
	}
}

// DefaultBranch returns the default branch of the repository and the commit
// it points to.
func (clt *Client) DefaultBranch(ctx context.Context, owner, repo string) (*Branch, error) {
	const op = "github.default_branch"

	var q struct {
		Repository struct {
			DefaultBranchRef struct {
				Name   githubv4.String
				Target struct {
					Oid githubv4.GitObjectID
				}
			}
		} `graphql:"repository(owner: $owner, name: $name)"`
	}

	vars := map[string]any{
		"owner": githubv4.String(owner),
		"name":  githubv4.String(repo),
	}

	if err := clt.graphQLClt.Query(ctx, &q, vars); err != nil {
		return nil, clt.wrapGraphQLErrors(op, err)
	}

	ref := q.Repository.DefaultBranchRef
	if ref.Name == "" || ref.Target.Oid == "" {
		return nil, bumperr.NotFound(op, fmt.Errorf("repository %s/%s has no default branch", owner, repo))
	}

	return &Branch{
		Name:    string(ref.Name),
		HeadSHA: string(ref.Target.Oid),
	}, nil
}

// FetchFile returns the content of the file at path.
// If ref is empty, the file is read from the default branch.
func (clt *Client) FetchFile(ctx context.Context, owner, repo, path, ref string) (*File, error) {
	const op = "github.fetch_file"

	fileContent, _, _, err := clt.restClt.Repositories.GetContents(
		ctx, owner, repo, path,
		&github.RepositoryContentGetOptions{Ref: ref},
	)
	if err != nil {
		return nil, clt.wrapErrors(op, err)
	}

	if fileContent == nil {
		return nil, bumperr.NotFound(op, fmt.Errorf("path %q is a directory, not a file", path))
	}

	content, err := fileContent.GetContent()
	if err != nil {
		return nil, bumperr.UpstreamUnavailable(op, fmt.Errorf("decoding file content failed: %w", err))
	}

	return &File{
		Content: content,
		SHA:     fileContent.GetSHA(),
	}, nil
}

// CreateBranch creates a branch pointing to the commit fromSHA.
// If the branch already exists, ErrBranchExists is returned.
func (clt *Client) CreateBranch(ctx context.Context, owner, repo, branch, fromSHA string) error {
	const op = "github.create_branch"

	ref := "refs/heads/" + branch
	_, _, err := clt.restClt.Git.CreateRef(ctx, owner, repo, &github.Reference{
		Ref:    &ref,
		Object: &github.GitObject{SHA: &fromSHA},
	})
	if err != nil {
		var respErr *github.ErrorResponse
		if errors.As(err, &respErr) &&
			respErr.Response != nil &&
			respErr.Response.StatusCode == http.StatusUnprocessableEntity &&
			strings.Contains(respErr.Message, "Reference already exists") {
			clt.logger.Debug(
				"branch already exists",
				logfields.Event("github_branch_exists"),
				logfields.RepositoryOwner(owner),
				logfields.Repository(repo),
				logfields.Branch(branch),
			)

			return ErrBranchExists
		}

		return clt.wrapErrors(op, err)
	}

	clt.logger.Debug(
		"branch created",
		logfields.Event("github_branch_created"),
		logfields.RepositoryOwner(owner),
		logfields.Repository(repo),
		logfields.Branch(branch),
		logfields.Commit(fromSHA),
	)

	return nil
}

// UpdateFile commits content as new version of the file at path to branch.
// sha must be the blob SHA of the file that is replaced.
// The SHA of the created commit is returned.
func (clt *Client) UpdateFile(ctx context.Context, owner, repo, branch, path, commitMsg, content, sha string) (string, error) {
	const op = "github.update_file"

	resp, _, err := clt.restClt.Repositories.UpdateFile(ctx, owner, repo, path, &github.RepositoryContentFileOptions{
		Message: &commitMsg,
		Content: []byte(content),
		SHA:     &sha,
		Branch:  &branch,
	})
	if err != nil {
		return "", clt.wrapErrors(op, err)
	}

	return resp.Commit.GetSHA(), nil
}

// CreatePullRequest opens a pull request to merge head into base and returns
// its URL.
func (clt *Client) CreatePullRequest(ctx context.Context, owner, repo, head, base, title, body string) (string, error) {
	const op = "github.create_pull_request"

	pr, _, err := clt.restClt.PullRequests.Create(ctx, owner, repo, &github.NewPullRequest{
		Title: &title,
		Head:  &head,
		Base:  &base,
		Body:  &body,
	})
	if err != nil {
		return "", clt.wrapErrors(op, err)
	}

	return pr.GetHTMLURL(), nil
}

func (clt *Client) wrapErrors(op string, err error) error {
	switch v := err.(type) {
	case *github.RateLimitError:
		clt.logger.Info(
			"rate limit exceeded",
			logfields.Event("github_api_rate_limit_exceeded"),
			logfields.Operation(op),
			zap.Int("github_api_rate_limit", v.Rate.Limit),
			zap.Time("github_api_rate_limit_reset_time", v.Rate.Reset.Time),
		)

		return bumperr.NewRetryableError(bumperr.UpstreamUnavailable(op, err), v.Rate.Reset.Time)

	case *github.AbuseRateLimitError:
		retryAfter := time.Now().Add(time.Minute)
		if v.RetryAfter != nil {
			retryAfter = time.Now().Add(*v.RetryAfter)
		}

		return bumperr.NewRetryableError(bumperr.UpstreamUnavailable(op, err), retryAfter)

	case *github.ErrorResponse:
		if v.Response == nil {
			return bumperr.UpstreamUnavailable(op, err)
		}

		return statusCodeToError(op, v.Response.StatusCode, err)
	}

	if errors.Is(err, context.Canceled) {
		return err
	}

	return bumperr.NewRetryableAnytimeError(bumperr.UpstreamUnavailable(op, err))
}

func statusCodeToError(op string, statusCode int, err error) error {
	switch {
	case statusCode == http.StatusNotFound:
		return bumperr.NotFound(op, err)

	case statusCode == http.StatusUnauthorized, statusCode == http.StatusForbidden:
		return bumperr.Unauthorized(op, err)

	case statusCode >= 500 && statusCode < 600:
		return bumperr.NewRetryableAnytimeError(bumperr.UpstreamUnavailable(op, err))

	default:
		return bumperr.UpstreamUnavailable(op, err)
	}
}

var graphQlHTTPStatusErrRe = regexp.MustCompile(`^non-200 OK status code: ([0-9]+) .*`)

func (clt *Client) wrapGraphQLErrors(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}

	if strings.Contains(err.Error(), "Could not resolve to a Repository") {
		return bumperr.NotFound(op, err)
	}

	matches := graphQlHTTPStatusErrRe.FindStringSubmatch(err.Error())
	if len(matches) != 2 {
		return bumperr.UpstreamUnavailable(op, err)
	}

	errcode, atoiErr := strconv.Atoi(matches[1])
	if atoiErr != nil {
		clt.logger.Info(
			"parsing http code from error string failed",
			zap.Error(atoiErr),
			zap.String("error_string", err.Error()),
			zap.String("http_errcode", matches[1]),
		)
		return bumperr.UpstreamUnavailable(op, err)
	}

	return statusCodeToError(op, errcode, err)
}
