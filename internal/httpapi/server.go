// Package httpapi exposes the dependency update operations as JSON HTTP
// endpoints.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/simplesurance/depbump/internal/bumperr"
	"github.com/simplesurance/depbump/internal/logfields"
	"github.com/simplesurance/depbump/internal/updater"
)

const loggerName = "http_api"

// maxRequestBodySize is the maximum accepted size of request bodies.
const maxRequestBodySize = 1 << 20

type Server struct {
	svc    *updater.Service
	logger *zap.Logger
}

func New(svc *updater.Service) *Server {
	return &Server{
		svc:    svc,
		logger: zap.L().Named(loggerName),
	}
}

// RegisterHandlers registers the handlers of all endpoints at mux.
func (s *Server) RegisterHandlers(mux *http.ServeMux) {
	s.handle(mux, http.MethodGet, "/repos", s.handleRepos)
	s.handle(mux, http.MethodPost, "/parse_requirements", s.handleParseRequirements)
	s.handle(mux, http.MethodPost, "/get_latest_version", s.handleLatestVersion)
	s.handle(mux, http.MethodPost, "/check_for_updates", s.handleCheckForUpdates)
	s.handle(mux, http.MethodPost, "/generate_updated_requirements", s.handleGenerateUpdatedRequirements)
	s.handle(mux, http.MethodPost, "/commit_changes", s.handleCommitChanges)
	s.handle(mux, http.MethodPost, "/create_pull_request", s.handleCreatePullRequest)
	s.handle(mux, http.MethodPost, "/run_all", s.handleRunAll)
	s.handle(mux, http.MethodPost, "/diff_summary", s.handleDiffSummary)
}

// Handler returns a http.Handler serving all endpoints, with CORS enabled.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterHandlers(mux)

	return CORS(mux)
}

// handlerFunc processes a request and returns the value that is sent JSON
// encoded as response body.
type handlerFunc func(*http.Request, *zap.Logger) (any, error)

func (s *Server) handle(mux *http.ServeMux, method, endpoint string, fn handlerFunc) {
	logger := s.logger.With(logfields.HTTPEndpoint(endpoint))

	mux.HandleFunc(method+" "+endpoint, func(respWr http.ResponseWriter, req *http.Request) {
		resp := newStatusRecorder(respWr)
		defer func() { metrics.RequestInc(endpoint, resp.status) }()

		logger.Debug("received http request", logfields.Event("http_request_received"))

		result, err := fn(req, logger)
		if err != nil {
			s.writeError(resp, logger, err)
			return
		}

		writeJSON(resp, logger, http.StatusOK, result)
	})
}

// errorResponse is the body of failed requests.
type errorResponse struct {
	Detail string `json:"detail"`
}

// runAllErrorResponse is the body of a failed run, it contains the
// artifacts that were produced before the step failed.
type runAllErrorResponse struct {
	Detail     string `json:"detail"`
	FailedStep string `json:"failed_step"`
	*updater.RunResult
}

// runAllError is returned by the run_all handler when a step failed.
type runAllError struct {
	stepErr *updater.StepError
	result  *updater.RunResult
}

func (e *runAllError) Error() string {
	return e.stepErr.Error()
}

func (e *runAllError) Unwrap() error {
	return e.stepErr
}

func statusCode(err error) int {
	switch bumperr.KindOf(err) {
	case bumperr.KindNotFound:
		return http.StatusNotFound
	case bumperr.KindUnauthorized, bumperr.KindMalformedInput:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(resp http.ResponseWriter, logger *zap.Logger, err error) {
	status := statusCode(err)

	logger = logger.With(
		logfields.HTTPStatus(status),
		zap.String("error_kind", bumperr.KindOf(err).String()),
		zap.Error(err),
	)

	if status >= http.StatusInternalServerError {
		logger.Error("processing http request failed", logfields.Event("http_request_failed"))
	} else {
		logger.Info("processing http request failed", logfields.Event("http_request_failed"))
	}

	var runErr *runAllError
	if errors.As(err, &runErr) {
		writeJSON(resp, logger, status, &runAllErrorResponse{
			Detail:     runErr.Error(),
			FailedStep: runErr.stepErr.Step,
			RunResult:  runErr.result,
		})
		return
	}

	writeJSON(resp, logger, status, &errorResponse{Detail: err.Error()})
}

func writeJSON(resp http.ResponseWriter, logger *zap.Logger, status int, body any) {
	buf, err := json.Marshal(body)
	if err != nil {
		logger.Error(
			"encoding http response failed",
			logfields.Event("http_response_encoding_failed"),
			zap.Error(err),
		)

		status = http.StatusInternalServerError
		buf, _ = json.Marshal(&errorResponse{Detail: "encoding response failed"})
	}

	resp.Header().Set("Content-Type", "application/json")
	resp.WriteHeader(status)

	if _, err := resp.Write(buf); err != nil {
		logger.Info("sending http response failed", zap.Error(err))
	}
}

// decodeJSON decodes the request body into v.
func decodeJSON(req *http.Request, v any) error {
	const op = "decode_request"

	dec := json.NewDecoder(io.LimitReader(req.Body, maxRequestBodySize))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return bumperr.MalformedInput(op, errors.New("request body is empty"))
		}

		return bumperr.MalformedInput(op, fmt.Errorf("request body is not valid json: %w", err))
	}

	return nil
}

// bearerToken returns the token from the Authorization header of the
// request.
func bearerToken(req *http.Request) (string, error) {
	const op = "authorization"

	hdr := req.Header.Get("Authorization")
	if hdr == "" {
		return "", bumperr.Unauthorized(op, errors.New("authorization header is missing"))
	}

	scheme, token, found := strings.Cut(hdr, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", bumperr.Unauthorized(op, errors.New("authorization header does not contain a bearer token"))
	}

	return strings.TrimSpace(token), nil
}

type field struct {
	name string
	val  string
}

// requireFields returns a KindMalformedInput error when one of the fields
// is empty.
func requireFields(fields ...field) error {
	var missing []string

	for _, f := range fields {
		if f.val == "" {
			missing = append(missing, f.name)
		}
	}

	if len(missing) > 0 {
		return bumperr.MalformedInput(
			"validate_request",
			fmt.Errorf("missing required fields: %s", strings.Join(missing, ", ")),
		)
	}

	return nil
}
