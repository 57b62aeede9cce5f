package http

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/shipyard/internal/apperr"
	"github.com/fyrsmithlabs/shipyard/internal/fsm"
	"github.com/fyrsmithlabs/shipyard/internal/manifest"
	"github.com/fyrsmithlabs/shipyard/internal/session"
)

// errBadRequest marks malformed request bodies and parameters.
var errBadRequest = errors.New("bad request")

// errNotFound marks missing manifest branches and dead letters.
var errNotFound = errors.New("not found")

// statusFor maps a domain error to an HTTP status.
func statusFor(err error) int {
	var he *echo.HTTPError
	switch {
	case errors.As(err, &he):
		return he.Code
	case errors.Is(err, errBadRequest), errors.Is(err, session.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, errNotFound), errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrDuplicateActive),
		errors.Is(err, fsm.ErrInvalidTransition),
		errors.Is(err, manifest.ErrVersionConflict):
		return http.StatusConflict
	case errors.Is(err, session.ErrCapacity):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// handleError renders every handler error as an ErrorResponse.
func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	status := statusFor(err)
	resp := ErrorResponse{Error: err.Error()}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		if msg, ok := he.Message.(string); ok {
			resp.Error = msg
		} else {
			resp.Error = http.StatusText(he.Code)
		}
	}
	var conflict *session.ConflictError
	if errors.As(err, &conflict) {
		resp.ExistingSessionID = conflict.ExistingID
	}
	if code := apperr.CodeOf(err); code != apperr.CodeUnknown {
		resp.Code = string(code)
	}

	ctx := c.Request().Context()
	if status >= http.StatusInternalServerError {
		s.logger.Error(ctx, "request failed", zap.String("path", c.Path()), zap.Error(err))
		resp.Error = http.StatusText(status)
	} else {
		s.logger.Debug(ctx, "request rejected", zap.Int("status", status), zap.Error(err))
	}

	if c.Request().Method == http.MethodHead {
		err = c.NoContent(status)
	} else {
		err = c.JSON(status, resp)
	}
	if err != nil {
		s.logger.Warn(ctx, "failed to write error response", zap.Error(err))
	}
}
