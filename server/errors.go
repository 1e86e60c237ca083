package server

import (
	"net/http"

	"github.com/remilejeune/udata-harvest/errors"
	"github.com/remilejeune/udata-harvest/harvest"
	"github.com/remilejeune/udata-harvest/harvest/schedule"
	"github.com/remilejeune/udata-harvest/logger"
)

// statusFor maps harvest errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case harvest.IsNotFound(err):
		return http.StatusNotFound
	case errors.IsAny(err, harvest.ErrAlreadyScheduled, harvest.ErrNotScheduled, harvest.ErrJobActive, errors.ErrConflict):
		return http.StatusConflict
	case errors.IsAny(err, harvest.ErrInvalidSource, harvest.ErrUnknownBackend, schedule.ErrInvalidCrontab, errors.ErrInvalidRequest):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError replies with the status of err. Internal errors are
// logged with their stack and replied without detail.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.log.Errorw("Request failed",
			"method", r.Method,
			logger.FieldPath, r.URL.Path,
			logger.FieldError, errors.Details(err),
		)
		writeError(w, status, "internal error")
		return
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Hints: errors.GetAllHints(err)})
}
