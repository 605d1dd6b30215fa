package api

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/warp/billing-engine/billing"
	"github.com/warp/billing-engine/gateway"
)

// statusFor maps engine error categories onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case billing.IsValidation(err):
		return http.StatusBadRequest
	case billing.IsNotFound(err):
		return http.StatusNotFound
	case billing.IsConflict(err):
		return http.StatusConflict
	case errors.Is(err, gateway.ErrGatewayUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeEngineError writes err with the status of its category. Server
// errors are logged and their message withheld.
func (h *Handler) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	resp := ErrorResponse{Error: err.Error()}

	var verr *billing.ValidationError
	if errors.As(err, &verr) {
		resp.Error = "validation failed"
		resp.Fields = verr.Fields
	}
	if status >= http.StatusInternalServerError {
		h.log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		if status == http.StatusInternalServerError {
			resp.Error = "internal error"
		}
	}
	writeJSON(w, status, resp)
}

// fieldError is a single-field validation failure raised by the HTTP layer.
func fieldError(field, msg string) error {
	return &billing.ValidationError{Fields: map[string]string{field: msg}}
}
