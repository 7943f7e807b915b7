package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/hearth/backend/internal/apperr"
	"github.com/hearth/backend/internal/logging"
)

type errorResponse struct {
	Error  string `json:"error"`
	Code   string `json:"code"`
	Detail string `json:"detail,omitempty"`
}

func respondJSON(ctx context.Context, w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logging.FromContext(ctx).Error("encode response body", "status", status, "error", err)
		return
	}

	logger := logging.FromContext(ctx)
	switch {
	case status >= http.StatusInternalServerError:
		logger.Error("request failed", "status", status, "response", payload)
	case status >= http.StatusBadRequest:
		logger.Warn("request returned client error", "status", status, "response", payload)
	}
}

// writeError maps err onto its status and error code. Server-side failures
// never expose their message unless debug is set.
func writeError(ctx context.Context, w http.ResponseWriter, err error, debug bool) {
	kind := apperr.KindOf(err)
	status := apperr.HTTPStatus(kind)

	msg := apperr.Message(err)
	if status >= http.StatusInternalServerError || msg == "" {
		msg = http.StatusText(status)
	}

	resp := errorResponse{Error: msg, Code: kind.String()}
	if debug {
		resp.Detail = err.Error()
	}
	if status >= http.StatusInternalServerError {
		logging.FromContext(ctx).Error("request error", "error", err, "kind", kind.String())
	}
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="hearth"`)
	}
	respondJSON(ctx, w, status, resp)
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		return apperr.WrapMsg(apperr.KindValidation, "decode body", "invalid request body", err)
	}
	return nil
}
