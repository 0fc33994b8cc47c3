package apiServer

import (
	"encoding/json"
	"errors"
	"net/http"

	ouroboros "github.com/i5heu/ouroboros-sync"
	"github.com/i5heu/ouroboros-sync/pkg/encoding"
	"github.com/i5heu/ouroboros-sync/pkg/model"
)

type AuthFunc func(req *http.Request, manager *ouroboros.Manager) error

type Option func(*Server)

type welcomeResponse struct {
	Ouroboros string `json:"ouroboros"`
	Version   string `json:"version"`
}

type okResponse struct {
	OK bool `json:"ok"`
}

type editResponse struct {
	OK  bool   `json:"ok"`
	ID  string `json:"id"`
	Rev string `json:"rev"`
}

type compactResponse struct {
	OK           bool `json:"ok"`
	Stripped     int  `json:"stripped"`
	BlobsRemoved int  `json:"blobs_removed"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", encoding.ContentTypeJSON)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, reason string) {
	writeJSON(w, status, encoding.ErrorBody{Error: code, Reason: reason})
}

// statusOf maps the error taxonomy onto HTTP.
func statusOf(err error) (int, string) {
	switch {
	case errors.Is(err, model.ErrValidation):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, model.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, model.ErrAuthentication):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, ouroboros.ErrClosed):
		return http.StatusServiceUnavailable, "unavailable"
	}
	return http.StatusInternalServerError, "internal_error"
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusOf(err)
	if status >= 500 {
		s.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	} else {
		s.log.Debug("request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	writeError(w, status, code, err.Error())
}
