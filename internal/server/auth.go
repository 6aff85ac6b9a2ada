package server

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/browserd/browserd/internal/model"
)

type ctxKey int

const apiKeyCtxKey ctxKey = 0

// keyFrom returns the authenticated key. Only called behind the auth
// middleware, where it is always present.
func keyFrom(r *http.Request) *model.APIKey {
	return r.Context().Value(apiKeyCtxKey).(*model.APIKey)
}

// auth resolves the X-API-Key header against the key store and enforces
// the required scope. The admin scope passes every check.
func (s *Server) auth(scope string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get("X-API-Key")
		if raw == "" {
			s.writeError(w, model.ErrUnauthorized)
			return
		}
		key, err := s.store.GetAPIKey(raw)
		if err != nil {
			s.writeError(w, err)
			return
		}
		if !key.HasScope(scope) {
			s.writeError(w, model.ErrForbidden)
			return
		}
		if err := s.store.TouchAPIKey(key.ID); err != nil {
			s.log.Warn("touching api key", zap.Int64("key_id", key.ID), zap.Error(err))
		}
		next(w, r.WithContext(context.WithValue(r.Context(), apiKeyCtxKey, key)))
	}
}
