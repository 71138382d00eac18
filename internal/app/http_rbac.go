package app

import (
	"context"
	"net/http"

	"github.com/sirupsen/logrus"

	"reportkit/api/internal/rbac"
)

type actorKey struct{}

func withActor(ctx context.Context, actor rbac.Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// actorFrom returns the caller stored by requireActor. Routes outside the
// authenticated group get the zero actor, which the role matrix denies.
func actorFrom(r *http.Request) rbac.Actor {
	actor, _ := r.Context().Value(actorKey{}).(rbac.Actor)
	return actor
}

// requireActor rejects requests without a valid bearer token.
func (s *HTTPServer) requireActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, CodeUnauthorized, "Missing bearer token", nil)
			return
		}
		actor, err := s.service.ActorFromToken(r.Context(), token)
		if err != nil {
			s.logger.WithFields(logrus.Fields{
				"request_id": requestID(r),
				"path":       r.URL.Path,
			}).WithError(err).Info("rejected bearer token")
			s.fail(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(withActor(r.Context(), actor)))
	})
}

func (s *HTTPServer) revokeToken(w http.ResponseWriter, r *http.Request) {
	err := s.service.RevokeToken(r.Context(), bearerToken(r))
	s.respond(w, r, http.StatusOK, map[string]any{"revoked": true}, err)
}
