package api

import (
	"context"
	"net/http"

	"github.com/cuemby/tsimd/pkg/apierr"
	"github.com/cuemby/tsimd/pkg/session"
)

type contextKey string

const sessionContextKey contextKey = "session"

// requireSession rejects requests with no valid session cookie, otherwise
// threads the session.Record into the request context.
func (s *Server) requireSession(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, err := s.sessionFromRequest(r)
		if err != nil {
			writeError(w, err)
			return
		}
		ctx := context.WithValue(r.Context(), sessionContextKey, rec)
		next(w, r.WithContext(ctx))
	}
}

// requireAdmin is requireSession plus a role check.
func (s *Server) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return s.requireSession(func(w http.ResponseWriter, r *http.Request) {
		rec := sessionFromContext(r.Context())
		if rec.Role != session.RoleAdmin {
			writeError(w, apierr.New(apierr.Forbidden, "admin role required"))
			return
		}
		next(w, r)
	})
}

func (s *Server) sessionFromRequest(r *http.Request) (*session.Record, error) {
	cookie, err := r.Cookie(cookieName)
	if err != nil {
		return nil, apierr.New(apierr.AuthRequired, "no session cookie")
	}
	return s.app.Sessions.Get(cookie.Value)
}

func sessionFromContext(ctx context.Context) *session.Record {
	rec, _ := ctx.Value(sessionContextKey).(*session.Record)
	return rec
}

func (s *Server) setSessionCookie(w http.ResponseWriter, r *http.Request, sid string) {
	http.SetCookie(w, &http.Cookie{
		Name:     cookieName,
		Value:    sid,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
		Secure:   r.TLS != nil,
		MaxAge:   int(s.app.Config.SessionTimeout().Seconds()),
	})
}

func clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     cookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		MaxAge:   -1,
	})
}
