package forum

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

func (h *Handlers) setSessionCookie(w http.ResponseWriter, token string, expires time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    token,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		Secure:   h.cfg.Production(),
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *Handlers) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
		HttpOnly: true,
		Secure:   h.cfg.Production(),
		SameSite: http.SameSiteLaxMode,
	})
}

// issueSession signs a token for u and sets the cookie.
func (h *Handlers) issueSession(w http.ResponseWriter, u *User) error {
	token, expires, err := h.codec.Sign(u.Identity())
	if err != nil {
		return err
	}
	h.setSessionCookie(w, token, expires)
	return nil
}

// sessionClaims verifies the session cookie. Invalid cookies are cleared and
// the request continues anonymous.
func (h *Handlers) sessionClaims(w http.ResponseWriter, r *http.Request) *SessionClaims {
	cookie, err := r.Cookie(SessionCookieName)
	if err != nil || cookie.Value == "" {
		return nil
	}
	claims, err := h.codec.Verify(cookie.Value)
	if err != nil {
		hlog.FromRequest(r).Info().Err(err).Msg("session rejected")
		h.clearSessionCookie(w)
		return nil
	}
	return claims
}

// refreshSession re-issues a token close to expiry, but only for an account
// that is still live. A deleted account loses its cookie instead.
func (h *Handlers) refreshSession(ctx context.Context, w http.ResponseWriter, r *http.Request, claims *SessionClaims) {
	u, err := h.db.GetActiveUser(ctx, claims.UserID)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("session refresh failed")
		return
	}
	if u == nil {
		h.clearSessionCookie(w)
		return
	}
	if err := h.issueSession(w, u); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("session refresh failed")
	}
}

// withSession resolves the identity, pins one pooled connection to the
// request and applies the identity to it before any handler query runs.
func (h *Handlers) withSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var id Identity
		claims := h.sessionClaims(w, r)
		if claims != nil {
			id = claims.Identity()
		}
		ctx := r.Context()

		conn, err := h.conns.AcquireConn(ctx)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		defer conn.Release()

		if err := h.rls.Apply(ctx, conn.Key(), conn, id); err != nil {
			h.fail(w, r, err)
			return
		}

		if id.Authenticated() {
			hlog.FromRequest(r).UpdateContext(func(c zerolog.Context) zerolog.Context {
				return c.Str("user_id", id.UserID)
			})
		}
		ctx = WithConn(WithIdentity(ctx, id), conn)
		if claims != nil && h.codec.NeedsRefresh(claims) {
			h.refreshSession(ctx, w, r, claims)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func withTimeout(d time.Duration, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), d)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func withAccessLog(log zerolog.Logger, next http.Handler) http.Handler {
	h := hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Stringer("url", r.URL).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("request")
	})(next)
	h = hlog.RemoteAddrHandler("ip")(h)
	h = hlog.RequestIDHandler("req_id", "Request-Id")(h)
	return hlog.NewHandler(log)(h)
}

// clientIP prefers the first X-Forwarded-For hop.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.SplitN(fwd, ",", 2)[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (h *Handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	kind := KindOf(err)
	if errors.Is(err, context.DeadlineExceeded) {
		kind = KindTransient
	}
	logger := hlog.FromRequest(r)
	switch kind {
	case KindInternal, KindTransient:
		logger.Error().Err(err).Str("kind", kind.String()).Msg("request failed")
	default:
		logger.Debug().Err(err).Str("kind", kind.String()).Msg("request rejected")
	}
	msg := PublicMessage(err)
	if kind == KindTransient && KindOf(err) != KindTransient {
		msg = "request timed out"
	}
	writeJSON(w, kind.Status(), map[string]string{"error": msg})
}
