package server

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	contextAPIKeyIDKey     = "api_key_id"
	contextAPIKeyScopesKey = "api_key_scopes"
)

// APIKeyRequired authenticates requests with a bearer API key and enforces
// the given scope. Authentication is skipped entirely when AuthDisabled is
// set (local development).
func (s *Server) APIKeyRequired(scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.AuthDisabled {
			c.Next()
			return
		}

		header := strings.TrimSpace(c.GetHeader("Authorization"))
		if header == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		parts := strings.Fields(header)
		if len(parts) != 2 || parts[0] != "Bearer" || strings.TrimSpace(parts[1]) == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		key, err := s.apiKeySvc.Authenticate(c.Request.Context(), parts[1])
		if err != nil {
			AbortWithError(c, err)
			return
		}
		if !key.HasScope(scope) {
			AbortWithError(c, ErrForbidden)
			return
		}

		ctx := c.Request.Context()
		ctx = context.WithValue(ctx, contextAPIKeyIDKey, key.KeyID)
		ctx = context.WithValue(ctx, contextAPIKeyScopesKey, strings.Fields(key.Scopes))
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// allowDraw applies the per-user token bucket to reserve and deduct calls.
// Returns true when the request may proceed. Limiter errors fail open so a
// Redis outage never blocks ledger traffic.
func (s *Server) allowDraw(c *gin.Context, userID string) bool {
	if s.drawLimiter == nil || !s.drawLimiter.Enabled() {
		return true
	}

	endpoint := c.FullPath()
	allowed, err := s.drawLimiter.AllowUser(c.Request.Context(), userID)
	if err != nil {
		return true
	}
	if !allowed {
		if s.obsMetrics != nil {
			s.obsMetrics.RecordRateLimitDenied(c.Request.Context(), endpoint, "user_rate")
		}
		return false
	}
	if s.obsMetrics != nil {
		s.obsMetrics.RecordRateLimitAllowed(c.Request.Context(), endpoint)
	}
	return true
}
