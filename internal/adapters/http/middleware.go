package http

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/dkeye/Comms/internal/auth"
	"github.com/dkeye/Comms/internal/domain"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	ctxIdentity = "identity"
	ctxDevice   = "device_id"
	sessionName = "CommsSessions"
)

func bearerToken(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}
	// browsers cannot set headers on a websocket upgrade
	return c.Query("token")
}

// AuthMiddleware resolves the caller's identity from a backend-issued token.
func AuthMiddleware(v *auth.Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := bearerToken(c)
		if raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
			return
		}
		who, err := v.Identity(raw)
		if err != nil {
			log.Debug().Err(err).Str("module", "adapters.http").Msg("auth rejected")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set(ctxIdentity, who)
		c.Next()
	}
}

// DeviceMiddleware keeps a per-browser device id in the cookie session so
// the connections of one identity can be told apart in logs and whoami.
func DeviceMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		s := sessions.Default(c)
		device, _ := s.Get(ctxDevice).(string)
		if device == "" {
			device = uuid.NewString()
			s.Set(ctxDevice, device)
			if err := s.Save(); err != nil {
				log.Warn().Err(err).Str("module", "adapters.http").Msg("save device session")
			}
		}
		c.Set(ctxDevice, device)
		c.Next()
	}
}

// ServiceTokenMiddleware guards the backend-only hooks.
func ServiceTokenMiddleware(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got := bearerToken(c)
		if token == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Next()
	}
}

func identityOf(c *gin.Context) domain.Identity {
	who, _ := c.Get(ctxIdentity)
	id, _ := who.(domain.Identity)
	return id
}
