package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/thw/backend/internal/config"
)

const (
	corsAllowHeaders = "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With"
	corsAllowMethods = "GET, POST, PUT, DELETE, OPTIONS"
	corsMaxAge       = "86400"
)

// originPolicy is the set of origins a browser may call the API from.
type originPolicy struct {
	any     bool
	origins map[string]bool
	devMode bool
}

func newOriginPolicy(cfg *config.Config) originPolicy {
	p := originPolicy{origins: make(map[string]bool), devMode: cfg.Env == "development"}
	for _, o := range cfg.AllowedOrigins {
		o = normalizeOrigin(o)
		if o == "*" {
			p.any = true
			continue
		}
		if o != "" {
			p.origins[o] = true
		}
	}
	return p
}

func (p originPolicy) allows(origin string) bool {
	if origin == "" {
		return false
	}
	return p.any || p.devMode || p.origins[origin]
}

func normalizeOrigin(o string) string {
	return strings.TrimRight(strings.TrimSpace(o), "/")
}

// CORS answers preflights and echoes allowed origins. "*" admits every
// origin; development mode admits every origin as well.
func CORS(cfg *config.Config) gin.HandlerFunc {
	policy := newOriginPolicy(cfg)
	return func(c *gin.Context) {
		origin := normalizeOrigin(c.GetHeader("Origin"))

		h := c.Writer.Header()
		h.Add("Vary", "Origin")
		h.Set("Access-Control-Allow-Credentials", "true")
		h.Set("Access-Control-Allow-Headers", corsAllowHeaders)
		h.Set("Access-Control-Allow-Methods", corsAllowMethods)
		h.Set("Access-Control-Max-Age", corsMaxAge)
		if policy.allows(origin) {
			h.Set("Access-Control-Allow-Origin", origin)
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
