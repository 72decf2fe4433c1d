package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
)

// CORSConfig holds CORS configuration. "*" in AllowOrigins allows any origin.
type CORSConfig struct {
	AllowOrigins  []string
	AllowMethods  []string
	AllowHeaders  []string
	ExposeHeaders []string
	MaxAge        time.Duration
}

// CORS answers preflight requests and decorates responses for allowed origins.
// Requests from other origins pass through without CORS headers.
func CORS(cfg CORSConfig) echo.MiddlewareFunc {
	methods := strings.Join(cfg.AllowMethods, ", ")
	headers := strings.Join(cfg.AllowHeaders, ", ")
	expose := strings.Join(cfg.ExposeHeaders, ", ")
	maxAge := ""
	if cfg.MaxAge > 0 {
		maxAge = strconv.Itoa(int(cfg.MaxAge.Seconds()))
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			h := c.Response().Header()
			h.Add(echo.HeaderVary, echo.HeaderOrigin)

			origin := req.Header.Get(echo.HeaderOrigin)
			if origin == "" || !originAllowed(cfg.AllowOrigins, origin) {
				return next(c)
			}
			h.Set(echo.HeaderAccessControlAllowOrigin, origin)
			if expose != "" {
				h.Set(echo.HeaderAccessControlExposeHeaders, expose)
			}

			if req.Method != http.MethodOptions {
				return next(c)
			}
			if methods != "" {
				h.Set(echo.HeaderAccessControlAllowMethods, methods)
			}
			if headers != "" {
				h.Set(echo.HeaderAccessControlAllowHeaders, headers)
			}
			if maxAge != "" {
				h.Set(echo.HeaderAccessControlMaxAge, maxAge)
			}
			return c.NoContent(http.StatusNoContent)
		}
	}
}

func originAllowed(allowed []string, origin string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, o := range allowed {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}
