package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Origins はブラウザからのアクセスを許可するオリジンの集合。
// "*" を含む場合は全オリジンを許可する。
type Origins map[string]struct{}

// NewOrigins はオリジンのリストから集合を生成する。
func NewOrigins(allowed []string) Origins {
	o := make(Origins, len(allowed))
	for _, origin := range allowed {
		if origin != "" {
			o[origin] = struct{}{}
		}
	}
	return o
}

// Allowed はオリジンが許可されているかを返す。
func (o Origins) Allowed(origin string) bool {
	if origin == "" {
		return false
	}
	if _, ok := o["*"]; ok {
		return true
	}
	_, ok := o[origin]
	return ok
}

// CORS は指定されたオリジンからのクロスオリジンリクエストを許可するGinミドルウェアを返す。
func CORS(allowedOrigins []string) gin.HandlerFunc {
	origins := NewOrigins(allowedOrigins)

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origins.Allowed(origin) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type")
			c.Header("Access-Control-Max-Age", "86400")
			c.Header("Vary", "Origin")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
