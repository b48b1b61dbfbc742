package controlplane

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/secure"
	"github.com/gin-gonic/gin"
	slogGin "github.com/samber/slog-gin"
)

var corsConfig = cors.Config{
	AllowAllOrigins: true,
	AllowMethods:    []string{"GET", "POST", "PUT"},
	AllowHeaders:    []string{"Origin", "Content-Length", "Content-Type", "Authorization"},
	MaxAge:          12 * time.Hour,
}

// TokenAuth accepts the token as a bearer header or a `token` query param
func TokenAuth(token string) gin.HandlerFunc {
	expected := []byte(token)

	return func(c *gin.Context) {
		got := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if got == "" {
			got = c.Query("token")
		}

		if subtle.ConstantTimeCompare([]byte(got), expected) != 1 {
			slog.Debug("invalid control plane token", "ip", c.ClientIP(), "path", c.FullPath())
			c.AbortWithStatusJSON(http.StatusUnauthorized, &ErrorResponse{
				Code:  ErrCodeUnauthorized,
				Error: "unauthorized",
			})
			return
		}
		c.Next()
	}
}

func Logger() gin.HandlerFunc {
	return slogGin.NewWithConfig(slog.Default().WithGroup("http"), slogGin.Config{
		DefaultLevel:     slog.LevelDebug,
		ClientErrorLevel: slog.LevelWarn,
		ServerErrorLevel: slog.LevelError,
		WithRequestID:    true,
	})
}

// SecureHeaders sets the browser hardening headers. The API is plain HTTP on
// a local address so there is no TLS redirect.
func SecureHeaders() gin.HandlerFunc {
	return secure.New(secure.Config{
		FrameDeny:          true,
		ContentTypeNosniff: true,
		BrowserXssFilter:   true,
		IENoOpen:           true,
	})
}
