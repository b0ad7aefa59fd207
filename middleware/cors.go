package middleware

import (
	"net/url"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// AllowOrigin builds the origin check shared by CORS and the push upgrade.
// An empty list admits only localhost and 127.0.0.1 on any port.
func AllowOrigin(allowed []string) func(origin string) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[o] = struct{}{}
	}
	return func(origin string) bool {
		if origin == "" {
			return true
		}
		if len(set) > 0 {
			_, ok := set[origin]
			return ok
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		h := u.Hostname()
		return h == "localhost" || h == "127.0.0.1"
	}
}

func CORS(allowed []string) gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOriginFunc:  AllowOrigin(allowed),
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}
