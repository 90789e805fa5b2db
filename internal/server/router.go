package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/handlers"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"ecs-sync-core/internal/room"
	"ecs-sync-core/internal/wsconn"
)

// RouterOptions wires the dependencies a fresh gin.Engine needs.
type RouterOptions struct {
	Registry   *room.Registry
	Permission wsconn.PermissionResolver
	Log        *logrus.Entry
}

// NewRouter builds the gin engine: health check, metrics, and the
// WebSocket upgrade endpoint, wrapped in gorilla/handlers CORS and
// logging middleware the way MaxIOFS wraps its own HTTP surface.
func NewRouter(opts RouterOptions) *gin.Engine {
	log := opts.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(ginLogrusMiddleware(log))
	router.Use(corsMiddleware())

	ws := &wsconn.Handler{
		Lookup:     opts.Registry.GetOrCreate,
		Permission: opts.Permission,
		Log:        log,
	}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/ws", gin.WrapF(ws.ServeHTTP))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return router
}

func ginLogrusMiddleware(log *logrus.Entry) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		log.WithFields(logrus.Fields{
			"status": c.Writer.Status(),
			"method": c.Request.Method,
			"path":   c.Request.URL.Path,
		}).Info("request handled")
	}
}

// corsMiddleware adapts gorilla/handlers' CORS handler into a single
// gin middleware by wrapping it around a no-op next handler and
// re-entering the gin chain afterward.
func corsMiddleware() gin.HandlerFunc {
	cors := handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{"GET", "POST", "OPTIONS"}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization"}),
	)

	return func(c *gin.Context) {
		wrapped := cors(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			c.Next()
		}))
		wrapped.ServeHTTP(c.Writer, c.Request)
	}
}
