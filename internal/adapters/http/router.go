package http

import (
	"context"
	"crypto/subtle"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicerelay/internal/adapters/signal"
	"github.com/dkeye/voicerelay/internal/app/orch"
	"github.com/dkeye/voicerelay/internal/config"
	operator "github.com/dkeye/voicerelay/internal/transport/http"
)

const (
	sessionName   = "VoiceRelayOperator"
	operatorKey   = "operator"
	SecretHeader  = "X-Operator-Secret"
	sessionMaxAge = 3600 * 12
)

type loginRequest struct {
	Secret string `json:"secret"`
}

func secretMatches(secret, given string) bool {
	return subtle.ConstantTimeCompare([]byte(secret), []byte(given)) == 1
}

// OperatorAuth admits requests carrying the operator secret header or an
// operator session. An empty secret leaves the API open.
func OperatorAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" || secretMatches(secret, c.GetHeader(SecretHeader)) {
			c.Next()
			return
		}
		if ok, _ := sessions.Default(c).Get(operatorKey).(bool); ok {
			c.Next()
			return
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
	}
}

func login(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req loginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad_payload"})
			return
		}
		if secret != "" && !secretMatches(secret, req.Secret) {
			log.Warn().Str("module", "adapters.http").Str("remote", c.ClientIP()).Msg("operator login rejected")
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		s := sessions.Default(c)
		s.Set(operatorKey, true)
		if err := s.Save(); err != nil {
			log.Error().Err(err).Str("module", "adapters.http").Msg("session save")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"operator": true})
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, o *orch.Orchestrator, ctrl *signal.Controller) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	key := []byte(cfg.Secret)
	if len(key) == 0 {
		key = []byte(uuid.NewString())
	}
	store := cookie.NewStore(key)
	store.Options(sessions.Options{Path: "/", MaxAge: sessionMaxAge, HttpOnly: true})
	r.Use(sessions.Sessions(sessionName, store))

	r.GET("/metrics", gin.WrapH(o.Metrics.Handler()))

	api := r.Group("/api")
	api.POST("/login", login(cfg.Secret))
	api.GET("/ws/signal", func(c *gin.Context) {
		log.Info().Str("module", "adapters.http").Str("remote", c.ClientIP()).Msg("ws signal endpoint hit")
		ctrl.HandleWS(ctx, c)
	})

	h := &operator.Operator{Orch: o}
	admin := api.Group("", OperatorAuth(cfg.Secret))
	admin.GET("/status", h.Status)
	admin.GET("/clients", h.Clients)
	admin.GET("/calls", h.Calls)
	admin.POST("/broadcast", h.Broadcast)
	admin.DELETE("/clients/:id", h.Kick)

	log.Info().Str("module", "adapters.http").Bool("secured", cfg.Secret != "").Msg("router setup")
	return r
}
