// Package api provides the HTTP surface: health, router capabilities, room
// and camera inspection, and the signaling websocket endpoints.
package api

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mikeyg42/camrelay/internal/config"
	"github.com/mikeyg42/camrelay/internal/ingest"
	"github.com/mikeyg42/camrelay/internal/mediaengine"
	"github.com/mikeyg42/camrelay/internal/session"
)

// Sessions is the registry view the API reads.
type Sessions interface {
	RouterCapabilities() mediaengine.RtpCapabilities
	Room(roomID string) (session.RoomInfo, bool)
	Stats() session.Stats
}

// Cameras reports ingest status.
type Cameras interface {
	Statuses() []ingest.Status
}

// Signaling serves the websocket protocols.
type Signaling interface {
	ServeWS(w http.ResponseWriter, r *http.Request)
	ServeRPC(w http.ResponseWriter, r *http.Request)
}

// Deps are the components behind the routes. Cameras may be nil.
type Deps struct {
	Sessions  Sessions
	Cameras   Cameras
	Signaling Signaling
	Logger    *zap.Logger
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	RoomCount int       `json:"roomCount"`
	PeerCount int       `json:"peerCount"`
}

// Server is an HTTP API server
type Server struct {
	httpServer *http.Server
	deps       Deps
	limiter    *RateLimiter
	stop       chan struct{}
	stopOnce   sync.Once
	logger     *zap.Logger
}

// NewServer builds the router for cfg.
func NewServer(cfg config.HTTPConfig, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	s := &Server{
		deps:   deps,
		stop:   make(chan struct{}),
		logger: deps.Logger.Named("api"),
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), s.requestLogger(), corsMiddleware(cfg.AllowedOrigins))
	if cfg.RateLimitRPS > 0 {
		s.limiter = NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		router.Use(s.limiter.Middleware())
	}

	router.GET("/health", s.onHealth)
	router.GET("/router-capabilities", s.onRouterCapabilities)
	router.GET("/rooms/:roomId", s.onRoom)
	router.GET("/cameras", s.onCameras)
	if deps.Signaling != nil {
		router.GET("/ws", gin.WrapF(deps.Signaling.ServeWS))
		router.GET("/rpc", gin.WrapF(deps.Signaling.ServeRPC))
	}
	router.NoRoute(func(ctx *gin.Context) {
		ctx.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

func (s *Server) onHealth(ctx *gin.Context) {
	st := s.deps.Sessions.Stats()
	ctx.JSON(http.StatusOK, HealthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
		RoomCount: st.Rooms,
		PeerCount: st.Peers,
	})
}

func (s *Server) onRouterCapabilities(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, s.deps.Sessions.RouterCapabilities())
}

func (s *Server) onRoom(ctx *gin.Context) {
	info, ok := s.deps.Sessions.Room(ctx.Param("roomId"))
	if !ok {
		ctx.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
		return
	}
	ctx.JSON(http.StatusOK, info)
}

func (s *Server) onCameras(ctx *gin.Context) {
	statuses := []ingest.Status{}
	if s.deps.Cameras != nil {
		statuses = append(statuses, s.deps.Cameras.Statuses()...)
	}
	ctx.JSON(http.StatusOK, statuses)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		start := time.Now()
		ctx.Next()
		s.logger.Debug("request",
			zap.String("method", ctx.Request.Method),
			zap.String("path", ctx.Request.URL.Path),
			zap.Int("status", ctx.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("remote", ctx.ClientIP()))
	}
}

// corsMiddleware allows the listed origins; "*" allows any.
func corsMiddleware(origins []string) gin.HandlerFunc {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}

	return func(ctx *gin.Context) {
		origin := ctx.GetHeader("Origin")
		if origin != "" && (allowed[origin] || allowed["*"]) {
			h := ctx.Writer.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			h.Add("Vary", "Origin")
		}

		if ctx.Request.Method == http.MethodOptions {
			ctx.AbortWithStatus(http.StatusNoContent)
			return
		}
		ctx.Next()
	}
}

// OriginChecker returns a websocket origin check backed by the same allow
// list. Requests without an Origin header are accepted.
func OriginChecker(origins []string) func(r *http.Request) bool {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || allowed["*"] || allowed[origin]
	}
}

// Start serves until Shutdown.
func (s *Server) Start() error {
	if s.limiter != nil {
		go s.limiter.Sweep(s.stop)
	}
	s.logger.Info("listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down")
	s.stopOnce.Do(func() { close(s.stop) })
	return s.httpServer.Shutdown(ctx)
}
