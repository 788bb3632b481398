package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/skybridge-home/alexahub/internal/config"
	"github.com/skybridge-home/alexahub/internal/devices"
	"github.com/skybridge-home/alexahub/internal/events"
	"github.com/skybridge-home/alexahub/internal/logging"
	"github.com/skybridge-home/alexahub/internal/lwa"
	"github.com/skybridge-home/alexahub/internal/registry"
	"github.com/skybridge-home/alexahub/internal/session"
	"github.com/skybridge-home/alexahub/internal/store"
)

// Linker completes authorization flows. The service layer implements it so
// entry creation, token persistence and coordinator startup stay in one
// place.
type Linker interface {
	// CompleteLink creates the entry for a finished first-time flow.
	CompleteLink(ctx context.Context, clientID, clientSecret, region, scope string, tok *lwa.TokenResponse) (entryID string, err error)
	// CompleteRelink replaces the tokens of an existing entry and clears
	// its reauth state.
	CompleteRelink(ctx context.Context, entryID string, tok *lwa.TokenResponse) error
	// DetachEntry revokes, removes and stops everything for the entry.
	DetachEntry(ctx context.Context, entryID string) error
}

// DeviceBackend is the slice of the service the device routes use.
type DeviceBackend interface {
	Devices(entryID string) ([]*devices.Device, error)
	DeviceState(ctx context.Context, entryID, deviceID string) (map[string]any, error)
	SetPower(ctx context.Context, entryID, deviceID string, on bool) error
	SetBrightness(ctx context.Context, entryID, deviceID string, brightness int) error
	SetColor(ctx context.Context, entryID, deviceID string, hue, saturation, brightness float64) error
	SetColorTemperature(ctx context.Context, entryID, deviceID string, mireds int) error
	SetTargetTemperature(ctx context.Context, entryID, deviceID string, celsius float64) error
	ForceDiscovery(entryID string) error
	SceneNames() []string
	ApplyScene(ctx context.Context, entryID, name string) error
}

// Server is the gin management API.
type Server struct {
	cfg      *config.Config
	registry *registry.Registry
	manager  *session.Manager
	flows    *FlowStore
	bus      *events.Bus
	linker   Linker
	devices  DeviceBackend
	history  store.HistoryStore
	lwaHTTP  *http.Client
	version  string

	engine *gin.Engine
	srv    *http.Server
}

// ServerOption customizes a Server.
type ServerOption func(*Server)

// WithHistory wires the audit trail backend.
func WithHistory(h store.HistoryStore) ServerOption {
	return func(s *Server) { s.history = h }
}

// WithDeviceBackend wires the device routes.
func WithDeviceBackend(d DeviceBackend) ServerOption {
	return func(s *Server) { s.devices = d }
}

// WithLWAHTTPClient sets the HTTP client used for token exchanges,
// typically carrying the configured proxy.
func WithLWAHTTPClient(c *http.Client) ServerOption {
	return func(s *Server) {
		if c != nil {
			s.lwaHTTP = c
		}
	}
}

// WithVersion sets the version string healthz reports.
func WithVersion(v string) ServerOption {
	return func(s *Server) { s.version = v }
}

// NewServer wires the management API.
func NewServer(cfg *config.Config, reg *registry.Registry, manager *session.Manager,
	bus *events.Bus, linker Linker, opts ...ServerOption) *Server {
	s := &Server{
		cfg:      cfg,
		registry: reg,
		manager:  manager,
		flows:    NewFlowStore(),
		bus:      bus,
		linker:   linker,
		lwaHTTP:  &http.Client{Timeout: lwa.HTTPTimeout},
		version:  "dev",
	}
	for _, opt := range opts {
		opt(s)
	}
	s.engine = s.buildEngine()
	return s
}

func (s *Server) buildEngine() *gin.Engine {
	if !s.cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(RequestIDMiddleware())
	if s.cfg.RequestLog {
		engine.Use(logging.GinLogrusLogger())
	}
	engine.Use(logging.GinLogrusRecovery())
	engine.Use(MetricsMiddleware())

	// Unauthenticated surface.
	engine.GET("/healthz", s.handleHealthz)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	engine.GET("/oauth/callback", s.handleOAuthCallback)

	v0 := engine.Group("/v0", AuthMiddleware(s.cfg.APIKeys))
	v0.POST("/link/start", s.handleLinkStart)
	v0.GET("/entries", s.handleListEntries)
	v0.GET("/entries/:id", s.handleGetEntry)
	v0.DELETE("/entries/:id", s.handleDeleteEntry)
	v0.POST("/entries/:id/refresh", s.handleRefreshEntry)
	v0.POST("/entries/:id/reauth", s.handleReauthEntry)
	v0.GET("/entries/:id/token", s.handleTokenSummary)
	v0.GET("/entries/:id/history", s.handleHistory)
	v0.GET("/devices", s.handleListDevices)
	v0.GET("/devices/:id/state", s.handleDeviceState)
	v0.PUT("/devices/:id/power", s.handleSetPower)
	v0.PUT("/devices/:id/brightness", s.handleSetBrightness)
	v0.PUT("/devices/:id/color", s.handleSetColor)
	v0.PUT("/devices/:id/color-temperature", s.handleSetColorTemperature)
	v0.PUT("/devices/:id/target-temperature", s.handleSetTargetTemperature)
	v0.POST("/devices/discover", s.handleForceDiscovery)
	v0.GET("/scenes", s.handleListScenes)
	v0.POST("/scenes/:name/apply", s.handleApplyScene)
	v0.GET("/logs/recent", s.handleRecentLogs)
	v0.GET("/events/ws", s.handleEventsWS)
	return engine
}

// Handler exposes the routed engine, mostly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until the context is canceled, then drains for up to five
// seconds.
func (s *Server) Run(ctx context.Context) error {
	s.srv = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.cfg.Port),
		Handler: s.engine,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Infof("management api listening on %s", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(shutdownCtx)
}
