// Package service wires the registry, session manager, reauth decider,
// device coordinators and management API into one runnable unit.
package service

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/skybridge-home/alexahub/internal/api"
	"github.com/skybridge-home/alexahub/internal/config"
	"github.com/skybridge-home/alexahub/internal/devices"
	"github.com/skybridge-home/alexahub/internal/events"
	"github.com/skybridge-home/alexahub/internal/logging"
	"github.com/skybridge-home/alexahub/internal/lwa"
	"github.com/skybridge-home/alexahub/internal/reauth"
	"github.com/skybridge-home/alexahub/internal/registry"
	"github.com/skybridge-home/alexahub/internal/session"
	"github.com/skybridge-home/alexahub/internal/store"
	"github.com/skybridge-home/alexahub/internal/util"
)

// deviceUnit is the per-entry device stack.
type deviceUnit struct {
	client      *devices.Client
	coordinator *devices.Coordinator
}

// Service owns the runtime for one AlexaHub instance.
type Service struct {
	cfg     *config.Config
	cfgPath string

	store    store.TokenStore
	registry *registry.Registry
	bus      *events.Bus
	manager  *session.Manager
	decider  *reauth.Decider
	scenes   *devices.Scenes
	server   *api.Server

	httpClient *http.Client

	mu    sync.RWMutex
	units map[string]*deviceUnit

	runCtx context.Context
}

// New wires a service from the loaded configuration and the selected store
// backend.
func New(cfg *config.Config, cfgPath string, tokenStore store.TokenStore, version string) (*Service, error) {
	persister, ok := tokenStore.(store.EntriesPersister)
	if !ok {
		return nil, fmt.Errorf("service: store backend cannot persist the entries registry")
	}
	bus := events.NewBus()
	reg := registry.New(persister, bus)
	httpClient := util.SetProxy(cfg.ProxyURL, &http.Client{Timeout: lwa.HTTPTimeout})

	manager := session.NewManager(tokenStore, session.NewLWAAuthority(httpClient),
		session.WithRegistry(reg),
		session.WithBus(bus),
		session.WithRefreshBuffer(cfg.RefreshBuffer()),
		session.WithSweepInterval(cfg.RefreshInterval()),
		session.WithMaxAttempts(cfg.RefreshMaxAttempts()),
	)
	decider := reauth.NewDecider(manager, reg, bus)
	manager.SetReauthDispatcher(decider)

	scenes, err := devices.LoadScenes(cfg.ScenesFile, bus)
	if err != nil {
		return nil, err
	}

	s := &Service{
		cfg:        cfg,
		cfgPath:    cfgPath,
		store:      tokenStore,
		registry:   reg,
		bus:        bus,
		manager:    manager,
		decider:    decider,
		scenes:     scenes,
		httpClient: httpClient,
		units:      make(map[string]*deviceUnit),
	}

	serverOpts := []api.ServerOption{
		api.WithDeviceBackend(s),
		api.WithLWAHTTPClient(httpClient),
		api.WithVersion(version),
	}
	if history, ok := tokenStore.(store.HistoryStore); ok {
		serverOpts = append(serverOpts, api.WithHistory(history))
	}
	s.server = api.NewServer(cfg, reg, manager, bus, s, serverOpts...)
	return s, nil
}

// Registry exposes the entries registry (used by the CLI flows).
func (s *Service) Registry() *registry.Registry { return s.registry }

// Manager exposes the session manager (used by the CLI flows).
func (s *Service) Manager() *session.Manager { return s.manager }

// Run starts everything and blocks until the context is canceled or a
// component fails.
func (s *Service) Run(ctx context.Context) error {
	if err := s.registry.Load(ctx); err != nil {
		return err
	}
	if err := s.manager.Load(ctx); err != nil {
		return err
	}
	s.runCtx = ctx
	for _, entry := range s.registry.List() {
		s.AttachEntry(ctx, entry)
	}
	s.manager.StartAutoRefresh(ctx)

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.server.Run(gCtx)
	})
	if s.cfgPath != "" {
		watcher := config.NewWatcher(s.cfgPath, s.Reload)
		g.Go(func() error {
			return watcher.Run(gCtx)
		})
	}
	g.Go(func() error {
		<-gCtx.Done()
		s.shutdown()
		return nil
	})
	return g.Wait()
}

func (s *Service) shutdown() {
	log.Info("service shutting down")
	s.mu.Lock()
	units := make([]*deviceUnit, 0, len(s.units))
	for _, unit := range s.units {
		units = append(units, unit)
	}
	s.units = make(map[string]*deviceUnit)
	s.mu.Unlock()
	for _, unit := range units {
		unit.coordinator.Stop()
	}
	s.manager.Teardown(context.Background())
}

// AttachEntry brings a registry entry live: a valid session starts the
// device coordinator, anything the proactive reauth check rejects (missing
// or aged-out token, diverged scope) parks the entry for relinking.
func (s *Service) AttachEntry(ctx context.Context, entry *registry.LinkEntry) {
	snap, _ := s.manager.SessionSnapshot(entry.ID)
	if needed, reason := reauth.NeedsReauth(snap, entry); needed {
		log.Warnf("entry %s needs reauthorization before use (%s)", entry.ID, reason)
		if err := s.registry.SetState(ctx, entry.ID, registry.StateReauthRequired, reason); err != nil {
			log.WithError(err).Warnf("failed to flag entry %s", entry.ID)
		}
		return
	}
	if err := s.registry.SetState(ctx, entry.ID, registry.StateLoaded, ""); err != nil {
		log.WithError(err).Warnf("failed to mark entry %s loaded", entry.ID)
	}
	if err := s.startUnit(ctx, entry); err != nil {
		log.WithError(err).Warnf("failed to start device polling for entry %s", entry.ID)
		if errState := s.registry.SetState(ctx, entry.ID, registry.StateSetupError, err.Error()); errState != nil {
			log.WithError(errState).Warnf("failed to record setup error for entry %s", entry.ID)
		}
	}
}

func (s *Service) startUnit(ctx context.Context, entry *registry.LinkEntry) error {
	client, err := devices.NewClient(entry.Region,
		s.manager.TokenSource(ctx, entry.ID),
		devices.WithHTTPClient(s.httpClient))
	if err != nil {
		return err
	}
	coordinator := devices.NewCoordinator(entry.ID, client,
		devices.WithBus(s.bus),
		devices.WithReauthDispatcher(s.decider),
		devices.WithPollInterval(s.cfg.DevicePollInterval()),
		devices.WithDiscoveryInterval(s.cfg.DeviceDiscoveryInterval()),
	)

	s.mu.Lock()
	if old, ok := s.units[entry.ID]; ok {
		defer old.coordinator.Stop()
	}
	s.units[entry.ID] = &deviceUnit{client: client, coordinator: coordinator}
	s.mu.Unlock()

	coordinator.Start(ctx)
	return nil
}

// DetachEntry implements api.Linker: revoke, remove, stop polling.
func (s *Service) DetachEntry(ctx context.Context, entryID string) error {
	s.mu.Lock()
	unit, ok := s.units[entryID]
	delete(s.units, entryID)
	s.mu.Unlock()
	if ok {
		unit.coordinator.Stop()
	}
	if err := s.manager.Revoke(ctx, entryID); err != nil &&
		err != session.ErrUnknownEntry {
		log.WithError(err).Warnf("revoke failed while detaching entry %s", entryID)
	}
	return s.registry.Remove(ctx, entryID)
}

// CompleteLink implements api.Linker for first-time flows.
func (s *Service) CompleteLink(ctx context.Context, clientID, clientSecret, region, scope string, tok *lwa.TokenResponse) (string, error) {
	entry := &registry.LinkEntry{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Region:       region,
		Scope:        scope,
		State:        registry.StateLoaded,
	}
	if err := s.registry.Add(ctx, entry); err != nil {
		return "", err
	}
	if err := s.manager.SaveInitialToken(ctx, entry, tok); err != nil {
		// Roll the entry back so a retry does not hit the duplicate check.
		if errRemove := s.registry.Remove(ctx, entry.ID); errRemove != nil {
			log.WithError(errRemove).Warn("failed to roll back entry after token save failure")
		}
		return "", err
	}
	s.AttachEntry(s.attachContext(ctx), entry)
	return entry.ID, nil
}

// CompleteRelink implements api.Linker for reauthorization flows.
func (s *Service) CompleteRelink(ctx context.Context, entryID string, tok *lwa.TokenResponse) error {
	entry, ok := s.registry.Get(entryID)
	if !ok {
		return registry.ErrEntryNotFound
	}
	if err := s.manager.SaveInitialToken(ctx, entry, tok); err != nil {
		return err
	}
	if err := s.registry.SetState(ctx, entryID, registry.StateLoaded, ""); err != nil {
		return err
	}
	s.AttachEntry(s.attachContext(ctx), entry)
	log.Infof("entry %s relinked", entryID)
	return nil
}

// attachContext prefers the long-lived run context for coordinators so they
// outlive the HTTP request that triggered the attach.
func (s *Service) attachContext(fallback context.Context) context.Context {
	if s.runCtx != nil {
		return s.runCtx
	}
	return fallback
}

// Reload applies a changed configuration to the running service. Only the
// hot-reloadable knobs move: log level, refresh tunables, poll intervals.
func (s *Service) Reload(cfg *config.Config) {
	log.Info("applying reloaded configuration")
	logging.SetLogLevel(cfg)
	s.manager.ApplyTunables(cfg.RefreshBuffer(), cfg.RefreshInterval(), cfg.RefreshMaxAttempts())

	s.mu.Lock()
	s.cfg.LogLevel = cfg.LogLevel
	s.cfg.Refresh = cfg.Refresh
	s.cfg.Devices = cfg.Devices
	s.mu.Unlock()

	if s.runCtx != nil {
		// Restart the sweep loop so a new interval takes effect.
		s.manager.StartAutoRefresh(s.runCtx)
	}
}

// unitFor returns the device stack for an entry.
func (s *Service) unitFor(entryID string) (*deviceUnit, error) {
	s.mu.RLock()
	unit, ok := s.units[entryID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("service: no device polling for entry %s", entryID)
	}
	return unit, nil
}

// Devices implements api.DeviceBackend.
func (s *Service) Devices(entryID string) ([]*devices.Device, error) {
	unit, err := s.unitFor(entryID)
	if err != nil {
		return nil, err
	}
	return unit.coordinator.Devices(), nil
}

// DeviceState implements api.DeviceBackend.
func (s *Service) DeviceState(ctx context.Context, entryID, deviceID string) (map[string]any, error) {
	unit, err := s.unitFor(entryID)
	if err != nil {
		return nil, err
	}
	return unit.client.DeviceState(ctx, deviceID)
}

// SetPower implements api.DeviceBackend.
func (s *Service) SetPower(ctx context.Context, entryID, deviceID string, on bool) error {
	unit, err := s.unitFor(entryID)
	if err != nil {
		return err
	}
	return unit.client.SetPower(ctx, deviceID, on)
}

// SetBrightness implements api.DeviceBackend.
func (s *Service) SetBrightness(ctx context.Context, entryID, deviceID string, brightness int) error {
	unit, err := s.unitFor(entryID)
	if err != nil {
		return err
	}
	return unit.client.SetBrightness(ctx, deviceID, brightness)
}

// SetColor implements api.DeviceBackend.
func (s *Service) SetColor(ctx context.Context, entryID, deviceID string, hue, saturation, brightness float64) error {
	unit, err := s.unitFor(entryID)
	if err != nil {
		return err
	}
	return unit.client.SetColor(ctx, deviceID, hue, saturation, brightness)
}

// SetColorTemperature implements api.DeviceBackend.
func (s *Service) SetColorTemperature(ctx context.Context, entryID, deviceID string, mireds int) error {
	unit, err := s.unitFor(entryID)
	if err != nil {
		return err
	}
	return unit.client.SetColorTemperature(ctx, deviceID, mireds)
}

// SetTargetTemperature implements api.DeviceBackend.
func (s *Service) SetTargetTemperature(ctx context.Context, entryID, deviceID string, celsius float64) error {
	unit, err := s.unitFor(entryID)
	if err != nil {
		return err
	}
	return unit.client.SetTargetTemperature(ctx, deviceID, celsius)
}

// ForceDiscovery implements api.DeviceBackend.
func (s *Service) ForceDiscovery(entryID string) error {
	unit, err := s.unitFor(entryID)
	if err != nil {
		return err
	}
	unit.coordinator.ForceDiscovery()
	return nil
}

// SceneNames implements api.DeviceBackend.
func (s *Service) SceneNames() []string {
	return s.scenes.Names()
}

// ApplyScene implements api.DeviceBackend.
func (s *Service) ApplyScene(ctx context.Context, entryID, name string) error {
	unit, err := s.unitFor(entryID)
	if err != nil {
		return err
	}
	return s.scenes.Apply(ctx, unit.client, name)
}
