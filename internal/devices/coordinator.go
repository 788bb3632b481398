package devices

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/skybridge-home/alexahub/internal/events"
	"github.com/skybridge-home/alexahub/internal/session"
)

// Polling defaults. Discovery is the expensive tier, state the cheap one.
const (
	DefaultPollInterval      = 5 * time.Minute
	DefaultDiscoveryInterval = 15 * time.Minute
)

var (
	metricDevicesTotal = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "alexahub",
		Name:      "devices_total",
		Help:      "Devices known per entry.",
	}, []string{"entry"})
	metricDevicesOnline = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "alexahub",
		Name:      "devices_online",
		Help:      "Devices currently reachable per entry.",
	}, []string{"entry"})
	metricSweeps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "alexahub",
		Name:      "device_sweeps_total",
		Help:      "State sweeps per entry and result.",
	}, []string{"entry", "result"})
)

// Coordinator polls one entry's devices on two tiers: a state sweep on the
// poll interval and a full discovery on the slower discovery interval.
type Coordinator struct {
	entryID    string
	client     *Client
	bus        *events.Bus
	dispatcher session.ReauthDispatcher

	mu            sync.RWMutex
	devices       map[string]*Device
	lastDiscovery time.Time

	pollInterval      time.Duration
	discoveryInterval time.Duration

	forceCh chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}
}

// CoordinatorOption customizes a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithPollInterval overrides the state sweep cadence.
func WithPollInterval(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// WithDiscoveryInterval overrides the discovery cadence.
func WithDiscoveryInterval(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		if d > 0 {
			c.discoveryInterval = d
		}
	}
}

// WithBus wires the event bus.
func WithBus(bus *events.Bus) CoordinatorOption {
	return func(c *Coordinator) { c.bus = bus }
}

// WithReauthDispatcher wires the dispatcher that handles auth failures.
func WithReauthDispatcher(d session.ReauthDispatcher) CoordinatorOption {
	return func(c *Coordinator) { c.dispatcher = d }
}

// NewCoordinator creates a coordinator for one entry.
func NewCoordinator(entryID string, client *Client, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		entryID:           entryID,
		client:            client,
		devices:           make(map[string]*Device),
		pollInterval:      DefaultPollInterval,
		discoveryInterval: DefaultDiscoveryInterval,
		forceCh:           make(chan struct{}, 1),
		done:              make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start launches the polling loop. An immediate first sweep seeds the cache.
func (c *Coordinator) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	go func() {
		defer close(c.done)
		log.Infof("device coordinator started for entry %s (state every %v, discovery every %v)",
			c.entryID, c.pollInterval, c.discoveryInterval)
		c.sweep(loopCtx)
		ticker := time.NewTicker(c.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				c.sweep(loopCtx)
			case <-c.forceCh:
				c.sweep(loopCtx)
			}
		}
	}()
}

// Stop halts the loop and waits for the in-flight sweep.
func (c *Coordinator) Stop() {
	if c.cancel != nil {
		c.cancel()
		<-c.done
	}
}

// ForceDiscovery schedules an immediate full discovery.
func (c *Coordinator) ForceDiscovery() {
	c.mu.Lock()
	c.lastDiscovery = time.Time{}
	c.mu.Unlock()
	select {
	case c.forceCh <- struct{}{}:
	default:
	}
}

// Devices returns a snapshot of all known devices.
func (c *Coordinator) Devices() []*Device {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Device, 0, len(c.devices))
	for _, d := range c.devices {
		out = append(out, d.Clone())
	}
	return out
}

// OnlineDevices returns a snapshot of devices currently reachable.
func (c *Coordinator) OnlineDevices() []*Device {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []*Device
	for _, d := range c.devices {
		if d.Online {
			out = append(out, d.Clone())
		}
	}
	return out
}

// Device returns one device by ID.
func (c *Coordinator) Device(id string) (*Device, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.devices[id]
	return d.Clone(), ok
}

// sweep runs one poll cycle: discovery when due, then the state pass.
func (c *Coordinator) sweep(ctx context.Context) {
	c.mu.RLock()
	discoveryDue := len(c.devices) == 0 ||
		time.Since(c.lastDiscovery) >= c.discoveryInterval
	c.mu.RUnlock()

	if discoveryDue {
		if err := c.discover(ctx); err != nil {
			metricSweeps.WithLabelValues(c.entryID, "discovery_error").Inc()
			c.handleSweepError(ctx, err)
			return
		}
	}
	if err := c.refreshStates(ctx); err != nil {
		metricSweeps.WithLabelValues(c.entryID, "error").Inc()
		c.handleSweepError(ctx, err)
		return
	}
	metricSweeps.WithLabelValues(c.entryID, "ok").Inc()
}

// handleSweepError aborts the cycle. Auth failures go to the reauth
// dispatcher, everything else just logs: the next tick retries.
func (c *Coordinator) handleSweepError(ctx context.Context, err error) {
	if errors.Is(err, ErrDeviceAuth) {
		log.WithError(err).Warnf("device sweep unauthorized for entry %s, dispatching reauth", c.entryID)
		if c.dispatcher != nil {
			c.dispatcher.Dispatch(ctx, c.entryID, err)
		}
		return
	}
	log.WithError(err).Warnf("device sweep failed for entry %s", c.entryID)
}

func (c *Coordinator) discover(ctx context.Context) error {
	listed, err := c.client.ListDevices(ctx)
	if err != nil {
		return err
	}
	now := time.Now()

	c.mu.Lock()
	fresh := make(map[string]*Device, len(listed))
	for _, d := range listed {
		if existing, ok := c.devices[d.ID]; ok {
			// Discovery has no state payload; keep what the sweeps built.
			d.State = existing.State
		}
		fresh[d.ID] = d
	}
	c.devices = fresh
	c.lastDiscovery = now
	total, online := c.countLocked()
	c.mu.Unlock()

	metricDevicesTotal.WithLabelValues(c.entryID).Set(float64(total))
	metricDevicesOnline.WithLabelValues(c.entryID).Set(float64(online))
	c.publish(events.TypeDevicesDiscovered, map[string]any{"count": total})
	log.Debugf("discovered %d device(s) for entry %s", total, c.entryID)
	return nil
}

// refreshStates polls every online device. Per-device failures are skipped;
// an auth failure aborts the pass.
func (c *Coordinator) refreshStates(ctx context.Context) error {
	for _, d := range c.Devices() {
		if !d.Online {
			continue
		}
		state, err := c.client.DeviceState(ctx, d.ID)
		if err != nil {
			if errors.Is(err, ErrDeviceAuth) {
				return err
			}
			log.WithError(err).Debugf("state poll failed for device %s", d.ID)
			continue
		}
		c.applyState(d.ID, state)
	}
	c.mu.RLock()
	total, online := c.countLocked()
	c.mu.RUnlock()
	metricDevicesTotal.WithLabelValues(c.entryID).Set(float64(total))
	metricDevicesOnline.WithLabelValues(c.entryID).Set(float64(online))
	return nil
}

func (c *Coordinator) applyState(deviceID string, state map[string]any) {
	c.mu.Lock()
	d, ok := c.devices[deviceID]
	changed := ok && !reflect.DeepEqual(d.State, state)
	if ok {
		d.State = state
	}
	c.mu.Unlock()
	if changed {
		c.publish(events.TypeDeviceStateChanged, map[string]any{
			"device_id": deviceID,
			"state":     state,
		})
	}
}

func (c *Coordinator) countLocked() (total, online int) {
	total = len(c.devices)
	for _, d := range c.devices {
		if d.Online {
			online++
		}
	}
	return total, online
}

func (c *Coordinator) publish(eventType string, data map[string]any) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(events.Event{Type: eventType, EntryID: c.entryID, Data: data})
}
