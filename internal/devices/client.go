package devices

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"

	"github.com/skybridge-home/alexahub/internal/lwa"
	"github.com/skybridge-home/alexahub/internal/util"
)

// Alexa controller interfaces.
const (
	InterfacePower            = "Alexa.PowerController"
	InterfaceBrightness       = "Alexa.BrightnessController"
	InterfaceColor            = "Alexa.ColorController"
	InterfaceColorTemperature = "Alexa.ColorTemperatureController"
	InterfaceThermostat       = "Alexa.ThermostatController"
)

// requestTimeout is the per-request budget for the Smart Home API.
const requestTimeout = 10 * time.Second

// ErrDeviceAuth marks a 401 from the device API. Never retried here: the
// caller dispatches reauthorization instead.
var ErrDeviceAuth = errors.New("devices: unauthorized")

// retryDelays is the base schedule for 429/5xx/network failures. Each delay
// gets ±25% jitter.
var retryDelays = []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}

// Client talks to the regional Smart Home API with tokens drawn from an
// oauth2.TokenSource.
type Client struct {
	apiBase    string
	source     oauth2.TokenSource
	httpClient *http.Client

	// delays is swappable so tests do not sleep.
	delays []time.Duration
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithHTTPClient substitutes the HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) {
		if c != nil {
			cl.httpClient = c
		}
	}
}

// WithRetryDelays overrides the retry schedule.
func WithRetryDelays(delays []time.Duration) ClientOption {
	return func(cl *Client) { cl.delays = delays }
}

// NewClient creates a device client for the region.
func NewClient(region string, source oauth2.TokenSource, opts ...ClientOption) (*Client, error) {
	ep, err := lwa.EndpointsFor(region)
	if err != nil {
		return nil, err
	}
	c := &Client{
		apiBase:    ep.APIBase,
		source:     source,
		httpClient: &http.Client{Timeout: requestTimeout},
		delays:     retryDelays,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// ListDevices fetches the full device inventory.
func (c *Client) ListDevices(ctx context.Context) ([]*Device, error) {
	body, err := c.do(ctx, http.MethodGet, "/v1/devices", nil)
	if err != nil {
		return nil, err
	}
	var out []*Device
	gjson.GetBytes(body, "devices").ForEach(func(_, item gjson.Result) bool {
		d := &Device{
			ID:           item.Get("id").String(),
			Name:         item.Get("name").String(),
			Type:         item.Get("type").String(),
			Manufacturer: item.Get("manufacturer").String(),
			Model:        item.Get("model").String(),
			Online:       item.Get("online").Bool(),
		}
		item.Get("capabilities").ForEach(func(_, capability gjson.Result) bool {
			d.Capabilities = append(d.Capabilities, Capability{
				Interface: capability.Get("interface").String(),
				Version:   capability.Get("version").String(),
			})
			return true
		})
		if d.ID != "" {
			out = append(out, d)
		}
		return true
	})
	return out, nil
}

// DeviceState fetches the current property values for one device.
func (c *Client) DeviceState(ctx context.Context, deviceID string) (map[string]any, error) {
	body, err := c.do(ctx, http.MethodGet, "/v1/devices/"+deviceID+"/state", nil)
	if err != nil {
		return nil, err
	}
	state := make(map[string]any)
	gjson.GetBytes(body, "state").ForEach(func(key, value gjson.Result) bool {
		state[key.String()] = value.Value()
		return true
	})
	return state, nil
}

// SetPower turns the device on or off.
func (c *Client) SetPower(ctx context.Context, deviceID string, on bool) error {
	value := "OFF"
	if on {
		value = "ON"
	}
	return c.sendDirective(ctx, deviceID, InterfacePower, value)
}

// SetBrightness sets brightness on the 0..254 scale.
func (c *Client) SetBrightness(ctx context.Context, deviceID string, brightness int) error {
	if brightness < 0 || brightness > 254 {
		return fmt.Errorf("devices: brightness %d out of range 0..254", brightness)
	}
	return c.sendDirective(ctx, deviceID, InterfaceBrightness, brightness)
}

// SetColor sets hue (0..360), saturation and brightness (0..1).
func (c *Client) SetColor(ctx context.Context, deviceID string, hue, saturation, brightness float64) error {
	return c.sendDirective(ctx, deviceID, InterfaceColor, map[string]float64{
		"hue":        hue,
		"saturation": saturation,
		"brightness": brightness,
	})
}

// SetColorTemperature sets the color temperature in mireds.
func (c *Client) SetColorTemperature(ctx context.Context, deviceID string, mireds int) error {
	return c.sendDirective(ctx, deviceID, InterfaceColorTemperature, mireds)
}

// SetTargetTemperature sets the thermostat target in celsius.
func (c *Client) SetTargetTemperature(ctx context.Context, deviceID string, celsius float64) error {
	return c.sendDirective(ctx, deviceID, InterfaceThermostat, celsius)
}

func (c *Client) sendDirective(ctx context.Context, deviceID, controller string, value any) error {
	payload := map[string]any{"type": controller, "value": value}
	_, err := c.do(ctx, http.MethodPost, "/v2/devices/"+deviceID+"/states", payload)
	return err
}

// do runs one request with Bearer injection, transparent decompression and
// the retry schedule. 401 aborts immediately as ErrDeviceAuth.
func (c *Client) do(ctx context.Context, method, path string, payload any) ([]byte, error) {
	var encoded []byte
	if payload != nil {
		var err error
		if encoded, err = json.Marshal(payload); err != nil {
			return nil, fmt.Errorf("devices: failed to encode payload: %w", err)
		}
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		body, retryable, err := c.once(ctx, method, path, encoded)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !retryable || attempt >= len(c.delays) {
			return nil, lastErr
		}
		delay := jitter(c.delays[attempt])
		log.WithError(err).Debugf("device request %s %s failed, retrying in %v", method, path, delay)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (c *Client) once(ctx context.Context, method, path string, encoded []byte) (body []byte, retryable bool, err error) {
	var reqBody io.Reader
	if encoded != nil {
		reqBody = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.apiBase+path, reqBody)
	if err != nil {
		return nil, false, err
	}
	tok, err := c.source.Token()
	if err != nil {
		return nil, false, fmt.Errorf("devices: no usable token: %w", err)
	}
	tok.SetAuthHeader(req)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Encoding", "gzip, br")
	if encoded != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("devices: request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	reader, err := util.DecodeResponseBody(resp)
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = reader.Close() }()
	body, err = io.ReadAll(reader)
	if err != nil {
		return nil, true, fmt.Errorf("devices: failed to read response: %w", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return body, false, nil
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, false, fmt.Errorf("%w: %s", ErrDeviceAuth, gjson.GetBytes(body, "message").String())
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, true, fmt.Errorf("devices: api returned %d", resp.StatusCode)
	default:
		return nil, false, fmt.Errorf("devices: api returned %d: %s", resp.StatusCode, gjson.GetBytes(body, "message").String())
	}
}

// jitter spreads a delay by ±25%.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	spread := float64(d) * 0.25
	return time.Duration(float64(d) - spread + rand.Float64()*2*spread)
}
