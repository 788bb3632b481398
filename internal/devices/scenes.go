package devices

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/pelletier/go-toml/v2"
	log "github.com/sirupsen/logrus"

	"github.com/skybridge-home/alexahub/internal/events"
)

// SceneSetting is the desired configuration for one device in a scene.
// Nil fields are left untouched.
type SceneSetting struct {
	Power             *bool       `toml:"power"`
	Brightness        *int        `toml:"brightness"`
	Color             *SceneColor `toml:"color"`
	ColorTemperature  *int        `toml:"color_temperature"`
	TargetTemperature *float64    `toml:"target_temperature"`
}

// SceneColor is an HSB color for a scene setting.
type SceneColor struct {
	Hue        float64 `toml:"hue"`
	Saturation float64 `toml:"saturation"`
	Brightness float64 `toml:"brightness"`
}

// Scene maps device IDs to their desired settings.
type Scene struct {
	Description string                  `toml:"description"`
	Devices     map[string]SceneSetting `toml:"devices"`
}

type sceneFile struct {
	Scenes map[string]Scene `toml:"scenes"`
}

// Controller is the slice of the device client scenes need. Tests
// substitute fakes.
type Controller interface {
	SetPower(ctx context.Context, deviceID string, on bool) error
	SetBrightness(ctx context.Context, deviceID string, brightness int) error
	SetColor(ctx context.Context, deviceID string, hue, saturation, brightness float64) error
	SetColorTemperature(ctx context.Context, deviceID string, mireds int) error
	SetTargetTemperature(ctx context.Context, deviceID string, celsius float64) error
}

// ErrSceneNotFound reports an unknown scene name.
var ErrSceneNotFound = errors.New("devices: scene not found")

// Scenes holds the named scenes loaded from the scenes file.
type Scenes struct {
	mu     sync.RWMutex
	scenes map[string]Scene
	bus    *events.Bus
}

// NewScenes creates an empty scene set.
func NewScenes(bus *events.Bus) *Scenes {
	return &Scenes{scenes: make(map[string]Scene), bus: bus}
}

// LoadScenes reads the TOML scenes file. A missing file yields an empty
// set, not an error.
func LoadScenes(path string, bus *events.Bus) (*Scenes, error) {
	s := NewScenes(bus)
	if path == "" {
		return s, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("devices: failed to read scenes file: %w", err)
	}
	if err = s.parse(data); err != nil {
		return nil, err
	}
	log.Infof("loaded %d scene(s) from %s", len(s.scenes), path)
	return s, nil
}

func (s *Scenes) parse(data []byte) error {
	var file sceneFile
	if err := toml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("devices: undecodable scenes file: %w", err)
	}
	s.mu.Lock()
	s.scenes = file.Scenes
	if s.scenes == nil {
		s.scenes = make(map[string]Scene)
	}
	s.mu.Unlock()
	return nil
}

// Names returns the scene names sorted.
func (s *Scenes) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.scenes))
	for name := range s.scenes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Get returns one scene.
func (s *Scenes) Get(name string) (Scene, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	scene, ok := s.scenes[name]
	return scene, ok
}

// Apply pushes every setting of the named scene through the controller.
// Per-device failures are collected, not fatal: the rest of the scene still
// applies.
func (s *Scenes) Apply(ctx context.Context, ctrl Controller, name string) error {
	scene, ok := s.Get(name)
	if !ok {
		return fmt.Errorf("%w: %q", ErrSceneNotFound, name)
	}

	var errs []error
	applied := 0
	for deviceID, setting := range scene.Devices {
		if err := applySetting(ctx, ctrl, deviceID, setting); err != nil {
			errs = append(errs, fmt.Errorf("device %s: %w", deviceID, err))
			continue
		}
		applied++
	}

	if s.bus != nil {
		s.bus.Publish(events.Event{
			Type: events.TypeSceneApplied,
			Data: map[string]any{
				"scene":   name,
				"applied": applied,
				"failed":  len(errs),
			},
		})
	}
	if len(errs) > 0 {
		return fmt.Errorf("devices: scene %q partially applied: %w", name, errors.Join(errs...))
	}
	log.Infof("scene %q applied to %d device(s)", name, applied)
	return nil
}

func applySetting(ctx context.Context, ctrl Controller, deviceID string, setting SceneSetting) error {
	if setting.Power != nil {
		if err := ctrl.SetPower(ctx, deviceID, *setting.Power); err != nil {
			return err
		}
	}
	if setting.Brightness != nil {
		if err := ctrl.SetBrightness(ctx, deviceID, *setting.Brightness); err != nil {
			return err
		}
	}
	if setting.Color != nil {
		c := setting.Color
		if err := ctrl.SetColor(ctx, deviceID, c.Hue, c.Saturation, c.Brightness); err != nil {
			return err
		}
	}
	if setting.ColorTemperature != nil {
		if err := ctrl.SetColorTemperature(ctx, deviceID, *setting.ColorTemperature); err != nil {
			return err
		}
	}
	if setting.TargetTemperature != nil {
		if err := ctrl.SetTargetTemperature(ctx, deviceID, *setting.TargetTemperature); err != nil {
			return err
		}
	}
	return nil
}
