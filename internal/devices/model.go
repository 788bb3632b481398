package devices

// Capability is one Alexa interface a device implements.
type Capability struct {
	Interface string `json:"interface"`
	Version   string `json:"version,omitempty"`
}

// Device is one smart home device as reported by the discovery endpoint.
type Device struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Type         string         `json:"type,omitempty"`
	Manufacturer string         `json:"manufacturer,omitempty"`
	Model        string         `json:"model,omitempty"`
	Online       bool           `json:"online"`
	Capabilities []Capability   `json:"capabilities,omitempty"`
	State        map[string]any `json:"state,omitempty"`
}

// SupportsInterface reports whether the device implements the interface.
func (d *Device) SupportsInterface(name string) bool {
	for _, c := range d.Capabilities {
		if c.Interface == name {
			return true
		}
	}
	return false
}

// Controllable reports whether the device accepts any control directive.
func (d *Device) Controllable() bool {
	for _, c := range d.Capabilities {
		switch c.Interface {
		case InterfacePower, InterfaceBrightness, InterfaceColor,
			InterfaceColorTemperature, InterfaceThermostat:
			return true
		}
	}
	return false
}

// Clone returns a deep copy.
func (d *Device) Clone() *Device {
	if d == nil {
		return nil
	}
	out := *d
	out.Capabilities = append([]Capability(nil), d.Capabilities...)
	if d.State != nil {
		out.State = make(map[string]any, len(d.State))
		for k, v := range d.State {
			out.State[k] = v
		}
	}
	return &out
}
