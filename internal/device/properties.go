package device

import (
	"errors"
	"fmt"

	"shelly-go-home/internal/probe"
)

// rpcGeneration is reported when the identity does not carry gen.
const rpcGeneration = 2

// State returns the current lifecycle state.
func (d *Device) State() State {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

// Initialized reports whether the last initialization completed.
func (d *Device) Initialized() bool {
	return d.State() == StateInitialized
}

// Connected reports whether the transport is connected.
func (d *Device) Connected() bool {
	return d.transport.Connected()
}

// LastError returns the most recent initialization or call error, nil if
// none occurred.
func (d *Device) LastError() error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastError
}

// Identity returns a copy of the probed identity.
func (d *Device) Identity() (probe.Identity, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.state != StateInitialized || d.identity == nil {
		return probe.Identity{}, ErrNotInitialized
	}
	return *d.identity, nil
}

// Status returns the cached status. Callers must not modify the map.
func (d *Device) Status() (map[string]any, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.state != StateInitialized {
		return nil, ErrNotInitialized
	}
	if d.status == nil {
		return nil, d.deferredAuthErrorLocked()
	}
	return d.status, nil
}

// Config returns the cached config. Callers must not modify the map.
func (d *Device) Config() (map[string]any, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.state != StateInitialized {
		return nil, ErrNotInitialized
	}
	if d.config == nil {
		return nil, d.deferredAuthErrorLocked()
	}
	return d.config, nil
}

// deferredAuthErrorLocked returns the auth error stashed by a lazy init, or
// a bare ErrInvalidAuth.
func (d *Device) deferredAuthErrorLocked() error {
	if errors.Is(d.lastError, ErrInvalidAuth) {
		return d.lastError
	}
	return ErrInvalidAuth
}

// Event returns the last pushed event, nil if none arrived yet.
func (d *Device) Event() (map[string]any, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.state != StateInitialized {
		return nil, ErrNotInitialized
	}
	return d.event, nil
}

// Profile returns the active profile name.
func (d *Device) Profile() (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.state != StateInitialized || d.identity == nil {
		return "", ErrNotInitialized
	}
	if !d.identity.HasProfile() {
		return "", fmt.Errorf("profile: %w", ErrNotSupported)
	}
	return *d.identity.Profile, nil
}

// Profiles returns the profiles the device supports, sorted by name.
func (d *Device) Profiles() ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.state != StateInitialized || d.identity == nil {
		return nil, ErrNotInitialized
	}
	if !d.identity.HasProfile() {
		return nil, fmt.Errorf("profiles: %w", ErrNotSupported)
	}
	return append([]string(nil), d.profiles...), nil
}

// RequiresAuth reports whether the device has authentication enabled. It
// only needs a probed identity, not a completed initialization.
func (d *Device) RequiresAuth() (bool, error) {
	id, err := d.probed()
	if err != nil {
		return false, err
	}
	return identityRequiresAuth(&id)
}

func identityRequiresAuth(id *probe.Identity) (bool, error) {
	if id.AuthEnabled == nil {
		return false, ErrWrongGeneration
	}
	return *id.AuthEnabled, nil
}

// probed returns the identity from the last successful probe.
func (d *Device) probed() (probe.Identity, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.identity == nil {
		return probe.Identity{}, ErrNotInitialized
	}
	return *d.identity, nil
}

// Model returns the model code, e.g. SNSW-001X16EU.
func (d *Device) Model() (string, error) {
	id, err := d.probed()
	return id.Model, err
}

// Hostname returns the device id, which doubles as its mDNS host name.
func (d *Device) Hostname() (string, error) {
	id, err := d.probed()
	return id.ID, err
}

// FirmwareVersion returns the firmware build id.
func (d *Device) FirmwareVersion() (string, error) {
	id, err := d.probed()
	return id.FirmwareID, err
}

// Version returns the firmware version string.
func (d *Device) Version() (string, error) {
	id, err := d.probed()
	return id.Version, err
}

// Gen returns the device generation.
func (d *Device) Gen() (int, error) {
	id, err := d.probed()
	if err != nil {
		return 0, err
	}
	if id.Gen == 0 {
		return rpcGeneration, nil
	}
	return id.Gen, nil
}

// Name returns the user-assigned name from sys.device.name, falling back to
// the host name.
func (d *Device) Name() (string, error) {
	cfg, err := d.Config()
	if err != nil {
		return "", err
	}
	if sys, ok := cfg["sys"].(map[string]any); ok {
		if dev, ok := sys["device"].(map[string]any); ok {
			if name, ok := dev["name"].(string); ok && name != "" {
				return name, nil
			}
		}
	}
	return d.Hostname()
}
