package device

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// SetProfile switches the device to the named profile. The device reboots to
// apply it, so the controller shuts down, waits for the device to come back
// reporting the new profile and initializes again. The subscriber survives
// the switch. It is a no-op when the device has no profile or already runs
// name.
func (d *Device) SetProfile(ctx context.Context, name string) error {
	d.mu.RLock()
	var current string
	hasProfile := d.identity != nil && d.identity.HasProfile()
	if hasProfile {
		current = *d.identity.Profile
	}
	listener := d.listener
	d.mu.RUnlock()

	if !hasProfile || current == "" || current == name {
		return nil
	}

	if _, err := d.Call(ctx, "Shelly.SetProfile", map[string]any{"name": name}); err != nil {
		return fmt.Errorf("set profile %q: %w", name, err)
	}
	if err := d.Shutdown(ctx); err != nil {
		d.logger.Warn("shutdown before profile switch", "err", err)
	}
	d.logger.Info("profile change requested, waiting for reboot", "profile", name)

	wctx, cancel := context.WithTimeout(ctx, d.opts.ProfileSwitchTimeout)
	defer cancel()
	if err := d.waitForProfile(wctx, name); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("profile %q: %w", name, ErrProfileSwitchTimeout)
		}
		return err
	}

	if listener != nil {
		d.Subscribe(listener)
	}
	return d.Initialize(ctx)
}

// waitForProfile sleeps for the reboot grace and then polls the identity
// until it reports name. Probe errors mean the device is still rebooting,
// except a MAC mismatch, which means another device took the address.
func (d *Device) waitForProfile(ctx context.Context, name string) error {
	if err := sleep(ctx, d.opts.RebootGrace); err != nil {
		return err
	}
	for {
		pctx, cancel := context.WithTimeout(ctx, d.opts.IOTimeout)
		id, err := d.prober.Probe(pctx, d.opts.Address, d.opts.DeviceMAC)
		cancel()
		switch {
		case errors.Is(err, ErrMacMismatch):
			return err
		case err != nil:
			d.logger.Debug("device not back yet", "err", err)
		default:
			d.mu.Lock()
			d.identity = id
			d.mu.Unlock()
			if id.Profile != nil && *id.Profile == name {
				return nil
			}
		}
		if err := sleep(ctx, d.opts.PollInterval); err != nil {
			return err
		}
	}
}

func sleep(ctx context.Context, dur time.Duration) error {
	t := time.NewTimer(dur)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
