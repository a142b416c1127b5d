// Package device implements the lifecycle controller for a single Gen2 RPC
// device: probing, authentication, config/status caching, push handling for
// sleeping devices and the profile switch protocol.
package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"shelly-go-home/internal/probe"
	"shelly-go-home/internal/rpc"
)

// State is the lifecycle state of a Device.
type State int

const (
	StateUninitialized State = iota
	StateInitializing
	StateInitialized
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateInitialized:
		return "initialized"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// UpdateType classifies what changed when a subscriber is called.
type UpdateType int

const (
	UpdateUnknown UpdateType = iota
	UpdateEvent
	UpdateStatus
	UpdateInitialized
	UpdateDisconnected
)

func (u UpdateType) String() string {
	switch u {
	case UpdateEvent:
		return "event"
	case UpdateStatus:
		return "status"
	case UpdateInitialized:
		return "initialized"
	case UpdateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// UpdateFunc receives device updates. It runs on the dispatcher goroutine
// (or the initializing goroutine for UpdateInitialized) and must not block
// for long.
type UpdateFunc func(d *Device, update UpdateType)

// Prober reads a device identity out-of-band.
type Prober interface {
	Probe(ctx context.Context, address, expectedMAC string) (*probe.Identity, error)
}

// Device is the controller for one device. All cached state is owned by the
// Device and guarded by mu; network calls run without holding it.
type Device struct {
	transport rpc.Transport
	prober    Prober
	registry  rpc.Registry
	opts      Options
	logger    *slog.Logger

	mu              sync.RWMutex
	state           State
	everInitialized bool
	identity        *probe.Identity
	config          map[string]any
	status          map[string]any
	event           map[string]any
	profiles        []string
	lastError       error
	listener        UpdateFunc
	unsubscribe     func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Device, registers it with registry (may be nil) for frames
// from device-initiated connections, and starts dispatching notifications.
// Call Close to release it.
func New(transport rpc.Transport, prober Prober, registry rpc.Registry, opts Options, logger *slog.Logger) *Device {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	d := &Device{
		transport: transport,
		prober:    prober,
		registry:  registry,
		opts:      opts,
		logger:    logger.With("component", "device", "host", opts.Address),
		ctx:       ctx,
		cancel:    cancel,
	}
	d.subscribeRegistry()

	d.wg.Add(1)
	go d.run()
	return d
}

// Create builds a Device and, when initialize is true, initializes it. On
// initialization failure the Device is closed and the error returned.
func Create(ctx context.Context, transport rpc.Transport, prober Prober, registry rpc.Registry, opts Options, logger *slog.Logger, initialize bool) (*Device, error) {
	d := New(transport, prober, registry, opts, logger)
	if !initialize {
		return d, nil
	}
	if err := d.Initialize(ctx); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

func (d *Device) subscribeRegistry() {
	if d.registry == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.unsubscribe == nil {
		d.unsubscribe = d.registry.Subscribe(d.opts.subscriptionID(), d.transport.HandleFrame)
	}
}

// Address returns the configured device address.
func (d *Device) Address() string {
	return d.opts.Address
}

// Initialize probes, authenticates, connects and fetches config, profiles
// and status. It fails with ErrAlreadyInitializing while another
// initialization is in flight.
func (d *Device) Initialize(ctx context.Context) error {
	if err := d.beginInit(); err != nil {
		return err
	}
	return d.initialize(ctx, false)
}

// beginInit claims the initialization guard.
func (d *Device) beginInit() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == StateInitializing {
		return ErrAlreadyInitializing
	}
	d.state = StateInitializing
	return nil
}

// initialize runs with the guard held by the caller. A lazy run is one
// triggered by a push from a device that was not ready yet.
func (d *Device) initialize(ctx context.Context, lazy bool) error {
	d.subscribeRegistry()
	d.logger.Debug("initializing", "lazy", lazy)

	err := d.connectAndFetch(ctx, lazy)

	d.mu.Lock()
	switch {
	case err == nil:
		d.state = StateInitialized
	case errors.Is(err, ErrInvalidAuth):
		d.lastError = err
		if lazy {
			// A sleeping device cannot be re-probed with correct credentials
			// while asleep; accessors report the error on next read.
			d.state = StateInitialized
			err = nil
		} else {
			d.state = StateFailed
		}
	case errors.Is(err, ErrMacMismatch), errors.Is(err, ErrWrongGeneration):
		d.lastError = err
		d.state = StateFailed
	default:
		if !errors.Is(err, ErrDeviceConnection) {
			err = fmt.Errorf("%w: %w", ErrDeviceConnection, err)
		}
		d.lastError = err
		d.state = StateFailed
	}
	if d.state == StateInitialized {
		d.everInitialized = true
	}
	listener := d.listener
	ready := d.state == StateInitialized
	d.mu.Unlock()

	if err != nil {
		d.logger.Debug("initialization failed", "lazy", lazy, "err", err)
		if !lazy {
			d.disconnect()
		}
		return err
	}

	d.logger.Info("device initialized", "lazy", lazy)
	if listener != nil && ready {
		listener(d, UpdateInitialized)
	}
	return nil
}

func (d *Device) connectAndFetch(ctx context.Context, lazy bool) error {
	pctx, cancel := context.WithTimeout(ctx, d.opts.IOTimeout)
	id, err := d.prober.Probe(pctx, d.opts.Address, d.opts.DeviceMAC)
	cancel()
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.identity = id
	d.mu.Unlock()

	requiresAuth, err := identityRequiresAuth(id)
	if err != nil {
		return err
	}
	if requiresAuth {
		if !d.opts.hasCredentials() {
			return fmt.Errorf("auth missing and required: %w", ErrInvalidAuth)
		}
		realm := id.ID
		if id.AuthDomain != nil {
			realm = *id.AuthDomain
		}
		d.transport.SetAuthData(realm, d.opts.Username, d.opts.Password)
	}

	cctx, cancel := context.WithTimeout(ctx, d.opts.IOTimeout)
	err = d.transport.Connect(cctx)
	cancel()
	if err != nil {
		return fmt.Errorf("%w: connect: %w", ErrDeviceConnection, err)
	}

	if err := d.fetchConfig(ctx); err != nil {
		return err
	}
	if id.HasProfile() {
		if err := d.fetchProfiles(ctx); err != nil {
			return err
		}
	}

	d.mu.RLock()
	haveStatus := d.status != nil
	d.mu.RUnlock()
	if lazy && haveStatus {
		// The push that triggered this run already delivered the status.
		return nil
	}
	return d.fetchStatus(ctx)
}

// Shutdown detaches the subscriber, stops receiving frames from the registry
// and disconnects the transport. Cached data is kept; Initialize resumes.
func (d *Device) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.listener = nil
	unsub := d.unsubscribe
	d.unsubscribe = nil
	d.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if err := d.transport.Disconnect(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// Close shuts the device down and stops the dispatcher. The Device must not
// be used afterwards.
func (d *Device) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), d.opts.IOTimeout)
	defer cancel()
	err := d.Shutdown(ctx)
	d.cancel()
	d.wg.Wait()
	return err
}

func (d *Device) disconnect() {
	ctx, cancel := context.WithTimeout(context.Background(), d.opts.IOTimeout)
	defer cancel()
	if err := d.transport.Disconnect(ctx); err != nil {
		d.logger.Warn("disconnect", "err", err)
	}
}

// Subscribe sets the update subscriber, replacing any previous one. A nil fn
// detaches it.
func (d *Device) Subscribe(fn UpdateFunc) {
	d.mu.Lock()
	d.listener = fn
	d.mu.Unlock()
}

// Call issues an RPC bounded by the I/O timeout. Auth and device errors are
// returned unchanged; everything else is wrapped in ErrDeviceConnection.
func (d *Device) Call(ctx context.Context, method string, params map[string]any) (map[string]any, error) {
	d.mu.RLock()
	ready := d.everInitialized
	d.mu.RUnlock()
	if !ready {
		return nil, ErrNotInitialized
	}
	return d.call(ctx, method, params)
}

func (d *Device) call(ctx context.Context, method string, params map[string]any) (map[string]any, error) {
	cctx, cancel := context.WithTimeout(ctx, d.opts.IOTimeout)
	defer cancel()

	resp, err := d.transport.Call(cctx, method, params)
	if err == nil {
		return resp, nil
	}

	var ce *rpc.CallError
	if !errors.Is(err, ErrInvalidAuth) && !errors.As(err, &ce) {
		err = fmt.Errorf("%w: %s: %w", ErrDeviceConnection, method, err)
	}
	d.mu.Lock()
	d.lastError = err
	d.mu.Unlock()
	return nil, err
}

func (d *Device) fetchConfig(ctx context.Context) error {
	cfg, err := d.call(ctx, "Shelly.GetConfig", nil)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.config = cfg
	d.mu.Unlock()
	return nil
}

func (d *Device) fetchStatus(ctx context.Context) error {
	status, err := d.call(ctx, "Shelly.GetStatus", nil)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.status = status
	d.mu.Unlock()
	return nil
}

func (d *Device) fetchProfiles(ctx context.Context) error {
	resp, err := d.call(ctx, "Shelly.ListProfiles", nil)
	if err != nil {
		return err
	}
	var profiles []string
	switch list := resp["profiles"].(type) {
	case map[string]any:
		for name := range list {
			profiles = append(profiles, name)
		}
	case []any:
		for _, v := range list {
			if name, ok := v.(string); ok {
				profiles = append(profiles, name)
			}
		}
	}
	slices.Sort(profiles)
	d.mu.Lock()
	d.profiles = profiles
	d.mu.Unlock()
	return nil
}
