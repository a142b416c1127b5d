package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"shelly-go-home/internal/device"
	"shelly-go-home/internal/probe"
	"shelly-go-home/internal/rpc"
	"shelly-go-home/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

type Config struct {
	Device struct {
		Address              string        `yaml:"address"`
		Username             string        `yaml:"username"`
		Password             string        `yaml:"password"`
		MAC                  string        `yaml:"mac"`
		Lazy                 bool          `yaml:"lazy"` // battery devices: initialize on first push only
		IOTimeout            time.Duration `yaml:"io_timeout"`
		ProfileSwitchTimeout time.Duration `yaml:"profile_switch_timeout"`
	} `yaml:"device"`
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topic_prefix"`
		DeviceID    string `yaml:"device_id"`
	} `yaml:"mqtt"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	ScriptsDir string `yaml:"scripts_dir"`
}

func (c *Config) validate() error {
	addr, err := device.ParseAddress(c.Device.Address)
	if err != nil {
		return fmt.Errorf("device.address: %w", err)
	}
	c.Device.Address = addr
	if c.Device.Password != "" && c.Device.Username == "" {
		c.Device.Username = device.DefaultUsername
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	if c.Device.IOTimeout < 0 || c.Device.ProfileSwitchTimeout < 0 {
		return fmt.Errorf("device timeouts must not be negative")
	}
	return nil
}

func (c *Config) deviceOptions() device.Options {
	return device.Options{
		Address:              c.Device.Address,
		Username:             c.Device.Username,
		Password:             c.Device.Password,
		DeviceMAC:            c.Device.MAC,
		IOTimeout:            c.Device.IOTimeout,
		ProfileSwitchTimeout: c.Device.ProfileSwitchTimeout,
	}
}

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}
	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("shelly-go-home starting", "version", version, "device", cfg.Device.Address)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := cfg.deviceOptions()
	resolveCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	if resolved, err := device.ResolveOptions(resolveCtx, opts); err != nil {
		logger.Warn("resolve device address, outbound frames may not be routed", "err", err)
	} else {
		opts = resolved
	}
	cancel()

	ioTimeout := opts.IOTimeout
	if ioTimeout <= 0 {
		ioTimeout = device.DefaultIOTimeout
	}
	httpClient := &http.Client{Timeout: ioTimeout}
	wsServer := rpc.NewWsServer(logger)
	transport := rpc.NewWsRPC(opts.Address, httpClient, logger)
	dev := device.New(transport, probe.NewHTTPProber(httpClient), wsServer, opts, logger)

	bus := device.NewUpdateBus(logger)
	dev.Subscribe(bus.Emit)
	bus.OnAll(func(_ *device.Device, update device.UpdateType) {
		logger.Debug("device update", "update", update, "state", dev.State())
	})

	// Start automation engine (no-op when built with no_automation tag).
	auto, autoWebOpts := initAutomation(dev, bus, cfg, logger)

	webOpts := []web.ServerOption{
		web.WithVersion(version),
		web.WithDeviceEndpoint(wsServer),
	}
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webOpts = append(webOpts, autoWebOpts...)
	webServer := web.NewServer(dev, bus, logger, webOpts...)

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 90 * time.Second, // profile switches wait for a reboot
		IdleTimeout:  120 * time.Second,
	}
	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", "err", err)
		}
	}()

	// Start MQTT bridge (no-op when built with no_mqtt tag).
	mqtt := initMQTT(dev, bus, cfg, logger)

	initDone := make(chan struct{})
	go func() {
		defer close(initDone)
		if cfg.Device.Lazy {
			logger.Info("waiting for the device to connect")
			return
		}
		initializeWithRetry(ctx, dev, logger, 5*time.Second, time.Minute)
	}()

	<-ctx.Done()
	stop()
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	<-initDone
	auto.Stop()
	mqtt.Stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()
	wsServer.Stop()
	if err := dev.Close(); err != nil {
		logger.Warn("close device", "err", err)
	}
	if err := transport.Close(); err != nil {
		logger.Debug("close transport", "err", err)
	}

	logger.Info("goodbye")
}

type initializer interface {
	Initialize(ctx context.Context) error
	Initialized() bool
}

// initializeWithRetry initializes dev, retrying connectivity failures with
// exponential backoff. Fatal errors (bad credentials, wrong device) stop the
// retries since repeating them cannot succeed.
func initializeWithRetry(ctx context.Context, dev initializer, logger *slog.Logger, backoff, maxBackoff time.Duration) {
	for {
		err := dev.Initialize(ctx)
		switch class := device.Classify(err); {
		case err == nil:
			logger.Info("device initialized")
			return
		case class == device.ClassFatal:
			logger.Error("initialize device", "err", err)
			return
		case class == device.ClassNotReady && dev.Initialized():
			return
		default:
			logger.Warn("initialize device, retrying", "err", err, "in", backoff)
		}

		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		if dev.Initialized() {
			return
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.ScriptsDir == "" {
		cfg.ScriptsDir = "scripts"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "shelly"
	}
	if cfg.MQTT.DeviceID == "" {
		cfg.MQTT.DeviceID = cfg.Device.MAC
		if cfg.MQTT.DeviceID == "" {
			cfg.MQTT.DeviceID = cfg.Device.Address
		}
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
