//go:build no_automation

package main

import (
	"log/slog"

	"shelly-go-home/internal/device"
	"shelly-go-home/internal/web"
)

type autoStopper struct{}

func (a *autoStopper) Stop() {}

func initAutomation(_ *device.Device, _ *device.UpdateBus, _ *Config, _ *slog.Logger) (*autoStopper, []web.ServerOption) {
	return &autoStopper{}, nil
}
