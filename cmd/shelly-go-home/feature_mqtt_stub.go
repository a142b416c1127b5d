//go:build no_mqtt

package main

import (
	"log/slog"

	"shelly-go-home/internal/device"
)

type mqttStopper struct{}

func (m *mqttStopper) Stop() {}

func initMQTT(_ *device.Device, _ *device.UpdateBus, _ *Config, _ *slog.Logger) *mqttStopper {
	return &mqttStopper{}
}
