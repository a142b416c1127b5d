package device

import (
	"context"
	"encoding/json"
	"fmt"
)

// OutboundRebootDelayMS is the reboot delay used after enabling the outbound
// websocket.
const OutboundRebootDelayMS = 3500

// Script is one entry of Script.List.
type Script struct {
	ID      int    `json:"id"`
	Name    string `json:"name"`
	Enable  bool   `json:"enable"`
	Running bool   `json:"running"`
}

// ScriptCode is the answer to Script.GetCode.
type ScriptCode struct {
	Data string `json:"data"`
	Left int    `json:"left"`
}

// BLEConfig is the answer to BLE.GetConfig.
type BLEConfig struct {
	Enable bool `json:"enable"`
	RPC    struct {
		Enable bool `json:"enable"`
	} `json:"rpc"`
	Observer struct {
		Enable bool `json:"enable"`
	} `json:"observer"`
}

// BLESetConfigResult is the answer to BLE.SetConfig.
type BLESetConfigResult struct {
	RestartRequired bool `json:"restart_required"`
}

// WsConfig is the outbound websocket configuration from Ws.GetConfig.
type WsConfig struct {
	Enable bool   `json:"enable"`
	Server string `json:"server"`
	SSLCA  string `json:"ssl_ca"`
}

// WsSetConfigResult is the answer to Ws.SetConfig.
type WsSetConfigResult struct {
	RestartRequired bool `json:"restart_required"`
}

// decodeResult converts a generic RPC result into T.
func decodeResult[T any](method string, result map[string]any) (T, error) {
	var out T
	raw, err := json.Marshal(result)
	if err != nil {
		return out, fmt.Errorf("%s: encode result: %w", method, err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("%s: decode result: %w", method, err)
	}
	return out, nil
}

// TriggerOTAUpdate starts a firmware update from the stable or beta channel.
func (d *Device) TriggerOTAUpdate(ctx context.Context, beta bool) error {
	stage := "stable"
	if beta {
		stage = "beta"
	}
	_, err := d.Call(ctx, "Shelly.Update", map[string]any{"stage": stage})
	return err
}

// TriggerReboot reboots the device after delayMS milliseconds.
func (d *Device) TriggerReboot(ctx context.Context, delayMS int) error {
	_, err := d.Call(ctx, "Shelly.Reboot", map[string]any{"delay_ms": delayMS})
	return err
}

// UpdateStatus refreshes the cached status with a full snapshot.
func (d *Device) UpdateStatus(ctx context.Context) error {
	if err := d.requireInitialized(); err != nil {
		return err
	}
	return d.fetchStatus(ctx)
}

// UpdateConfig refreshes the cached config.
func (d *Device) UpdateConfig(ctx context.Context) error {
	if err := d.requireInitialized(); err != nil {
		return err
	}
	return d.fetchConfig(ctx)
}

// UpdateProfiles refreshes the profile list; a no-op for devices without
// profiles.
func (d *Device) UpdateProfiles(ctx context.Context) error {
	if err := d.requireInitialized(); err != nil {
		return err
	}
	d.mu.RLock()
	hasProfile := d.identity != nil && d.identity.HasProfile()
	d.mu.RUnlock()
	if !hasProfile {
		return nil
	}
	return d.fetchProfiles(ctx)
}

func (d *Device) requireInitialized() error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if !d.everInitialized {
		return ErrNotInitialized
	}
	return nil
}

// ScriptList returns the scripts stored on the device.
func (d *Device) ScriptList(ctx context.Context) ([]Script, error) {
	resp, err := d.Call(ctx, "Script.List", nil)
	if err != nil {
		return nil, err
	}
	list, err := decodeResult[struct {
		Scripts []Script `json:"scripts"`
	}]("Script.List", resp)
	return list.Scripts, err
}

// ScriptGetCode returns the source of script id.
func (d *Device) ScriptGetCode(ctx context.Context, id int) (ScriptCode, error) {
	resp, err := d.Call(ctx, "Script.GetCode", map[string]any{"id": id})
	if err != nil {
		return ScriptCode{}, err
	}
	return decodeResult[ScriptCode]("Script.GetCode", resp)
}

// ScriptPutCode replaces the source of script id.
func (d *Device) ScriptPutCode(ctx context.Context, id int, code string) error {
	_, err := d.Call(ctx, "Script.PutCode", map[string]any{"id": id, "code": code})
	return err
}

// ScriptCreate creates an empty script.
func (d *Device) ScriptCreate(ctx context.Context, name string) error {
	_, err := d.Call(ctx, "Script.Create", map[string]any{"name": name})
	return err
}

func (d *Device) ScriptStart(ctx context.Context, id int) error {
	_, err := d.Call(ctx, "Script.Start", map[string]any{"id": id})
	return err
}

func (d *Device) ScriptStop(ctx context.Context, id int) error {
	_, err := d.Call(ctx, "Script.Stop", map[string]any{"id": id})
	return err
}

// BLESetConfig enables or disables bluetooth and RPC over bluetooth.
func (d *Device) BLESetConfig(ctx context.Context, enable, enableRPC bool) (BLESetConfigResult, error) {
	resp, err := d.Call(ctx, "BLE.SetConfig", map[string]any{
		"config": map[string]any{
			"enable": enable,
			"rpc":    map[string]any{"enable": enableRPC},
		},
	})
	if err != nil {
		return BLESetConfigResult{}, err
	}
	return decodeResult[BLESetConfigResult]("BLE.SetConfig", resp)
}

func (d *Device) BLEGetConfig(ctx context.Context) (BLEConfig, error) {
	resp, err := d.Call(ctx, "BLE.GetConfig", nil)
	if err != nil {
		return BLEConfig{}, err
	}
	return decodeResult[BLEConfig]("BLE.GetConfig", resp)
}

// WsSetConfig configures the outbound websocket. An empty sslCA means "*",
// which accepts any certificate.
func (d *Device) WsSetConfig(ctx context.Context, enable bool, server, sslCA string) (WsSetConfigResult, error) {
	if sslCA == "" {
		sslCA = "*"
	}
	resp, err := d.Call(ctx, "Ws.SetConfig", map[string]any{
		"config": map[string]any{
			"enable": enable,
			"server": server,
			"ssl_ca": sslCA,
		},
	})
	if err != nil {
		return WsSetConfigResult{}, err
	}
	return decodeResult[WsSetConfigResult]("Ws.SetConfig", resp)
}

func (d *Device) WsGetConfig(ctx context.Context) (WsConfig, error) {
	resp, err := d.Call(ctx, "Ws.GetConfig", nil)
	if err != nil {
		return WsConfig{}, err
	}
	return decodeResult[WsConfig]("Ws.GetConfig", resp)
}

// UpdateOutboundWebsocket points the device's outbound websocket at server.
// It reports whether the device was rebooted to apply the change.
func (d *Device) UpdateOutboundWebsocket(ctx context.Context, server string) (bool, error) {
	cfg, err := d.WsGetConfig(ctx)
	if err != nil {
		return false, err
	}
	if cfg.Enable && cfg.Server == server {
		return false, nil
	}
	res, err := d.WsSetConfig(ctx, true, server, "")
	if err != nil {
		return false, err
	}
	if !res.RestartRequired {
		return false, nil
	}
	d.logger.Info("outbound websocket enabled, restarting device", "server", server)
	if err := d.TriggerReboot(ctx, OutboundRebootDelayMS); err != nil {
		return false, err
	}
	return true, nil
}
