// Package probe reads a device's identity from its unauthenticated
// GET /shelly endpoint without opening the RPC channel.
package probe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrMacMismatch is returned when the probed MAC differs from the expected one.
var ErrMacMismatch = errors.New("device mac address mismatch")

// Identity is the device's answer to GET /shelly. Pointer fields are nil when
// the device omitted them; Gen1 devices, for example, never report auth_en.
type Identity struct {
	ID          string  `json:"id"`
	MAC         string  `json:"mac"`
	Model       string  `json:"model"`
	Gen         int     `json:"gen"`
	FirmwareID  string  `json:"fw_id"`
	Version     string  `json:"ver"`
	App         string  `json:"app"`
	Profile     *string `json:"profile,omitempty"`
	AuthEnabled *bool   `json:"auth_en,omitempty"`
	AuthDomain  *string `json:"auth_domain,omitempty"`
}

// HasProfile reports whether the device declares profile support.
func (i *Identity) HasProfile() bool {
	return i.Profile != nil
}

// HTTPProber probes devices over plain HTTP.
type HTTPProber struct {
	client *http.Client
}

// NewHTTPProber returns a prober using client, or a client with a 10s timeout
// when client is nil.
func NewHTTPProber(client *http.Client) *HTTPProber {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPProber{client: client}
}

// Probe fetches the identity of the device at address. When expectedMAC is
// set and differs from the reported MAC, ErrMacMismatch is returned.
func (p *HTTPProber) Probe(ctx context.Context, address, expectedMAC string) (*Identity, error) {
	url := "http://" + address + "/shelly"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("probe %s: %w", address, err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("probe %s: %w", address, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("probe %s: unexpected status %d", address, resp.StatusCode)
	}

	var id Identity
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&id); err != nil {
		return nil, fmt.Errorf("probe %s: decode: %w", address, err)
	}

	if expectedMAC != "" && NormalizeMAC(id.MAC) != NormalizeMAC(expectedMAC) {
		return nil, fmt.Errorf("probe %s: got %s, want %s: %w", address, id.MAC, expectedMAC, ErrMacMismatch)
	}
	return &id, nil
}

// NormalizeMAC strips separators and upper-cases a MAC address.
func NormalizeMAC(mac string) string {
	mac = strings.ReplaceAll(mac, ":", "")
	mac = strings.ReplaceAll(mac, "-", "")
	return strings.ToUpper(mac)
}
