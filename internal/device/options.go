package device

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"shelly-go-home/internal/probe"
)

// Defaults for Options timing fields.
const (
	DefaultIOTimeout            = 10 * time.Second
	DefaultRebootGrace          = 2 * time.Second
	DefaultPollInterval         = 1 * time.Second
	DefaultProfileSwitchTimeout = 60 * time.Second

	// DefaultUsername is the only user Gen2 firmware accepts.
	DefaultUsername = "admin"
)

// Options describe how to reach and authenticate one device.
type Options struct {
	Address   string // host or host:port
	Username  string
	Password  string
	DeviceMAC string // expected MAC; empty disables the check

	IOTimeout            time.Duration // bound for every network step
	RebootGrace          time.Duration // wait after a profile change before polling
	PollInterval         time.Duration // identity poll interval during a profile switch
	ProfileSwitchTimeout time.Duration // overall bound for the profile switch
}

func (o Options) withDefaults() Options {
	if o.IOTimeout <= 0 {
		o.IOTimeout = DefaultIOTimeout
	}
	if o.RebootGrace <= 0 {
		o.RebootGrace = DefaultRebootGrace
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.ProfileSwitchTimeout <= 0 {
		o.ProfileSwitchTimeout = DefaultProfileSwitchTimeout
	}
	if o.Password != "" && o.Username == "" {
		o.Username = DefaultUsername
	}
	if o.DeviceMAC != "" {
		o.DeviceMAC = probe.NormalizeMAC(o.DeviceMAC)
	}
	return o
}

// hasCredentials reports whether a password (and therefore a username) is set.
func (o Options) hasCredentials() bool {
	return o.Username != "" && o.Password != ""
}

// host returns Address without a port.
func (o Options) host() string {
	host, _, err := net.SplitHostPort(o.Address)
	if err != nil {
		return o.Address
	}
	return host
}

// subscriptionID is the key under which the device's inbound frames are
// routed: the MAC when known, the IP otherwise.
func (o Options) subscriptionID() string {
	if o.DeviceMAC != "" {
		return o.DeviceMAC
	}
	return o.host()
}

// ParseAddress validates a device address given as host, host:port or a bare
// IP (IPv6 with a port must be bracketed) and returns it normalized.
func ParseAddress(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("parse address: empty")
	}
	if strings.Contains(s, "/") {
		return "", fmt.Errorf("parse address %q: not a host", s)
	}
	if ip := net.ParseIP(s); ip != nil {
		return ip.String(), nil
	}
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		if strings.Contains(s, ":") {
			return "", fmt.Errorf("parse address %q: %w", s, err)
		}
		return s, nil
	}
	if host == "" {
		return "", fmt.Errorf("parse address %q: empty host", s)
	}
	if n, err := strconv.Atoi(port); err != nil || n <= 0 || n > 65535 {
		return "", fmt.Errorf("parse address %q: invalid port %q", s, port)
	}
	return net.JoinHostPort(host, port), nil
}

// ResolveOptions replaces a host name in opts.Address with its first IP so
// frames from device-initiated connections, which are matched by IP, reach
// the device. IP addresses are returned unchanged.
func ResolveOptions(ctx context.Context, opts Options) (Options, error) {
	host, port, err := net.SplitHostPort(opts.Address)
	if err != nil {
		host, port = opts.Address, ""
	}
	if host == "" {
		return opts, fmt.Errorf("resolve options: empty address")
	}
	if net.ParseIP(host) != nil {
		return opts, nil
	}
	addrs, err := net.DefaultResolver.LookupHost(ctx, host)
	if err != nil {
		return opts, fmt.Errorf("resolve %s: %w", host, err)
	}
	if len(addrs) == 0 {
		return opts, fmt.Errorf("resolve %s: no addresses", host)
	}
	if port != "" {
		opts.Address = net.JoinHostPort(addrs[0], port)
	} else {
		opts.Address = addrs[0]
	}
	return opts, nil
}
