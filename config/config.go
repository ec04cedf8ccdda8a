// Package config holds the node configuration.
package config

import (
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mycoria/amqplink/frame"
	"github.com/mycoria/amqplink/m"
)

// Config holds initialized configuration.
type Config struct {
	Store

	ListenAddr  string
	ConnectAddr string

	Hash       m.Hash
	SettleMode frame.SenderSettleMode

	MaxLinkCredit   uint32
	MaxFrameSize    uint32
	OutgoingWindow  uint32
	SendTimeout     time.Duration
	DoWorkInterval  time.Duration
	PersistInterval time.Duration
	StorageKeep     int

	devMode atomic.Bool
	started time.Time
}

// Parse parses a config definition and return an initialized config.
func (s Store) Parse() (*Config, error) {
	return s.parse(false)
}

// MakeTestConfig parses and returns the given config store with loosened checks.
// If anything fails, it panics.
func MakeTestConfig(s Store) *Config {
	c, err := s.parse(true)
	if err != nil {
		panic("test config invalid: " + err.Error())
	}
	return c
}

func (s Store) parse(test bool) (*Config, error) {
	c := &Config{
		Store:           s,
		Hash:            m.DefaultHash,
		SettleMode:      frame.SenderSettleModeUnsettled,
		MaxLinkCredit:   DefaultMaxLinkCredit,
		MaxFrameSize:    DefaultMaxFrameSize,
		OutgoingWindow:  DefaultOutgoingWindow,
		SendTimeout:     DefaultSendTimeout,
		DoWorkInterval:  DefaultDoWorkInterval,
		PersistInterval: DefaultPersistInterval,
		StorageKeep:     DefaultStorageKeep,
		started:         time.Now(),
	}
	if c.Node.Address == "" {
		c.Node.Address = DefaultAddress
	}

	// Check if there is anything to do.
	if !test && c.Node.Listen == "" && c.Node.Connect == "" {
		return nil, errors.New(
			`node has nothing to do
Configure at least one of these settings:
- node.listen
- node.connect`)
	}

	// Check addresses.
	if c.Node.Listen != "" {
		addr, err := cleanAddress(c.Node.Listen)
		if err != nil {
			return nil, fmt.Errorf("node.listen is invalid: %w", err)
		}
		c.ListenAddr = addr
	}
	if c.Node.Connect != "" {
		addr, err := cleanAddress(c.Node.Connect)
		if err != nil {
			return nil, fmt.Errorf("node.connect is invalid: %w", err)
		}
		c.ConnectAddr = addr
	}

	// Check hash.
	if c.Node.Hash != "" {
		c.Hash = m.Hash(strings.ToUpper(c.Node.Hash))
		if !c.Hash.IsValid() {
			return nil, fmt.Errorf("node.hash %q is not a known hash algorithm", c.Node.Hash)
		}
	}

	// Link settings.
	if c.Link.MaxLinkCredit != 0 {
		c.MaxLinkCredit = c.Link.MaxLinkCredit
	}
	switch strings.ToLower(c.Link.SettleMode) {
	case "", "unsettled":
		c.SettleMode = frame.SenderSettleModeUnsettled
	case "settled":
		c.SettleMode = frame.SenderSettleModeSettled
	case "mixed":
		c.SettleMode = frame.SenderSettleModeMixed
	default:
		return nil, fmt.Errorf("link.settleMode %q is invalid - use unsettled, settled or mixed", c.Link.SettleMode)
	}
	if err := parseDuration(c.Link.SendTimeout, &c.SendTimeout); err != nil {
		return nil, fmt.Errorf("link.sendTimeout is invalid: %w", err)
	}

	// Session settings.
	if c.Session.MaxFrameSize != 0 {
		if c.Session.MaxFrameSize < frame.MinMaxFrameSize {
			return nil, fmt.Errorf("session.maxFrameSize must be at least %d", frame.MinMaxFrameSize)
		}
		c.MaxFrameSize = c.Session.MaxFrameSize
	}
	if c.Session.OutgoingWindow != 0 {
		c.OutgoingWindow = c.Session.OutgoingWindow
	}

	// System settings.
	if !test && c.System.StoragePath != "" && !filepath.IsAbs(c.System.StoragePath) {
		return nil, errors.New("system.storagePath must be an absolute path")
	}
	if c.System.StorageKeep < 0 {
		return nil, errors.New("system.storageKeep must not be negative")
	}
	if c.System.StorageKeep != 0 {
		c.StorageKeep = c.System.StorageKeep
	}
	if err := parseDuration(c.System.DoWorkInterval, &c.DoWorkInterval); err != nil {
		return nil, fmt.Errorf("system.doWorkInterval is invalid: %w", err)
	}
	if err := parseDuration(c.System.PersistInterval, &c.PersistInterval); err != nil {
		return nil, fmt.Errorf("system.persistInterval is invalid: %w", err)
	}

	return c, nil
}

// cleanAddress checks the host and port of the given address.
// A missing port is replaced by the default port.
func cleanAddress(addr string) (string, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		// Try again with default port.
		host, port, err = net.SplitHostPort(addr + ":" + strconv.Itoa(DefaultPortNumber))
		if err != nil {
			return "", err
		}
	}
	if _, err := strconv.ParseUint(port, 10, 16); err != nil {
		return "", fmt.Errorf("invalid port %q", port)
	}
	return net.JoinHostPort(host, port), nil
}

func parseDuration(value string, dst *time.Duration) error {
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return err
	}
	if d <= 0 {
		return errors.New("must be positive")
	}
	*dst = d
	return nil
}

// DevMode returns if the development mode is enabled.
func (c *Config) DevMode() bool {
	return c.devMode.Load()
}

// SetDevMode sets the development mode.
func (c *Config) SetDevMode(mode bool) {
	c.devMode.Store(mode)
}

// Started returns the time when the node was started.
// Measured by when the config was created.
func (c *Config) Started() time.Time {
	return c.started
}

// Uptime returns the time since the node was started.
// Measured by when the config was created.
func (c *Config) Uptime() time.Duration {
	return time.Since(c.started)
}
