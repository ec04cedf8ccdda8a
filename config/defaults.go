package config

import "time"

// DefaultPortNumber is the default AMQP port.
const DefaultPortNumber = 5672

// Defaults.
const (
	DefaultMaxLinkCredit   uint32 = 100
	DefaultMaxFrameSize    uint32 = 4096
	DefaultOutgoingWindow  uint32 = 64
	DefaultDoWorkInterval         = 100 * time.Millisecond
	DefaultSendTimeout            = 10 * time.Second
	DefaultPersistInterval        = time.Minute
	DefaultStorageKeep            = 10000
	DefaultAddress                = "inbox"
)
