package inst

import (
	"github.com/mycoria/amqplink/config"
	"github.com/mycoria/amqplink/host"
	"github.com/mycoria/amqplink/storage"
)

// Ance (inst.Ance) is an interface to access global attributes of a node instance.
type Ance interface {
	Version() string
	Config() *config.Config
	Storage() storage.Storage
	Host() *host.Host
}

// AnceStub (inst.AnceStub) is a stub to easily create an inst.Ance.
type AnceStub struct {
	VersionStub string
	ConfigStub  *config.Config
	StorageStub storage.Storage
	HostStub    *host.Host
}

var _ Ance = &AnceStub{}

// Version returns the version.
func (stub *AnceStub) Version() string {
	return stub.VersionStub
}

// Config returns the config.
func (stub *AnceStub) Config() *config.Config {
	return stub.ConfigStub
}

// Storage returns the storage.
func (stub *AnceStub) Storage() storage.Storage {
	return stub.StorageStub
}

// Host returns the host.
func (stub *AnceStub) Host() *host.Host {
	return stub.HostStub
}
