// Package amqplink is a node that sends and receives AMQP 1.0 messages
// over links.
package amqplink

import (
	"fmt"

	"github.com/mycoria/amqplink/config"
	"github.com/mycoria/amqplink/host"
	"github.com/mycoria/amqplink/inst"
	"github.com/mycoria/amqplink/mgr"
	"github.com/mycoria/amqplink/storage"
)

// Node is an instance of an amqplink node.
type Node struct {
	*mgr.Group

	version string
	config  *config.Config

	storage storage.Storage
	host    *host.Host
}

var _ inst.Ance = &Node{}

// New returns a new node.
func New(version string, c *config.Config) (*Node, error) {
	node := &Node{
		version: version,
		config:  c,
	}

	// Load storage.
	if c.System.StoragePath == "" {
		node.storage = storage.NewMemStorage()
	} else {
		var err error
		node.storage, err = storage.NewFileStorage(c.System.StoragePath)
		if err != nil {
			return nil, fmt.Errorf("load storage: %w", err)
		}
	}

	// Create host.
	node.host = host.New(node)

	// Add all modules to node group.
	node.Group = mgr.NewGroup(
		node.storage,
		node.host,
	)

	return node, nil
}

// Version returns the version.
func (n *Node) Version() string {
	return n.version
}

// Config returns the config.
func (n *Node) Config() *config.Config {
	return n.config
}

// Storage returns the storage.
func (n *Node) Storage() storage.Storage {
	return n.storage
}

// Host returns the host.
func (n *Node) Host() *host.Host {
	return n.host
}
