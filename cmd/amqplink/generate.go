package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v2"

	"github.com/mycoria/amqplink/config"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(generateCmd)
}

var (
	configCmd = &cobra.Command{
		Use:   "config",
		Short: "config tools",
	}

	generateCmd = &cobra.Command{
		Use:   "generate",
		Short: "print a default config",
		Args:  cobra.NoArgs,
		RunE:  generate,
	}
)

func generate(cmd *cobra.Command, args []string) error {
	// Output default config.
	c := makeDefaultConfig()
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	fmt.Println(string(data)) // CLI output.
	return nil
}

func makeDefaultConfig() config.Store {
	// Find storage path.
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = os.TempDir()
	}
	_ = os.Mkdir(filepath.Join(homeDir, ".amqplink"), 0o0750)
	storagePath := filepath.Join(homeDir, ".amqplink", "messages.json")

	// Use host name as container ID.
	containerID, err := os.Hostname()
	if err != nil {
		containerID = ""
	}

	return config.Store{
		Node: config.Node{
			Listen:  fmt.Sprintf(":%d", config.DefaultPortNumber),
			Address: config.DefaultAddress,
			Hash:    "BLAKE3",
		},
		Link: config.Link{
			MaxLinkCredit: config.DefaultMaxLinkCredit,
			SettleMode:    "unsettled",
			SendTimeout:   config.DefaultSendTimeout.String(),
		},
		Session: config.Session{
			ContainerID:    containerID,
			MaxFrameSize:   config.DefaultMaxFrameSize,
			OutgoingWindow: config.DefaultOutgoingWindow,
		},
		System: config.System{
			StoragePath:     storagePath,
			StorageKeep:     config.DefaultStorageKeep,
			DoWorkInterval:  config.DefaultDoWorkInterval.String(),
			PersistInterval: config.DefaultPersistInterval.String(),
		},
	}
}
