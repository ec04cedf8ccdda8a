package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/mycoria/amqplink"
	"github.com/mycoria/amqplink/host"
	"github.com/mycoria/amqplink/message"
	"github.com/mycoria/amqplink/sender"
)

func init() {
	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().IntVar(&sendCount, "count", 1, "number of messages to send")
	sendCmd.Flags().StringVar(&sendBody, "body", "hello", "message body, numbered per message")
	sendCmd.Flags().DurationVar(&sendWait, "wait", 30*time.Second, "max time to wait for the connection")
	sendCmd.Flags().StringVar(&sendConnect, "connect", "", "peer address, overrides node.connect")
}

var (
	sendCmd = &cobra.Command{
		Use:   "send",
		Short: "send messages to the configured peer",
		RunE:  send,
	}

	sendCount   int
	sendBody    string
	sendWait    time.Duration
	sendConnect string
)

func send(cmd *cobra.Command, args []string) error {
	if sendCount < 1 {
		return errors.New("--count must be at least 1")
	}
	c, err := loadConfig()
	if err != nil {
		return err
	}

	// Only connect, never listen when sending.
	store, err := c.Clone()
	if err != nil {
		return fmt.Errorf("failed to copy config: %w", err)
	}
	store.Node.Listen = ""
	if sendConnect != "" {
		store.Node.Connect = sendConnect
	}
	c, err = store.Parse()
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	c.SetDevMode(*devMode)
	if c.ConnectAddr == "" {
		return errors.New("node.connect is required to send")
	}

	node, err := amqplink.New(Version, c)
	if err != nil {
		return fmt.Errorf("failed to initialize node: %w", err)
	}
	if err := node.Start(); err != nil {
		return fmt.Errorf("failed to start node: %w", err)
	}
	defer func() {
		if !node.Stop() {
			slog.Error("failed to stop node")
		}
	}()

	// Wait for the sender to open.
	ctx, cancel := context.WithTimeout(cmd.Context(), sendWait)
	defer cancel()
	if err := node.Host().WaitReady(ctx); err != nil {
		return fmt.Errorf("failed to connect to %s: %w", c.ConnectAddr, err)
	}

	// Queue all messages, then wait for all outcomes.
	started := time.Now()
	outcomes := make([]<-chan host.Outcome, 0, sendCount)
	for i := 0; i < sendCount; i++ {
		body := sendBody
		if sendCount > 1 {
			body += " #" + strconv.Itoa(i+1)
		}
		outcomes = append(outcomes, node.Host().Send(message.NewData([]byte(body))))
	}

	results := make(map[sender.SendResult]int)
	var failed int
	for i, ch := range outcomes {
		o := <-ch
		switch {
		case o.Err != nil:
			failed++
			slog.Warn("failed to send message", "msg", i+1, "err", o.Err)
		case o.Result != sender.SendOK:
			failed++
			slog.Warn("message not accepted", "msg", i+1, "result", o.Result, "state", o.State)
		}
		if o.Err == nil {
			results[o.Result]++
		}
	}

	// CLI output.
	fmt.Printf(
		"sent %d messages to %s in %s: %d ok, %d error, %d timeout, %d cancelled\n",
		sendCount, c.ConnectAddr, time.Since(started).Round(time.Millisecond),
		results[sender.SendOK], results[sender.SendError], results[sender.SendTimeout], results[sender.SendCancelled],
	)
	if failed > 0 {
		return fmt.Errorf("%d of %d messages failed", failed, sendCount)
	}
	return nil
}
