package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime/pprof"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mycoria/amqplink"
	"github.com/mycoria/amqplink/m"
	"github.com/mycoria/amqplink/mgr"
	"github.com/mycoria/amqplink/storage"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var (
	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "accept links and store received messages",
		RunE:  serve,
	}

	sigUSR1 = syscall.Signal(0xa)
)

func serve(cmd *cobra.Command, args []string) error {
	c, err := loadConfig()
	if err != nil {
		return err
	}
	if c.ListenAddr == "" {
		return errors.New("node.listen is required to serve")
	}

	// Setup up everything.
	node, err := amqplink.New(Version, c)
	if err != nil {
		return fmt.Errorf("failed to initialize node: %w", err)
	}
	node.Host().MessageEvents.AddCallback("log stored message", func(w *mgr.WorkerCtx, sm *storage.StoredMessage) (bool, error) {
		w.Info(
			"message stored",
			"id", sm.ID,
			"link", m.SafeString(sm.Link),
			"delivery", sm.DeliveryID,
			"size", len(sm.Payload),
		)
		return false, nil
	})

	// Finalize and start all workers.
	err = node.Start()
	if err != nil {
		return fmt.Errorf("failed to start node: %w", err)
	}

	// Wait for signal.
	signalCh := make(chan os.Signal, 1)
	signal.Notify(
		signalCh,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT,
		sigUSR1,
	)

signalLoop:
	for {
		select {
		case sig := <-signalCh:
			// Only print and continue to wait if SIGUSR1
			if sig == sigUSR1 {
				printStackTo(os.Stderr, "PRINTING STACK ON REQUEST")
				logLinkStatus(node)
				continue signalLoop
			}

			fmt.Println(" <INTERRUPT>") // CLI output.
			slog.Warn("program was interrupted, stopping")

			// catch signals during shutdown
			go func() {
				forceCnt := 5
				for {
					<-signalCh
					forceCnt--
					if forceCnt > 0 {
						fmt.Printf(" <INTERRUPT> again, but already shutting down - %d more to force\n", forceCnt)
					} else {
						printStackTo(os.Stderr, "PRINTING STACK ON FORCED EXIT")
						os.Exit(1)
					}
				}
			}()

			go func() {
				time.Sleep(3 * time.Minute)
				printStackTo(os.Stderr, "PRINTING STACK - TAKING TOO LONG FOR SHUTDOWN")
				os.Exit(1)
			}()

			if !node.Stop() {
				slog.Error("failed to stop node")
				os.Exit(1)
			}
			break signalLoop

		case <-node.Done():
			break signalLoop
		}
	}

	return nil
}

func logLinkStatus(node *amqplink.Node) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	list, err := node.Host().LinkStatus(ctx)
	if err != nil {
		slog.Error("failed to get link status", "err", err)
		return
	}
	for _, status := range list {
		slog.Info(
			"link status",
			"link", m.SafeString(status.Name),
			"role", status.Role,
			"state", status.State,
			"credit", status.LinkCredit,
			"pending", status.PendingDeliveries,
		)
	}
}

func printStackTo(writer io.Writer, msg string) {
	_, err := fmt.Fprintf(writer, "===== %s =====\n", msg)
	if err == nil {
		err = pprof.Lookup("goroutine").WriteTo(writer, 1)
	}
	if err != nil {
		slog.Error("failed to write stack trace", "err", err)
	}
}
