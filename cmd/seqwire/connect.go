package main

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/seqwire/seqwire/hub"
	"github.com/seqwire/seqwire/mgr"
)

func init() {
	connectCmd.Flags().BoolVar(&noResume, "no-resume", false, "do not resume the connection on timeouts")
	rootCmd.AddCommand(connectCmd)
}

var (
	connectCmd = &cobra.Command{
		Use:   "connect <endpoint>",
		Short: "connect to a hub and exchange messages from stdin",
		Args:  cobra.ExactArgs(1),
		RunE:  connect,
	}

	noResume bool
)

func connect(cmd *cobra.Command, args []string) error {
	logOutput := os.Stderr
	slog.SetDefault(slog.New(
		tint.NewHandler(logOutput, &tint.Options{
			Level:      parseLogLevel(*logLevel),
			TimeFormat: time.DateTime,
			NoColor:    !isatty.IsTerminal(logOutput.Fd()),
		}),
	))

	client, err := hub.Connect(cmd.Context(), args[0], hub.ClientOptions{
		AutoResume: !noResume,
	})
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer client.Close()
	slog.Info("connected", "endpoint", args[0], "id", client.ID())

	// Print received messages.
	client.Messages().AddCallback("print", func(w *mgr.WorkerCtx, payload []byte) (cancel bool, err error) {
		fmt.Printf("<< %s\n", payload) // CLI output.
		return false, nil
	})

	// Send stdin lines until the input or the connection ends.
	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	disposed := client.Link().Disposed().Subscribe("connect cmd", 1)
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := client.Send([]byte(line)); err != nil {
				return fmt.Errorf("failed to send: %w", err)
			}
		case <-disposed.Events():
			return fmt.Errorf("connection closed")
		case <-cmd.Context().Done():
			return nil
		}
	}
}
