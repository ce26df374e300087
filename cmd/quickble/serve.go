package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	bundled "github.com/srg/quickble"
	"github.com/srg/quickble/internal/profile"
	"github.com/srg/quickble/pkg/quickble"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve a GATT profile",
	Long: `Declare the services of a YAML profile on a server role, start it and print
what connected peers do until interrupted.

Without --profile the bundled heart rate monitor profile is served.`,
	Example: `  quickble serve --profile heart_rate.yaml
  quickble serve --duration 30s --format wire > events.bin`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var (
	serveProfile  string
	serveDuration time.Duration
	serveFormat   string
)

func init() {
	serveCmd.Flags().StringVarP(&serveProfile, "profile", "p", "", "YAML profile to serve")
	serveCmd.Flags().DurationVarP(&serveDuration, "duration", "d", 0, "Stop serving after this long (0 for indefinite)")
	serveCmd.Flags().StringVarP(&serveFormat, "format", "f", "text", "Event output format (text, wire)")
}

func loadProfile(path string) (*profile.Profile, error) {
	if path == "" {
		return profile.Parse(bundled.HeartRateProfile)
	}
	return profile.Load(path)
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := validFormat(serveFormat, outputFormats); err != nil {
		return err
	}
	cfg, logger, err := loadSettings(cmd)
	if err != nil {
		return err
	}
	p, err := loadProfile(serveProfile)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if serveDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, serveDuration)
		defer cancel()
	}

	bridge := newBridge(cfg, logger)
	defer bridge.Close()

	out := newEventPrinter(cmd.OutOrStdout(), serveFormat)
	unlisten := bridge.Listen(out.Print)
	defer unlisten()

	id, err := bridge.CreateServer(quickble.Callbacks{})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	if err := profile.Apply(bridge, id, p, logger); err != nil {
		return fmt.Errorf("failed to declare profile: %w", err)
	}
	if code := bridge.ServerStartServer(id); code != quickble.BtNone {
		return &BluetoothError{Op: "start server", Code: code}
	}

	opts, _ := bridge.ServerOptions(id)
	out.Infof("Serving %d service(s) as %q, press Ctrl+C to stop", len(bridge.ServerServices(id)), opts.DeviceName)

	<-ctx.Done()
	if err := bridge.ServerStopServer(id); err != nil {
		logger.WithError(err).Warn("Server did not stop cleanly")
	}
	out.Infof("Server stopped")
	return out.Err()
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
