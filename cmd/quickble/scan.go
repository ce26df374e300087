package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/quickble/internal/gatt"
	"github.com/srg/quickble/internal/role"
	"github.com/srg/quickble/pkg/quickble"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for BLE devices",
	Long: `Scan for Bluetooth Low Energy peripherals and list what was discovered.

With --service only devices advertising one of the given services are kept.
With --watch every discovery is printed as it happens.`,
	Example: `  quickble scan --duration 5s
  quickble scan --service 180D --service 180F --format json`,
	Args: cobra.NoArgs,
	RunE: runScan,
}

var (
	scanDuration time.Duration
	scanFormat   string
	scanServices []string
	scanWatch    bool
)

var scanFormats = []string{"table", "json"}

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 0, "Scan duration (defaults to scan_timeout of the config)")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "table", "Output format (table, json)")
	scanCmd.Flags().StringSliceVarP(&scanServices, "service", "s", nil, "Only keep devices advertising this service UUID (repeatable)")
	scanCmd.Flags().BoolVarP(&scanWatch, "watch", "w", false, "Print devices as they are discovered")
}

func runScan(cmd *cobra.Command, args []string) error {
	if err := validFormat(scanFormat, scanFormats); err != nil {
		return err
	}
	cfg, logger, err := loadSettings(cmd)
	if err != nil {
		return err
	}
	for _, s := range scanServices {
		if _, err := gatt.NormalizeUUID(s); err != nil {
			return fmt.Errorf("invalid service UUID: %w", err)
		}
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	duration := scanDuration
	if duration <= 0 {
		duration = cfg.ScanTimeout
	}
	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	bridge := newBridge(cfg, logger)
	defer bridge.Close()

	if scanWatch {
		out := newEventPrinter(cmd.OutOrStdout(), "text")
		unlisten := bridge.Listen(func(ev quickble.Event) {
			if ev.Kind == quickble.EventDeviceDiscovered {
				out.Print(ev)
			}
		})
		defer unlisten()
	}

	id, err := bridge.CreateClient(quickble.Callbacks{})
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}
	for _, s := range scanServices {
		if err := bridge.ClientScanForService(id, s, true); err != nil {
			return fmt.Errorf("invalid service UUID: %w", err)
		}
	}
	if code := bridge.ClientScanForDevices(id); code != quickble.BtNone {
		return &BluetoothError{Op: "start scan", Code: code}
	}
	logger.WithField("duration", duration).Info("Scanning")

	<-ctx.Done()
	if err := bridge.ClientStopScanning(id); err != nil {
		logger.WithError(err).Warn("Scan did not stop cleanly")
	}

	devices := bridge.ClientDevices(id)
	sortDevices(devices)
	if scanFormat == "json" {
		return displayDevicesJSON(cmd.OutOrStdout(), devices)
	}
	return displayDevicesTable(cmd.OutOrStdout(), devices)
}

// sortDevices orders by signal strength, strongest first, then by address.
func sortDevices(devices []role.PeerInfo) {
	sort.Slice(devices, func(i, j int) bool {
		if devices[i].RSSI != devices[j].RSSI {
			return devices[i].RSSI > devices[j].RSSI
		}
		return devices[i].Address < devices[j].Address
	})
}

func displayDevicesTable(w io.Writer, devices []role.PeerInfo) error {
	if len(devices) == 0 {
		_, err := fmt.Fprintln(w, "No devices discovered")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tADDRESS\tRSSI\tSERVICES")
	for _, d := range devices {
		name := d.Name
		if name == "" {
			name = "-"
		}
		if len(name) > 20 {
			name = name[:17] + "..."
		}
		services := make([]string, len(d.Services))
		for i, s := range d.Services {
			services[i] = gatt.ShortUUID(s)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d dBm\t%s\n", name, d.Address, d.RSSI, strings.Join(services, ","))
	}
	return tw.Flush()
}

type deviceJSON struct {
	Address  string   `json:"address"`
	Name     string   `json:"name,omitempty"`
	RSSI     int      `json:"rssi"`
	Services []string `json:"services"`
}

func displayDevicesJSON(w io.Writer, devices []role.PeerInfo) error {
	list := make([]deviceJSON, len(devices))
	for i, d := range devices {
		services := d.Services
		if services == nil {
			services = []string{}
		}
		list[i] = deviceJSON{Address: d.Address, Name: d.Name, RSSI: d.RSSI, Services: services}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(list)
}
