package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	bundled "github.com/srg/quickble"
	"github.com/srg/quickble/internal/lua"
)

var runCmd = &cobra.Command{
	Use:   "run [script.lua]",
	Short: "Run a Lua script against the BLE API",
	Long: `Run a Lua script with the global quickble table: quickble.server() and
quickble.client() create roles, handlers registered with on() receive their
events while the script waits in quickble.run(seconds).

Script arguments are passed with --arg name=value and read from the global arg
table. Without a script the bundled heart rate monitor simulation runs.`,
	Example: `  quickble run
  quickble run monitor.lua --arg device=C0:FF:EE:00:00:01`,
	Args: cobra.MaximumNArgs(1),
	RunE: runScript,
}

var runArgs map[string]string

func init() {
	runCmd.Flags().StringToStringVarP(&runArgs, "arg", "a", nil, "Script argument as name=value (repeatable)")
}

func runScript(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadSettings(cmd)
	if err != nil {
		return err
	}

	name, script := "heart_rate.lua", bundled.HeartRateScript
	if len(args) == 1 {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read script: %w", err)
		}
		name, script = args[0], string(data)
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bridge := newBridge(cfg, logger)
	defer bridge.Close()

	return lua.ExecuteScript(ctx, bridge, logger, name, script, runArgs,
		lua.HostOptions{EventBuffer: cfg.EventBuffer},
		cmd.OutOrStdout(), cmd.ErrOrStderr())
}
