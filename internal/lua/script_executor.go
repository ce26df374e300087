package lua

import (
	"context"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"github.com/srg/quickble/pkg/quickble"
)

// ExecuteScript runs script in a fresh Host on bridge, streaming its output to stdout
// and stderr while it runs. Roles created by the script are destroyed before returning.
func ExecuteScript(
	ctx context.Context,
	bridge *quickble.Bridge,
	logger *logrus.Logger,
	name, script string,
	args map[string]string,
	opts HostOptions,
	stdout, stderr io.Writer,
) error {
	host := NewHost(bridge, logger, opts)
	drainer := NewOutputDrainer(ctx, host.Output(), logger, stdout, stderr)

	logger.WithFields(logrus.Fields{
		"script":      name,
		"script_size": len(script),
	}).Debug("Starting Lua script execution")

	err := host.Run(ctx, name, script, args)
	host.Close()

	drainer.Cancel()
	drainer.Wait()

	if err != nil {
		return fmt.Errorf("failed to execute script: %w", err)
	}
	logger.WithField("script", name).Debug("Lua script execution completed")
	return nil
}
