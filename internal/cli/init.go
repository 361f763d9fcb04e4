package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/attic/internal/paths"
)

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize attic storage",
		Long:  "Create the configuration directory and config.yaml, then create the backend schema.",
		Args:  cobra.NoArgs,
		RunE:  runInit,
	}
}

func runInit(cmd *cobra.Command, args []string) error {
	configDir, err := paths.ResolveConfigDir(flags.configDir)
	if err != nil {
		return &sysError{fmt.Errorf("resolve config dir: %w", err)}
	}
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return &sysError{fmt.Errorf("create config directory: %w", err)}
	}
	configPath := paths.ConfigFile(configDir)
	created, err := writeConfigIfMissing(configPath, flags.dataDir)
	if err != nil {
		return &sysError{fmt.Errorf("write config: %w", err)}
	}

	return withStore(cmd, func(ctx context.Context, e *env) error {
		cfg := e.store.Config()
		if flags.jsonMode {
			return printJSON(e.out, map[string]any{
				"config":         configPath,
				"config_created": created,
				"backend":        cfg.Backend,
				"data_dir":       cfg.DataDir,
			})
		}
		fmt.Fprintf(e.out, "attic initialized (%s backend, data in %s)\n", cfg.Backend, cfg.DataDir)
		return nil
	})
}
