package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/ironsign/config"
	"github.com/jmcleod/ironsign/provider"
	"github.com/jmcleod/ironsign/registry"
)

const probeTimeout = 30 * time.Second

var providersProbe bool

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "List configured signing providers",
	Long: `Builds the provider registry from the configuration file and lists every
registered provider. With --probe each provider's reachability is tested
in parallel.`,
	RunE: runProviders,
}

func init() {
	rootCmd.AddCommand(providersCmd)
	providersCmd.Flags().BoolVar(&providersProbe, "probe", false, "Test connectivity to every provider")
}

func runProviders(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	reg, err := buildRegistry(cfg, logger)
	if err != nil {
		return err
	}

	var reachable map[string]bool
	if providersProbe {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		ctx, cancel := context.WithTimeout(ctx, probeTimeout)
		defer cancel()
		reachable = reg.TestAllConnections(ctx)
	}
	printProviders(cmd.OutOrStdout(), reg.DefaultID(), reg.ListAvailable(), reachable)
	return nil
}

// buildRegistry creates the registry described by cfg. Adapters share the
// process logger.
func buildRegistry(cfg *config.Config, logger *slog.Logger) (*registry.Registry, error) {
	reg, err := registry.FromConfig(cfg.Providers,
		registry.WithLogger(logger),
		registry.WithDefault(cfg.DefaultProvider),
		registry.WithAdapterOptions(provider.WithLogger(logger)),
	)
	if err != nil {
		return nil, fmt.Errorf("building provider registry: %w", err)
	}
	return reg, nil
}

func printProviders(w io.Writer, defaultID string, infos []provider.Info, reachable map[string]bool) {
	if len(infos) == 0 {
		fmt.Fprintln(w, "No providers configured.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	header := "ID\tNAME\tPROTOCOL\tENABLED\tCONFIGURED\tREFRESH\tBATCH"
	if reachable != nil {
		header += "\tREACHABLE"
	}
	fmt.Fprintln(tw, header)
	for _, info := range infos {
		id := info.ID
		if id == defaultID {
			id += " (default)"
		}
		line := fmt.Sprintf("%s\t%s\t%s\t%t\t%t\t%t\t%t", id, info.Name, info.Protocol,
			info.Enabled, info.Configured, info.Capabilities.ExtendedSession, info.Capabilities.Batch)
		if reachable != nil {
			line += fmt.Sprintf("\t%t", reachable[info.ID])
		}
		fmt.Fprintln(tw, line)
	}
	tw.Flush()
}
