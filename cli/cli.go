package cli

import (
	"fmt"
	"strings"

	"github.com/dimiro1/banner"
	"github.com/mattn/go-colorable"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"harrier/config"
)

const bannerText = `
{{ .Title "harrier" "" 0 }}
{{ .AnsiColor.BrightCyan }}distributed job sharding coordinator{{ .AnsiReset }}
`

// PluginLoader registers the filters and executors found in dir.
type PluginLoader func(dir string, logger logrus.FieldLogger) error

var configFile string

func BuildCLI(version string, loader PluginLoader) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "harrier",
		Short: "harrier: distributed job sharding and failover coordinator",
		Long: `harrier keeps job shards assigned to live executor instances:
- registry-backed job definitions and instance records
- resharding and failover driven by registry changes
- a REST surface for the operations console`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "harrier.yaml", "config file path")

	rootCmd.AddCommand(buildServeCommand(loader))
	rootCmd.AddCommand(buildAgentCommand(version, loader))
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	})
	return rootCmd
}

func setup(loader PluginLoader) (*config.Config, *logrus.Logger, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger := cfg.Logger()
	if loader != nil && cfg.PluginsDir != "" {
		if err := loader(cfg.PluginsDir, logger); err != nil {
			return nil, nil, fmt.Errorf("failed to load plugins: %w", err)
		}
	}
	return cfg, logger, nil
}

func buildServeCommand(loader PluginLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the REST API and a coordinator",
		RunE: func(cmd *cobra.Command, args []string) error {
			banner.Init(colorable.NewColorableStdout(), true, true, strings.NewReader(bannerText))
			cfg, logger, err := setup(loader)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, logger)
		},
	}
}

func buildAgentCommand(version string, loader PluginLoader) *cobra.Command {
	var (
		jobs       []string
		ip         string
		coordinate bool
	)
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run an executor instance for the given jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(loader)
			if err != nil {
				return err
			}
			if len(jobs) > 0 {
				cfg.Agent.Jobs = jobs
			}
			if ip != "" {
				cfg.Agent.IP = ip
			}
			if cmd.Flags().Changed("coordinate") {
				cfg.Agent.Coordinate = coordinate
			}
			if len(cfg.Agent.Jobs) == 0 {
				return fmt.Errorf("at least one job is required (use --job)")
			}
			return runAgent(cmd.Context(), cfg, version, logger)
		},
	}
	cmd.Flags().StringSliceVarP(&jobs, "job", "j", nil, "job served by this instance, repeatable")
	cmd.Flags().StringVar(&ip, "ip", "", "ip reported in the instance records")
	cmd.Flags().BoolVar(&coordinate, "coordinate", false, "also run a coordinator in this process")
	return cmd
}
