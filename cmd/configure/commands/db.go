package commands

import (
	"context"
	"fmt"
	"sort"

	"github.com/benvon/webglue/internal/config"
	"github.com/benvon/webglue/internal/models"
	"github.com/benvon/webglue/internal/orm"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newDBCmd(deps Deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Inspect and migrate the configured database engines",
	}
	cmd.AddCommand(newDBPingCmd(deps))
	cmd.AddCommand(newDBMigrateCmd(deps))
	cmd.AddCommand(newDBOptionsCmd(deps))
	return cmd
}

func newDBPingCmd(deps Deps) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Ping every engine and print its pool statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return deps.withExtension(cmd, func(ctx context.Context, _ *config.Config, ext *orm.Extension) error {
				if err := ext.Ping(ctx); err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				stats := ext.Stats()
				names := make([]string, 0, len(stats))
				for name := range stats {
					names = append(names, name)
				}
				sort.Strings(names)
				for _, name := range names {
					s := stats[name]
					fmt.Fprintf(out, "%s: ok (max_open=%d open=%d in_use=%d idle=%d)\n",
						name, s.MaxOpenConnections, s.OpenConnections, s.InUse, s.Idle)
				}
				return nil
			})
		},
	}
}

func newDBMigrateCmd(deps Deps) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the cors_policies table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return deps.withExtension(cmd, func(_ context.Context, _ *config.Config, ext *orm.Extension) error {
				if err := ext.AutoMigrate(&models.CorsPolicy{}); err != nil {
					return fmt.Errorf("migrate: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Migration complete.")
				return nil
			})
		},
	}
}

// newDBOptionsCmd prints the settings handed to the engine factory without connecting.
func newDBOptionsCmd(deps Deps) *cobra.Command {
	return &cobra.Command{
		Use:   "options",
		Short: "Print the resolved engine options and binds",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := deps.LoadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			binds := make(map[string]string, len(cfg.DatabaseBinds))
			for name := range cfg.DatabaseBinds {
				binds[name] = "(set)"
			}
			doc := map[string]any{
				"engine_options":     map[string]any(cfg.DatabaseEngineOptions),
				"binds":              binds,
				"commit_on_teardown": cfg.DatabaseCommitOnTeardown,
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(doc); err != nil {
				return fmt.Errorf("encode options: %w", err)
			}
			return enc.Close()
		},
	}
}
