// Package commands implements the webglue-configure CLI.
package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/benvon/webglue/internal/config"
	"github.com/benvon/webglue/internal/orm"
	"github.com/spf13/cobra"
)

const connectTimeout = 30 * time.Second

// Deps are the configuration and database hooks the commands run against.
type Deps struct {
	LoadConfig func() (*config.Config, error)
	// Connect returns an initialized extension and the function that releases it.
	Connect func(ctx context.Context, cfg *config.Config) (*orm.Extension, func() error, error)
}

// DefaultDeps reads the environment and connects the configured engines.
func DefaultDeps() Deps {
	return Deps{
		LoadConfig: config.Load,
		Connect: func(ctx context.Context, cfg *config.Config) (*orm.Extension, func() error, error) {
			ext := orm.New(cfg.ORM())
			if err := ext.Init(ctx); err != nil {
				return nil, nil, err
			}
			return ext, ext.Close, nil
		},
	}
}

// NewRootCmd assembles the CLI.
func NewRootCmd(deps Deps) *cobra.Command {
	root := &cobra.Command{
		Use:           "webglue-configure",
		Short:         "Configuration tool for webglue",
		Long:          "Manage stored CORS policies and inspect the database engines webglue connects to.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newCorsCmd(deps))
	root.AddCommand(newDBCmd(deps))
	return root
}

// withExtension loads the configuration, connects and runs fn.
func (d Deps) withExtension(cmd *cobra.Command, fn func(ctx context.Context, cfg *config.Config, ext *orm.Extension) error) error {
	cfg, err := d.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), connectTimeout)
	defer cancel()

	ext, release, err := d.Connect(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer func() {
		if err := release(); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "Warning: failed to close database: %v\n", err)
		}
	}()
	return fn(cmd.Context(), cfg, ext)
}
