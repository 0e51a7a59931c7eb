package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/benvon/webglue/internal/config"
	"github.com/benvon/webglue/internal/cors"
	"github.com/benvon/webglue/internal/database"
	"github.com/benvon/webglue/internal/orm"
	"github.com/spf13/cobra"
)

func newCorsCmd(deps Deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cors",
		Short: "Manage stored CORS policies",
		Long:  "List, set, delete and try out the CORS policies stored in the database. Stored policies override static ones with the same pattern.",
	}
	cmd.AddCommand(newCorsListCmd(deps))
	cmd.AddCommand(newCorsSetCmd(deps))
	cmd.AddCommand(newCorsDeleteCmd(deps))
	cmd.AddCommand(newCorsTestCmd(deps))
	return cmd
}

func newCorsListCmd(deps Deps) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored CORS policies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return deps.withExtension(cmd, func(ctx context.Context, _ *config.Config, ext *orm.Extension) error {
				resources, err := database.NewCorsPolicyRepository(ext.DB()).Resources(ctx)
				if err != nil {
					return fmt.Errorf("list cors policies: %w", err)
				}
				out := cmd.OutOrStdout()
				if len(resources) == 0 {
					fmt.Fprintln(out, "No CORS policies stored. Use 'cors set' to add one.")
					return nil
				}
				fmt.Fprintln(out, "Stored CORS policies:")
				for _, res := range resources {
					printResource(cmd, res)
				}
				return nil
			})
		},
	}
}

func printResource(cmd *cobra.Command, res cors.Resource) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "  - Pattern: %s\n", res.Pattern)
	fmt.Fprintf(out, "    Origins: %s\n", listOrDefault(res.Origins))
	fmt.Fprintf(out, "    Methods: %s\n", listOrDefault(res.Methods))
	fmt.Fprintf(out, "    Allow headers: %s\n", listOrDefault(res.AllowHeaders))
	if len(res.ExposeHeaders) > 0 {
		fmt.Fprintf(out, "    Expose headers: %s\n", strings.Join(res.ExposeHeaders, ", "))
	}
	fmt.Fprintf(out, "    Credentials: %v\n", res.SupportsCredentials)
	if res.MaxAge > 0 {
		fmt.Fprintf(out, "    Max-Age: %d\n", res.MaxAge)
	}
}

func listOrDefault(v []string) string {
	if len(v) == 0 {
		return "(default)"
	}
	return strings.Join(v, ", ")
}

func newCorsSetCmd(deps Deps) *cobra.Command {
	var (
		res             cors.Resource
		origins         string
		methods         string
		allowHeaders    string
		exposeHeaders   string
		noVary          bool
		noAutomaticOpts bool
	)
	cmd := &cobra.Command{
		Use:   "set PATTERN",
		Short: "Create or replace the stored policy for a path pattern",
		Long: "Create or replace the stored policy for PATTERN, a regular expression matched from the start " +
			"of the request path (\"/api/*\" covers everything below /api, \"*\" covers every path). " +
			"List flags take comma-separated values; omitted lists use the defaults.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res.Pattern = strings.TrimSpace(args[0])
			res.Origins = database.SplitList(origins)
			res.Methods = database.SplitList(methods)
			res.AllowHeaders = database.SplitList(allowHeaders)
			res.ExposeHeaders = database.SplitList(exposeHeaders)
			if noVary {
				res.VaryHeader = boolPtr(false)
			}
			if noAutomaticOpts {
				res.AutomaticOptions = boolPtr(false)
			}
			if _, err := cors.New([]cors.Resource{res}); err != nil {
				return err
			}

			return deps.withExtension(cmd, func(ctx context.Context, _ *config.Config, ext *orm.Extension) error {
				if err := database.NewCorsPolicyRepository(ext.DB()).Set(ctx, database.FromResource(res)); err != nil {
					return fmt.Errorf("set cors policy: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "CORS policy for %s stored.\n", res.Pattern)
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&origins, "origins", "", "Comma-separated allowed origins; \"*\" allows any")
	f.StringVar(&methods, "methods", "", "Comma-separated allowed methods")
	f.StringVar(&allowHeaders, "allow-headers", "", "Comma-separated allowed request headers")
	f.StringVar(&exposeHeaders, "expose-headers", "", "Comma-separated headers exposed to the browser")
	f.BoolVar(&res.SupportsCredentials, "allow-credentials", false, "Send Access-Control-Allow-Credentials")
	f.IntVar(&res.MaxAge, "max-age", 0, "Access-Control-Max-Age in seconds, 0 omits the header")
	f.BoolVar(&res.SendWildcard, "send-wildcard", false, "Answer \"*\" instead of echoing the origin when any origin is allowed")
	f.BoolVar(&noVary, "no-vary", false, "Do not add Vary: Origin")
	f.BoolVar(&noAutomaticOpts, "no-automatic-options", false, "Pass preflight requests on to the application")
	return cmd
}

func newCorsDeleteCmd(deps Deps) *cobra.Command {
	return &cobra.Command{
		Use:   "delete PATTERN",
		Short: "Delete the stored policy for a path pattern",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pattern := strings.TrimSpace(args[0])
			return deps.withExtension(cmd, func(ctx context.Context, _ *config.Config, ext *orm.Extension) error {
				if err := database.NewCorsPolicyRepository(ext.DB()).Delete(ctx, pattern); err != nil {
					return fmt.Errorf("delete cors policy %q: %w", pattern, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "CORS policy for %s deleted.\n", pattern)
				return nil
			})
		},
	}
}

func boolPtr(v bool) *bool {
	return &v
}
