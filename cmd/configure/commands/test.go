package commands

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"

	"github.com/benvon/webglue/internal/config"
	"github.com/benvon/webglue/internal/database"
	"github.com/benvon/webglue/internal/middleware"
	"github.com/benvon/webglue/internal/orm"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// newCorsTestCmd evaluates a request against the table the server would serve,
// static resources merged with stored policies.
func newCorsTestCmd(deps Deps) *cobra.Command {
	var (
		path   string
		origin string
		method string
		header string
	)
	cmd := &cobra.Command{
		Use:   "test",
		Short: "Show the CORS headers a request would receive",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if origin == "" {
				return fmt.Errorf("--origin is required")
			}
			return deps.withExtension(cmd, func(ctx context.Context, cfg *config.Config, ext *orm.Extension) error {
				reloader := middleware.NewCORSReloader(database.NewCorsPolicyRepository(ext.DB()), cfg.CORSResources, zap.NewNop(), 0)
				if err := reloader.Reload(ctx); err != nil {
					return err
				}
				out := cmd.OutOrStdout()

				res, ok := reloader.Handler().Match(path)
				if !ok {
					fmt.Fprintf(out, "No CORS rule matches %s\n", path)
					return nil
				}
				fmt.Fprintf(out, "Rule: %s\n", res.Pattern)

				req := httptest.NewRequest(http.MethodGet, path, nil)
				req.Header.Set("Origin", origin)
				if method != "" {
					req.Method = http.MethodOptions
					req.Header.Set("Access-Control-Request-Method", method)
					if header != "" {
						req.Header.Set("Access-Control-Request-Headers", header)
					}
				}
				w := httptest.NewRecorder()
				reloader.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
					w.WriteHeader(http.StatusOK)
				})).ServeHTTP(w, req)

				fmt.Fprintf(out, "Status: %d\n", w.Code)
				var names []string
				for name := range w.Header() {
					if strings.HasPrefix(name, "Access-Control-") || name == "Vary" {
						names = append(names, name)
					}
				}
				if len(names) == 0 {
					fmt.Fprintln(out, "Origin not allowed: no CORS headers sent")
					return nil
				}
				sort.Strings(names)
				for _, name := range names {
					fmt.Fprintf(out, "%s: %s\n", name, strings.Join(w.Header().Values(name), ", "))
				}
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&path, "path", "/", "Request path")
	f.StringVar(&origin, "origin", "", "Origin header (required)")
	f.StringVar(&method, "method", "", "Send a preflight for this method instead of a GET")
	f.StringVar(&header, "header", "", "Access-Control-Request-Headers value for the preflight")
	return cmd
}
