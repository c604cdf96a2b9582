package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/stampede-load/stampede/internal/mockserver"
)

func (a *app) newMockCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mock",
		Short: "Serve the sample application used by the bundled scenarios",
		Long: `Mock serves a small users API with simulated latency, error endpoints,
static assets and Prometheus metrics on /metrics.

  stampede mock --addr :8000
  BASE_URL=http://localhost:8000 stampede run examples/basic.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := mockserver.DefaultConfig()
			cfg.LatencyScale = a.v.GetFloat64("latency-scale")
			cfg.Environment = a.v.GetString("environment")
			cfg.Logger = a.logger

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := mockserver.New(cfg).ListenAndServe(ctx, a.v.GetString("addr")); err != nil {
				return exitWith(ExitError, err)
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.String("addr", ":8000", "listen address")
	f.Float64("latency-scale", 1, "multiplier for simulated latency, 0 disables it")
	f.String("environment", "development", "environment reported by / and app_info")
	return cmd
}
