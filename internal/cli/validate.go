package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/stampede-load/stampede/internal/loadtest/config"
	"github.com/stampede-load/stampede/internal/loadtest/engine"
)

func (a *app) newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>...",
		Short: "Check scenario files without running them",
		Long: `Validate parses each file, checks every scenario, metric and threshold,
and prints what would run. It exits with 104 if any file is invalid.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			failed := 0
			for _, path := range args {
				if err := a.validateFile(path); err != nil {
					failed++
					fmt.Fprintf(a.stdout, "✗ %s\n", path)
					for _, line := range strings.Split(err.Error(), "\n") {
						if line = strings.TrimSpace(line); line != "" {
							fmt.Fprintf(a.stdout, "    %s\n", line)
						}
					}
				}
			}
			if failed > 0 {
				return exitWith(ExitConfigError, fmt.Errorf("%d of %d files invalid", failed, len(args)))
			}
			return nil
		},
	}
}

func (a *app) validateFile(path string) error {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return err
	}
	eng, err := engine.NewEngine(cfg, engine.Options{Logger: a.logger})
	if err != nil {
		return err
	}

	fmt.Fprintf(a.stdout, "✓ %s: %s\n", path, cfg.Name)
	for _, r := range eng.Runners() {
		d, _ := config.ScenarioDuration(cfg.Scenarios[r.Name])
		fmt.Fprintf(a.stdout, "    %-20s %-13s max %d VUs over %s, requests: %s\n",
			r.Name, r.Executor.Type(), r.Executor.MaxVUs(), d,
			strings.Join(r.Scenario.RequestNames(), ", "))
	}
	if n := len(cfg.Thresholds); n > 0 {
		fmt.Fprintf(a.stdout, "    %d threshold keys\n", n)
	}
	return nil
}
