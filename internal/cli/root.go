// Package cli implements the stampede command line.
package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stampede-load/stampede/internal/logging"
)

var version = "0.1.0"

// Exit codes.
const (
	ExitOK               = 0
	ExitError            = 1
	ExitThresholdsFailed = 99
	ExitConfigError      = 104
	ExitInterrupted      = 105
	ExitAborted          = 108
)

// ExitCodeError carries a process exit code up to Execute. A nil Err means
// the outcome was already reported and nothing more is printed.
type ExitCodeError struct {
	Code int
	Err  error
}

func (e *ExitCodeError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitCodeError) Unwrap() error {
	return e.Err
}

func exitWith(code int, err error) error {
	return &ExitCodeError{Code: code, Err: err}
}

// app holds state shared by all commands of one invocation.
type app struct {
	v      *viper.Viper
	logger *logrus.Logger
	stdout io.Writer
	stderr io.Writer

	cfgFile string
}

// NewRootCmd builds the command tree. Output goes to stdout and stderr.
func NewRootCmd(stdout, stderr io.Writer) *cobra.Command {
	a := &app{
		v:      viper.New(),
		stdout: stdout,
		stderr: stderr,
	}

	root := &cobra.Command{
		Use:     "stampede",
		Short:   "Virtual-user load testing for HTTP services",
		Version: version,
		Long: `Stampede runs load tests described in YAML or JSON scenario files.

Virtual users loop over each scenario's requests while a ramping schedule
moves the VU count between stage targets. Samples feed counters, rates,
trends and gauges; thresholds such as "p(95)<500" decide the exit code.

  stampede run examples/basic.yaml
  BASE_URL=https://staging.example.com stampede run examples/spike.yaml
  stampede run --url http://localhost:8080/api/users --stages "30s:10,1m:10,30s:0"`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	pf := root.PersistentFlags()
	pf.StringVar(&a.cfgFile, "config", "", "defaults file (default is $HOME/.stampede.yaml)")
	pf.String("log-level", "warn", "log level: debug, info, warn, error")
	pf.String("log-format", logging.FormatText, "log format: text or json")

	root.AddCommand(
		a.newRunCmd(),
		a.newValidateCmd(),
		a.newMockCmd(),
		a.newHistoryCmd(),
	)
	return root
}

// setup loads the optional defaults file and environment, then builds the
// logger.
func (a *app) setup(cmd *cobra.Command) error {
	a.v.SetEnvPrefix("STAMPEDE")
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()
	_ = a.v.BindEnv("base-url", "BASE_URL", "STAMPEDE_BASE_URL")

	// Only the executing command's flags are bound, so commands may reuse
	// flag names.
	if err := a.v.BindPFlags(cmd.Flags()); err != nil {
		return exitWith(ExitError, err)
	}

	if a.cfgFile != "" {
		a.v.SetConfigFile(a.cfgFile)
		if err := a.v.ReadInConfig(); err != nil {
			return exitWith(ExitConfigError, fmt.Errorf("read %s: %w", a.cfgFile, err))
		}
	} else if home, err := os.UserHomeDir(); err == nil {
		a.v.AddConfigPath(home)
		a.v.SetConfigType("yaml")
		a.v.SetConfigName(".stampede")
		var notFound viper.ConfigFileNotFoundError
		if err := a.v.ReadInConfig(); err != nil && !errors.As(err, &notFound) {
			return exitWith(ExitConfigError, err)
		}
	}

	logger, err := logging.New(logging.Config{
		Level:  a.v.GetString("log-level"),
		Format: a.v.GetString("log-format"),
		Output: a.stderr,
	})
	if err != nil {
		return exitWith(ExitConfigError, err)
	}
	a.logger = logger
	if used := a.v.ConfigFileUsed(); used != "" {
		logger.WithField("file", used).Debug("loaded defaults")
	}
	return nil
}

// Execute runs the CLI with os.Args and returns the process exit code.
func Execute() int {
	return run(os.Args[1:], os.Stdout, os.Stderr)
}

func run(args []string, stdout, stderr io.Writer) int {
	root := NewRootCmd(stdout, stderr)
	root.SetArgs(args)
	err := root.Execute()
	if err == nil {
		return ExitOK
	}

	var ee *ExitCodeError
	if errors.As(err, &ee) {
		if ee.Err != nil {
			fmt.Fprintln(stderr, "Error:", ee.Err)
		}
		return ee.Code
	}
	fmt.Fprintln(stderr, "Error:", err)
	return ExitError
}
