package main

import (
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/fxnlabs/vramtest/internal/config"
	"github.com/fxnlabs/vramtest/internal/logger"
	"github.com/fxnlabs/vramtest/internal/runner"
)

// exitError is the status for failures that prevented a verdict.
const exitError = 3

// state is filled in by Before and shared by every command.
type state struct {
	configPath string
	verbosity  string
	cfg        *config.Config
	logger     *zap.Logger
}

func newApp(out io.Writer) *cli.App {
	st := &state{}
	return &cli.App{
		Name:      "vramtest",
		Usage:     "Write known patterns to accelerator memory and verify them",
		Writer:    out,
		ErrWriter: os.Stderr,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "Path to the config file, defaults are used when empty",
				EnvVars:     []string{"VRAMTEST_CONFIG"},
				Destination: &st.configPath,
			},
			&cli.StringFlag{
				Name:        "verbosity",
				Usage:       "Log level, overrides logger.verbosity",
				Destination: &st.verbosity,
			},
		},
		Before: st.load,
		Commands: []*cli.Command{
			runCommand(st),
			probeCommand(st),
			initCommand(),
		},
		DefaultCommand: "run",
		// Exit codes are handled by main so the app can run inside tests.
		ExitErrHandler: func(*cli.Context, error) {},
	}
}

func (st *state) load(c *cli.Context) error {
	if c.Args().First() == "init" {
		return nil
	}
	var err error
	if st.configPath != "" {
		st.cfg, err = config.LoadConfig(st.configPath)
		if err != nil {
			return err
		}
	} else {
		st.cfg = config.Default()
	}
	if st.verbosity != "" {
		st.cfg.Logger.Verbosity = st.verbosity
	}
	st.logger, err = logger.New(st.cfg.Logger.Verbosity, st.cfg.Logger.Encoding)
	return err
}

// withRunner builds the app graph, starts it, hands the runner to fn and
// stops the graph again.
func (st *state) withRunner(c *cli.Context, fn func(*runner.Runner) error) (err error) {
	var r *runner.Runner
	app := fx.New(
		fx.Supply(st.cfg, st.logger),
		runner.Module,
		fx.Populate(&r),
		fx.NopLogger,
	)
	if err := app.Start(c.Context); err != nil {
		return errors.Wrap(err, "start")
	}
	defer func() {
		if stopErr := app.Stop(c.Context); stopErr != nil && err == nil {
			err = errors.Wrap(stopErr, "stop")
		}
	}()
	return fn(r)
}

func main() {
	app := newApp(os.Stdout)
	err := app.Run(os.Args)
	if err == nil {
		return
	}
	var exit cli.ExitCoder
	if errors.As(err, &exit) {
		if msg := exit.Error(); msg != "" {
			fmt.Fprintln(os.Stderr, msg)
		}
		os.Exit(exit.ExitCode())
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(exitError)
}
