package main

import (
	"fmt"
	"strings"

	"github.com/common-nighthawk/go-figure"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/fxnlabs/vramtest/internal/report"
	"github.com/fxnlabs/vramtest/internal/runner"
)

func runCommand(st *state) *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Test the configured device and print the report",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "tiers",
				Usage: "Comma separated size tiers, e.g. KB,MB",
			},
			&cli.BoolFlag{
				Name:  "extended",
				Usage: "Also write the alternating bit patterns",
			},
			&cli.StringFlag{
				Name:  "metrics-listen",
				Usage: "Serve /metrics on this address while the test runs",
			},
			&cli.BoolFlag{
				Name:  "no-banner",
				Usage: "Do not print the banner",
			},
		},
		Action: func(c *cli.Context) error {
			if tiers := c.String("tiers"); tiers != "" {
				st.cfg.Test.Tiers = strings.Split(tiers, ",")
			}
			if c.Bool("extended") {
				st.cfg.Test.Patterns = "extended"
			}
			if addr := c.String("metrics-listen"); addr != "" {
				st.cfg.Metrics.Listen = addr
			}
			if err := st.cfg.Validate(); err != nil {
				return err
			}
			if !c.Bool("no-banner") {
				fmt.Fprintln(c.App.Writer, figure.NewFigure("vramtest", "", true).String())
			}

			var rep report.Report
			err := st.withRunner(c, func(r *runner.Runner) error {
				var err error
				rep, err = r.Run(c.Context)
				return err
			})
			if err != nil {
				if rep.Total.Buffers > 0 {
					_ = report.Render(c.App.Writer, rep)
				}
				return errors.Wrap(err, "run")
			}
			if err := report.Render(c.App.Writer, rep); err != nil {
				return err
			}
			st.logger.Debug("report rendered", zap.Int("exit_code", rep.ExitCode()))
			if code := rep.ExitCode(); code != 0 {
				return cli.Exit("", code)
			}
			return nil
		},
	}
}
