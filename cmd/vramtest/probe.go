package main

import (
	"github.com/urfave/cli/v2"

	"github.com/fxnlabs/vramtest/internal/report"
	"github.com/fxnlabs/vramtest/internal/runner"
)

func probeCommand(st *state) *cli.Command {
	return &cli.Command{
		Name:  "probe",
		Usage: "Print the capabilities of the configured device",
		Action: func(c *cli.Context) error {
			st.cfg.Metrics.Listen = ""
			return st.withRunner(c, func(r *runner.Runner) error {
				profile, err := r.Probe()
				if err != nil {
					return err
				}
				return report.RenderProfile(c.App.Writer, profile)
			})
		},
	}
}
