package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/common-nighthawk/go-figure"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"

	"github.com/fxnlabs/vramtest/fixtures"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	err := newApp(&out).Run(append([]string{"vramtest", "--verbosity", "error"}, args...))
	return out.String(), err
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestRun_Clean(t *testing.T) {
	out, err := run(t, "run", "--no-banner", "--tiers", "KB")
	require.NoError(t, err)
	assert.Contains(t, out, "Result: PASS")
	assert.NotContains(t, out, "Result: FAIL")
}

func TestRun_DefaultCommandPrintsBanner(t *testing.T) {
	path := writeConfig(t, "test:\n  tiers: [KB]\n")
	out, err := run(t, "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Result: PASS")
	assert.Contains(t, out, figure.NewFigure("vramtest", "", true).String())
}

func TestRun_FaultSetsExitCode(t *testing.T) {
	path := writeConfig(t, `
test:
  tiers: [KB]
soft:
  faults:
    - allocation: 4
      offset: 4096
      bit: 3
`)
	out, err := run(t, "--config", path, "run", "--no-banner")
	require.Error(t, err)

	var exit cli.ExitCoder
	require.True(t, errors.As(err, &exit))
	assert.Equal(t, 1, exit.ExitCode())
	assert.Contains(t, out, "Result: FAIL")
}

func TestRun_InvalidTier(t *testing.T) {
	_, err := run(t, "run", "--no-banner", "--tiers", "TB")
	require.Error(t, err)
	var exit cli.ExitCoder
	assert.False(t, errors.As(err, &exit))
}

func TestProbe(t *testing.T) {
	out, err := run(t, "probe")
	require.NoError(t, err)
	assert.Contains(t, out, "cpu-0")
	assert.Contains(t, out, "transfer")
}

func TestInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	out, err := run(t, "init", path)
	require.NoError(t, err)
	assert.Contains(t, out, path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, fixtures.ConfigTemplate, data)

	_, err = run(t, "init", path)
	assert.Error(t, err, "an existing file is only replaced with --force")

	_, err = run(t, "init", "--force", path)
	assert.NoError(t, err)
}
