package cmd

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// execute runs the root command with args and returns its combined output.
// Flag values are reset afterwards because the commands are package globals.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := GetRootCmd()
	if args == nil {
		args = []string{}
	}

	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetErr(&buf)
	root.SetArgs(args)
	t.Cleanup(func() {
		resetFlags(root)
		root.SetArgs(nil)
		root.SetOut(nil)
		root.SetErr(nil)
	})

	err := root.Execute()
	return buf.String(), err
}

func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	c.Flags().VisitAll(reset)
	c.PersistentFlags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

func TestRootCmd_Help(t *testing.T) {
	out, err := execute(t)
	require.NoError(t, err)

	for _, want := range []string{"Steward turns raw operational signals", "Usage:", "Available Commands:", "serve", "migrate", "rules", "version"} {
		assert.Contains(t, out, want)
	}
}

func TestRootCmd_PersistentFlags(t *testing.T) {
	for _, name := range []string{"config", "log-level"} {
		flag := GetRootCmd().PersistentFlags().Lookup(name)
		require.NotNil(t, flag, name)
		assert.Empty(t, flag.DefValue)
	}
}

func TestRootCmd_UnknownCommand(t *testing.T) {
	_, err := execute(t, "escalate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown command")
}

func TestNewLogger_LogLevelOverride(t *testing.T) {
	t.Setenv("STEWARD_ENV", "production")

	cmd := &cobra.Command{}
	cmd.Flags().String("log-level", "", "")
	logger, err := newLogger(cmd)
	require.NoError(t, err)
	assert.Equal(t, slog.LevelInfo, logger.GetConfig().Level)

	require.NoError(t, cmd.Flags().Set("log-level", "debug"))
	logger, err = newLogger(cmd)
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, logger.GetConfig().Level)

	require.NoError(t, cmd.Flags().Set("log-level", "loud"))
	_, err = newLogger(cmd)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "--log-level"))
}

func TestLoadConfig_MissingFile(t *testing.T) {
	cmd := &cobra.Command{}
	cmd.Flags().String("config", "/nonexistent/steward.yaml", "")
	_, err := loadConfig(cmd)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load configuration")
}
