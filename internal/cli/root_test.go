package cli

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "livedoc", cmd.Use)
	assert.Contains(t, cmd.Long, "live JSON documents")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := []string{"run", "create", "apply", "show", "delete", "list", "release", "validate"}

	for _, cmdName := range commands {
		t.Run(cmdName, func(t *testing.T) {
			subCmd, _, err := cmd.Find([]string{cmdName})
			require.NoError(t, err, "Command %s should exist", cmdName)
			require.NotNil(t, subCmd)
			assert.Equal(t, cmdName, subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)

	for _, name := range []string{"db", "spaces", "threads"} {
		assert.NotNil(t, cmd.PersistentFlags().Lookup(name), name)
	}
}

func TestDocumentCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	for _, name := range []string{"create", "apply", "show", "delete", "release"} {
		sub, _, err := cmd.Find([]string{name})
		require.NoError(t, err)
		agent := sub.Flags().Lookup("agent")
		require.NotNil(t, agent, name)
		assert.Equal(t, "cli", agent.DefValue)
		assert.Equal(t, "local", sub.Flags().Lookup("authority").DefValue)
	}
}

func TestInvalidFormat(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--format", "yaml", "validate", t.TempDir()})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

func TestLoadConfigOverrides(t *testing.T) {
	opts := &RootOptions{Database: "/tmp/x.db", SpacesDir: "/tmp/spaces", Threads: 3}
	cfg, err := loadConfig(opts)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/x.db", cfg.Database)
	assert.Equal(t, "/tmp/spaces", cfg.SpacesDir)
	assert.Equal(t, 3, cfg.Threads)

	_, err = loadConfig(&RootOptions{ConfigPath: "/does/not/exist.yaml"})
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
