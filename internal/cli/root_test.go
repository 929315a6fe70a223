package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "invsync", cmd.Use)
	assert.Contains(t, cmd.Short, "offline-first")
	assert.Contains(t, cmd.Long, "SQLite queue")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := []string{
		"enqueue", "sync", "run", "status", "inspect", "reset", "discard",
		"conflicts", "export", "import", "policy", "devserver", "scenario",
	}

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

	envFlag := cmd.PersistentFlags().Lookup("env-file")
	require.NotNil(t, envFlag)
	assert.Equal(t, ".env", envFlag.DefValue)

	dbFlag := cmd.PersistentFlags().Lookup("db")
	require.NotNil(t, dbFlag)
	assert.Equal(t, "", dbFlag.DefValue)
}

func TestSubcommandFlags(t *testing.T) {
	tests := []struct {
		command string
		flag    string
		def     string
	}{
		{"enqueue", "payload-file", ""},
		{"enqueue", "manual-merge", "false"},
		{"sync", "timeout", "0s"},
		{"run", "metrics-addr", ""},
		{"status", "list", "false"},
		{"conflicts", "unresolved", "false"},
		{"import", "replace", "false"},
		{"devserver", "addr", "127.0.0.1:8080"},
		{"scenario", "update", "false"},
		{"scenario", "filter", ""},
	}

	root := NewRootCommand()
	for _, tt := range tests {
		t.Run(tt.command+"/"+tt.flag, func(t *testing.T) {
			sub, _, err := root.Find([]string{tt.command})
			require.NoError(t, err)
			f := sub.Flags().Lookup(tt.flag)
			require.NotNil(t, f)
			assert.Equal(t, tt.def, f.DefValue)
		})
	}
}

func TestFormatValidation(t *testing.T) {
	assert.True(t, isValidFormat("text"))
	assert.True(t, isValidFormat("json"))

	assert.False(t, isValidFormat("xml"))
	assert.False(t, isValidFormat(""))
	assert.False(t, isValidFormat("TEXT"))
}

func TestFormatValidationIntegration(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetArgs([]string{"--format", "invalid", "policy"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

func TestRootOptions_ConfigOverridesDatabase(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "invsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte("database: from-file.db\ndevice: shop-ipad\n"), 0o644))

	opts := &RootOptions{ConfigPath: path, Database: filepath.Join(dir, "flag.db")}
	cfg, err := opts.Config()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "flag.db"), cfg.Database)
	assert.Equal(t, "shop-ipad", cfg.Device)

	// Cached: later file changes are not seen.
	require.NoError(t, os.WriteFile(path, []byte("device: other\n"), 0o644))
	cfg, err = opts.Config()
	require.NoError(t, err)
	assert.Equal(t, "shop-ipad", cfg.Device)
}

func TestRootOptions_BadConfigIsCommandError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "invsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte("retry:\n  max_attempts: 0\n"), 0o644))

	_, err := (&RootOptions{ConfigPath: path}).Config()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "failed to load config")
}
