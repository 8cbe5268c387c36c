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
	assert.Equal(t, "durable", cmd.Use)
	assert.Contains(t, cmd.Long, "oplog")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := [][]string{
		{"oplog", "list"},
		{"oplog", "dump"},
		{"oplog", "compact"},
		{"oplog", "delete"},
		{"replay"},
		{"shard", "check"},
		{"debug"},
	}

	for _, path := range commands {
		name := path[len(path)-1]
		t.Run(name, func(t *testing.T) {
			subCmd, _, err := cmd.Find(path)
			require.NoError(t, err, "Command %v should exist", path)
			require.NotNil(t, subCmd)
			assert.Equal(t, name, subCmd.Name())
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

	require.NotNil(t, cmd.PersistentFlags().Lookup("config"))

	for _, name := range []string{"storage", "sqlite-path", "max-payload-size", "number-of-shards", "owned-shards"} {
		assert.NotNil(t, cmd.PersistentFlags().Lookup(name), "setting %s has a flag", name)
	}
}

func TestDebugCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	debugCmd, _, err := cmd.Find([]string{"debug"})
	require.NoError(t, err)

	for _, name := range []string{"target", "overrides", "boundary"} {
		assert.NotNil(t, debugCmd.Flags().Lookup(name), "debug has --%s", name)
	}
}

func TestInvalidFormat(t *testing.T) {
	_, _, err := execute(t, "--format", "xml", "oplog", "list")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "invalid format")
}

func TestInvalidConfig(t *testing.T) {
	_, _, err := execute(t, "--storage", "tape", "oplog", "list")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestConfigFile(t *testing.T) {
	db := tempDB(t)
	seedWorker(t, db, testWorker, nil)

	path := filepath.Join(t.TempDir(), "durable.yaml")
	require.NoError(t, os.WriteFile(path, []byte("sqlite-path: "+db+"\n"), 0o644))

	out, _, err := execute(t, "--config", path, "oplog", "list")
	require.NoError(t, err)
	assert.Contains(t, out, testWorker)
}
