package main

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/praetorian-inc/tally/pkg/types"
)

// resetRootFlags restores the persistent flag variables after a test.
func resetRootFlags(t *testing.T) {
	t.Helper()
	t.Cleanup(func() {
		configPath, logLevel = "", ""
		verbose, quiet = false, false
		appConfig, logger = nil, nil
	})
}

func TestRootCommand_Subcommands(t *testing.T) {
	for _, name := range []string{"scan", "report", "merge", "serve", "version"} {
		cmd, _, err := rootCmd.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, cmd.Name())
	}
}

func TestLoadSettings(t *testing.T) {
	resetRootFlags(t)
	path := filepath.Join(t.TempDir(), "tally.yaml")
	require.NoError(t, os.WriteFile(path, []byte("workers: 3\nlog_level: warn\n"), 0644))

	configPath = path
	verbose = true

	require.NoError(t, loadSettings(&cobra.Command{}, nil))

	require.NotNil(t, appConfig)
	assert.Equal(t, 3, appConfig.Workers)
	assert.Equal(t, "debug", appConfig.LogLevel, "--verbose beats the file")
	assert.True(t, logger.Core().Enabled(zap.DebugLevel))
}

func TestLoadSettings_LogLevelFlagWins(t *testing.T) {
	resetRootFlags(t)
	logLevel = "error"
	verbose = true

	require.NoError(t, loadSettings(&cobra.Command{}, nil))

	assert.Equal(t, "error", appConfig.LogLevel)
	assert.False(t, logger.Core().Enabled(zap.WarnLevel))
}

func TestLoadSettings_BadConfig(t *testing.T) {
	resetRootFlags(t)
	path := filepath.Join(t.TempDir(), "tally.yaml")
	require.NoError(t, os.WriteFile(path, []byte("workers: -4\n"), 0644))
	configPath = path

	err := loadSettings(&cobra.Command{}, nil)

	var fatal *types.FatalConfigurationError
	require.True(t, errors.As(err, &fatal))
	assert.Equal(t, "workers", fatal.Field)
}

func TestLoadSettings_BadLogLevel(t *testing.T) {
	resetRootFlags(t)
	logLevel = "shout"

	assert.Error(t, loadSettings(&cobra.Command{}, nil))
}

func TestSettings_Defaults(t *testing.T) {
	resetRootFlags(t)

	cfg, l := settings()
	assert.NotNil(t, cfg)
	assert.NotNil(t, l)
}
