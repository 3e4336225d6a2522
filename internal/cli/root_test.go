package cli

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	t.Run("should print the version", func(t *testing.T) {
		out, err := executeRoot(t, "", "--version")
		require.NoError(t, err)

		assert.Contains(t, out, "platepal version")
		assert.Contains(t, out, GetVersion())
	})

	t.Run("should print help", func(t *testing.T) {
		helpText, err := executeRoot(t, "", "--help")
		require.NoError(t, err)

		assert.Contains(t, helpText, "Platepal")
		for _, name := range []string{"serve", "chat", "clear", "wipe", "history", "purge", "transcribe", "personalities", "configure", "status"} {
			assert.Contains(t, helpText, name)
		}
	})

	t.Run("should not carry flags into the next run", func(t *testing.T) {
		_, err := executeRoot(t, "", "personalities", "--help")
		require.NoError(t, err)

		out, err := executeRoot(t, "", "personalities")
		require.NoError(t, err)
		assert.NotContains(t, out, "Usage:")
		assert.Contains(t, out, "tough-love")
	})

	t.Run("should define global flags", func(t *testing.T) {
		cmd := GetRootCmd()

		configFlag := cmd.PersistentFlags().Lookup("config")
		require.NotNil(t, configFlag)
		assert.Equal(t, "", configFlag.DefValue)

		logLevelFlag := cmd.PersistentFlags().Lookup("log-level")
		require.NotNil(t, logLevelFlag)
		assert.Equal(t, "", logLevelFlag.DefValue)
	})
}

func TestGetVersion(t *testing.T) {
	version := GetVersion()
	assert.NotEmpty(t, version)
	assert.True(t, strings.HasPrefix(version, "0."))
}
