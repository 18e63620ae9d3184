package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_ResolvesRequiredFieldsAndDefaults(t *testing.T) {
	path := writeConfig(t, `
game_rules_file: /etc/runner/rules.yaml
install_dir: /var/runner/installs
output_dir: /var/runner/scratch
database_path: /var/runner/runner.db
polling:
  tracked_service_url: https://tracker.example.com
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/etc/runner/rules.yaml", cfg.GameRulesFile)
	assert.Equal(t, 3600.0, cfg.Polling.Interval().Seconds())
	assert.Nil(t, cfg.BotNotifier)
}

func TestLoad_MissingRequiredFieldFails(t *testing.T) {
	path := writeConfig(t, `
install_dir: /var/runner/installs
output_dir: /var/runner/scratch
database_path: /var/runner/runner.db
polling:
  tracked_service_url: https://tracker.example.com
`)

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_BotNotifierRequiresAuthTokenEnv(t *testing.T) {
	path := writeConfig(t, `
game_rules_file: /etc/runner/rules.yaml
install_dir: /var/runner/installs
output_dir: /var/runner/scratch
database_path: /var/runner/runner.db
polling:
  tracked_service_url: https://tracker.example.com
bot_notifier:
  bot_url: https://bot.example.com
`)

	os.Unsetenv("RUNNER_STATUS_AUTH_TOKEN")
	_, err := Load(path)
	assert.Error(t, err)

	t.Setenv("RUNNER_STATUS_AUTH_TOKEN", "secret-token")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "secret-token", cfg.BotNotifier.AuthToken)
}
