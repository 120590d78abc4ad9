package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocsync/ocsync"
)

func TestParseConfig_Defaults(t *testing.T) {
	config, err := ParseConfig(strings.NewReader(""), false)
	require.NoError(t, err)

	require.NotNil(t, config.SyncInterval)
	assert.Equal(t, ocsync.DefaultSyncInterval, *config.SyncInterval)
	assert.Equal(t, ocsync.DefaultDownloadConcurrency, config.Download.Concurrency)
	require.NotNil(t, config.Download.IdleTimeout)
	assert.Equal(t, ocsync.DefaultDownloadIdleTimeout, *config.Download.IdleTimeout)
	assert.Equal(t, int64(ocsync.DefaultMaxDownloadSize), config.MaxDownloadSize())
	assert.NotEmpty(t, config.DataDir)
}

func TestParseConfig(t *testing.T) {
	config, err := ParseConfig(strings.NewReader(`
data-dir: /var/lib/ocsync
addr: ":9090"
sync-interval: 90s
download:
  concurrency: 8
  max-size: 16MB
accounts:
  - url: https://cloud.example.com
    username: alice
    password: secret
    user-id: alice
    display-name: Alice
`), false)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/ocsync", config.DataDir)
	assert.Equal(t, ":9090", config.Addr)
	assert.Equal(t, 90*time.Second, *config.SyncInterval)
	assert.Equal(t, 8, config.Download.Concurrency)
	assert.Equal(t, int64(16_000_000), config.MaxDownloadSize())

	require.Len(t, config.Accounts, 1)
	account := config.Accounts[0]
	assert.Equal(t, 1, account.ID, "unset account id is assigned by position")
	assert.Equal(t, "https://cloud.example.com", account.URL)
	assert.Equal(t, "alice", account.UserID)
	assert.Equal(t, "Alice", account.DisplayName)
}

func TestParseConfig_ExpandEnv(t *testing.T) {
	t.Setenv("OCSYNC_TEST_PASSWORD", "hunter2")
	t.Setenv("OCSYNC_TEST_USER", "alice")

	config, err := ParseConfig(strings.NewReader(`
accounts:
  - url: https://cloud.example.com
    username: ${OCSYNC_TEST_USER}
    password: $OCSYNC_TEST_PASSWORD
    user-id: ${OCSYNC_TEST_USER}
`), true)
	require.NoError(t, err)

	account := config.Accounts[0]
	assert.Equal(t, "alice", account.Username)
	assert.Equal(t, "hunter2", account.Password)
}

func TestParseConfig_NoExpandEnv(t *testing.T) {
	t.Setenv("OCSYNC_TEST_USER", "alice")

	config, err := ParseConfig(strings.NewReader(`
accounts:
  - url: https://cloud.example.com
    user-id: ${OCSYNC_TEST_USER}
`), false)
	require.NoError(t, err)
	assert.Equal(t, "${OCSYNC_TEST_USER}", config.Accounts[0].UserID)
}

func TestParseConfig_Validation(t *testing.T) {
	for _, tt := range []struct {
		name string
		yaml string
		want error
	}{
		{"SyncInterval", "sync-interval: -5s", ErrInvalidSyncInterval},
		{"DownloadConcurrency", "download:\n  concurrency: 99", ErrInvalidDownloadConcurrency},
		{"DownloadIdleTimeout", "download:\n  idle-timeout: 1s", ErrInvalidDownloadIdleTimeout},
		{"MaxDownloadSize", "download:\n  max-size: banana", ErrInvalidMaxDownloadSize},
		{"AccountURL", "accounts:\n  - user-id: alice", ErrAccountURLRequired},
		{"AccountUserID", "accounts:\n  - url: https://cloud.example.com", ErrAccountUserRequired},
		{"DuplicateAccountID", `
accounts:
  - {id: 1, url: "https://a.example.com", user-id: alice}
  - {id: 1, url: "https://b.example.com", user-id: bob}
`, ErrDuplicateAccountID},
	} {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfig(strings.NewReader(tt.yaml), false)
			require.ErrorIs(t, err, tt.want)

			var verr *ConfigValidationError
			require.ErrorAs(t, err, &verr)
			assert.NotEmpty(t, verr.Field)
		})
	}
}

func TestReadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ocsync.yml")
	require.NoError(t, os.WriteFile(path, []byte("addr: \":9090\"\n"), 0o600))

	config, err := ReadConfigFile(path, true)
	require.NoError(t, err)
	assert.Equal(t, ":9090", config.Addr)

	_, err = ReadConfigFile(filepath.Join(t.TempDir(), "missing.yml"), true)
	require.ErrorIs(t, err, ErrConfigFileNotFound)
}

func TestDefaultConfigPath(t *testing.T) {
	t.Setenv("OCSYNC_CONFIG", "")
	assert.Equal(t, "/etc/ocsync.yml", DefaultConfigPath())

	t.Setenv("OCSYNC_CONFIG", "/tmp/custom.yml")
	assert.Equal(t, "/tmp/custom.yml", DefaultConfigPath())
}
