package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/support-and-care-labs/mail-mcp/model"
)

func loadWithArgs(t *testing.T, args ...string) (Config, error) {
	t.Helper()
	var (
		cfg     Config
		loadErr error
	)
	cmd := &cobra.Command{
		Use:           "update",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, loadErr = LoadConfig(cmd)
			return nil
		},
	}
	RegisterGlobalFlags(cmd)
	RegisterUpdateFlags(cmd)
	cmd.SetArgs(args)
	require.NoError(t, cmd.Execute())
	return cfg, loadErr
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := loadWithArgs(t)
	require.NoError(t, err)

	assert.Equal(t, "data", cfg.DataDir)
	assert.Equal(t, DefaultList, cfg.Lists)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, DefaultArchive, cfg.ArchiveURL)
	assert.Equal(t, 60*time.Second, cfg.Timeout)
	assert.Equal(t, IngestSQLite, cfg.Ingest)
	assert.Equal(t, filepath.Join("data", "mail.db"), cfg.DBPath)
	assert.Equal(t, filepath.Join("data", "state"), cfg.IMAP.StateDir)
	assert.Equal(t, 100, cfg.BatchSize)
}

func TestLoadConfig_Environment(t *testing.T) {
	t.Setenv(EnvDataPath, "/srv/mail")
	t.Setenv(EnvLists, "dev@maven.apache.org, users@maven.apache.org")
	t.Setenv(EnvLogLevel, "WARNING")
	t.Setenv(EnvLogFormat, "json")
	t.Setenv(EnvDBPath, "/var/lib/mail.db")

	cfg, err := loadWithArgs(t)
	require.NoError(t, err)
	assert.Equal(t, "/srv/mail", cfg.DataDir)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, "/var/lib/mail.db", cfg.DBPath)

	lists, err := cfg.ResolveLists(true, "")
	require.NoError(t, err)
	require.Len(t, lists, 2)
	assert.Equal(t, "users@maven.apache.org", lists[1].String())
}

func TestLoadConfig_FlagsOverrideEnvironment(t *testing.T) {
	t.Setenv(EnvDataPath, "/srv/mail")
	cfg, err := loadWithArgs(t, "--data-dir", "/tmp/x", "--retries", "3", "--ingest", "none")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/x", cfg.DataDir)
	assert.Equal(t, 3, cfg.Retries)
	assert.Equal(t, IngestNone, cfg.Ingest)
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"log level", []string{"--log-level", "loud"}},
		{"log format", []string{"--log-format", "xml"}},
		{"ingest", []string{"--ingest", "elasticsearch"}},
		{"retries", []string{"--retries", "-1"}},
		{"batch size", []string{"--batch-size", "0"}},
		{"archive url", []string{"--archive-url", "not a url"}},
		{"filters", []string{"--include-header", "a", "--exclude-body", "b"}},
		{"imap without host", []string{"--ingest", "imap", "--imap-user", "u", "--imap-pass", "p"}},
		{"imap without password", []string{"--ingest", "imap", "--imap-host", "h", "--imap-user", "u"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadWithArgs(t, tt.args...)
			assert.ErrorIs(t, err, model.ErrInvalidArgument)
		})
	}
}

func TestLoadConfig_IMAPDryRunNeedsNoCredentials(t *testing.T) {
	cfg, err := loadWithArgs(t, "--ingest", "imap", "--dry-run")
	require.NoError(t, err)
	assert.True(t, cfg.IMAP.DryRun)
}

func TestResolveLists(t *testing.T) {
	cfg := Default()
	cfg.Lists = "dev@maven.apache.org,users@maven.apache.org"

	lists, err := cfg.ResolveLists(false, "")
	require.NoError(t, err)
	require.Len(t, lists, 1)
	assert.Equal(t, "dev@maven.apache.org", lists[0].String())

	lists, err = cfg.ResolveLists(false, "Issues@Maven.Apache.org")
	require.NoError(t, err)
	assert.Equal(t, "issues@maven.apache.org", lists[0].String())

	_, err = cfg.ResolveLists(true, "dev@maven.apache.org")
	assert.ErrorIs(t, err, model.ErrInvalidArgument)

	_, err = cfg.ResolveLists(false, "not-an-address")
	assert.ErrorIs(t, err, model.ErrInvalidArgument)

	cfg.Lists = " , "
	_, err = cfg.ResolveLists(true, "")
	assert.ErrorIs(t, err, model.ErrInvalidArgument)

	cfg.Lists = "dev@maven.apache.org,dev@commons.apache.org"
	_, err = cfg.ResolveLists(true, "")
	assert.ErrorIs(t, err, model.ErrInvalidArgument, "lists sharing a local part collide on disk")
	lists, err = cfg.ResolveLists(false, "")
	require.NoError(t, err)
	assert.Equal(t, "dev@maven.apache.org", lists[0].String())

	cfg.Lists = "dev@maven.apache.org,broken"
	_, err = cfg.ResolveLists(true, "")
	assert.ErrorIs(t, err, model.ErrInvalidArgument)
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	// missing file is fine
	require.NoError(t, LoadDotEnv())

	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte(EnvLists+"=announce@apache.org\n"), 0o600))
	t.Setenv(EnvLists, "")
	require.NoError(t, os.Unsetenv(EnvLists))
	require.NoError(t, LoadDotEnv())
	assert.Equal(t, "announce@apache.org", os.Getenv(EnvLists))
}
