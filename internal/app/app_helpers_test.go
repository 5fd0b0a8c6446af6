package app

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/thushan/olla/internal/config"
	"github.com/thushan/olla/internal/logger"
	"github.com/thushan/olla/theme"
)

// newTestApplication builds a fully wired Application against a disposable
// keys file, the same shape reloadKeys/registerAdminRoutes expect in
// production, without binding any listener.
func newTestApplication(t *testing.T) *Application {
	t.Helper()

	keysPath := filepath.Join(t.TempDir(), "api-keys.json")
	data, err := json.Marshal(keysFile{Keys: []string{"sk-test-1", "sk-test-2"}, BaseURL: "https://api.anthropic.com"})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(keysPath, data, 0o600))

	cfg := config.DefaultConfig()
	cfg.KeyManager.KeysFile = keysPath
	cfg.KeyManager.WatchKeysFile = false
	cfg.Server.Port = 0

	loggerCfg := &logger.Config{Level: "error", Theme: "default"}
	slogLogger, _, err := logger.New(loggerCfg)
	require.NoError(t, err)
	styled := logger.NewStyledLogger(slogLogger, theme.Default())

	a, err := New(cfg, styled)
	require.NoError(t, err)
	return a
}
