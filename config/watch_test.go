package config

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcherReloadsOnWrite(t *testing.T) {
	path := writeTempConfig(t, sampleConfig)

	var (
		mu   sync.Mutex
		seen []AppConfig
	)
	w := NewWatcher(path, "", 20*time.Millisecond, nil, func(cfg AppConfig) {
		mu.Lock()
		seen = append(seen, cfg)
		mu.Unlock()
	})
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()
	require.NoError(t, w.Health())

	updated := sampleConfig + "\nhttp:\n  enabled: true\n  addr: 127.0.0.1:9999\n"
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) > 0 && seen[len(seen)-1].HTTP.Addr == "127.0.0.1:9999"
	}, 3*time.Second, 10*time.Millisecond)
}

func TestWatcherKeepsOldConfigOnInvalidWrite(t *testing.T) {
	path := writeTempConfig(t, sampleConfig)

	calls := make(chan AppConfig, 4)
	w := NewWatcher(path, "", 10*time.Millisecond, nil, func(cfg AppConfig) { calls <- cfg })
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte("env: \"\"\n"), 0o644))
	select {
	case <-calls:
		t.Fatal("invalid config must not be applied")
	case <-time.After(200 * time.Millisecond):
	}
	assert.Zero(t, w.Reloads())
}

func TestWatcherStopIsIdempotent(t *testing.T) {
	w := NewWatcher(writeTempConfig(t, sampleConfig), "", time.Second, nil, nil)
	assert.Error(t, w.Health())
	require.NoError(t, w.Start(context.Background()))
	require.NoError(t, w.Stop())
	require.NoError(t, w.Stop())
	assert.Error(t, w.Health())
}
