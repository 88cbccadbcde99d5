package alert

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"position-relay/infrastructure/logger"
)

type fakeNow struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeNow) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeNow) Advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

func TestNewManager(t *testing.T) {
	ch := NewMockChannel("test")
	mgr := NewManager([]Channel{ch}, 5*time.Minute)

	require.NotNil(t, mgr)
	require.NoError(t, mgr.Notify("k", LevelInfo, "hello", nil))
	assert.Equal(t, 1, ch.Count())
}

func TestSendAlert(t *testing.T) {
	mock := NewMockChannel("mock")
	mgr := NewManager([]Channel{mock}, 5*time.Minute)

	err := mgr.SendAlert(Alert{
		Level:   LevelInfo,
		Message: "test message",
		Fields:  map[string]interface{}{"key": "value"},
	})
	require.NoError(t, err)
	require.Equal(t, 1, mock.Count())

	got := mock.GetAlerts()[0]
	assert.Equal(t, LevelInfo, got.Level)
	assert.Equal(t, "test message", got.Message)
	assert.Equal(t, "value", got.Fields["key"])
	assert.False(t, got.Timestamp.IsZero())
}

func TestNotifyThrottledPerKey(t *testing.T) {
	clk := &fakeNow{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	mock := NewMockChannel("mock")
	mgr := NewManagerWithThrottler([]Channel{mock}, NewThrottlerWithClock(5*time.Second, clk.Now))

	msg := "lost connection to primary chartbook"
	require.NoError(t, mgr.Notify("link:a", LevelWarning, msg, nil))
	require.NoError(t, mgr.Notify("link:a", LevelWarning, msg, nil))
	// 不同 key 互不影响
	require.NoError(t, mgr.Notify("link:b", LevelWarning, msg, nil))
	assert.Equal(t, 2, mock.Count())

	clk.Advance(4 * time.Second)
	require.NoError(t, mgr.Notify("link:a", LevelWarning, msg, nil))
	assert.Equal(t, 2, mock.Count())

	clk.Advance(time.Second)
	require.NoError(t, mgr.Notify("link:a", LevelWarning, msg, nil))
	assert.Equal(t, 3, mock.Count())

	mgr.ResetKey("link:b")
	require.NoError(t, mgr.Notify("link:b", LevelWarning, msg, nil))
	assert.Equal(t, 4, mock.Count())
}

func TestThrottlingByLevelAndMessage(t *testing.T) {
	mock := NewMockChannel("mock")
	mgr := NewManager([]Channel{mock}, time.Hour)

	// 未指定 key 时按 Level:Message 限流
	for i := 0; i < 3; i++ {
		require.NoError(t, mgr.SendAlert(Alert{Level: LevelWarning, Message: "same"}))
	}
	require.NoError(t, mgr.SendAlert(Alert{Level: LevelWarning, Message: "different"}))
	require.NoError(t, mgr.SendAlert(Alert{Level: LevelError, Message: "same"}))
	assert.Equal(t, 3, mock.Count())

	mgr.ResetKey(LevelWarning + ":same")
	require.NoError(t, mgr.SendAlert(Alert{Level: LevelWarning, Message: "same"}))
	assert.Equal(t, 4, mock.Count())
}

func TestChannelError(t *testing.T) {
	mock := NewMockChannel("mock")
	mock.SetShouldError(true)
	mgr := NewManager([]Channel{mock}, time.Minute)

	assert.Error(t, mgr.Notify("k", LevelInfo, "x", nil))
}

func TestPartialChannelFailure(t *testing.T) {
	bad := NewMockChannel("bad")
	bad.SetShouldError(true)
	good := NewMockChannel("good")
	mgr := NewManager([]Channel{bad, good}, time.Minute)

	assert.NoError(t, mgr.Notify("k", LevelInfo, "x", nil))
	assert.Equal(t, 1, good.Count())
}

func TestThrottler(t *testing.T) {
	clk := &fakeNow{t: time.Unix(0, 0)}
	th := NewThrottlerWithClock(time.Second, clk.Now)

	assert.True(t, th.Allow("k"))
	assert.False(t, th.Allow("k"))
	clk.Advance(time.Second)
	assert.True(t, th.Allow("k"))

	th.Reset("k")
	assert.True(t, th.Allow("k"))
	assert.True(t, th.Allow("other"))
}

func TestLogChannel(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	ch := NewLogChannel("log", logger.Wrap(zap.New(core)))

	require.NoError(t, ch.Send(Alert{Level: LevelWarning, Message: "lost connection", Fields: map[string]interface{}{"port": 12050}}))
	require.NoError(t, ch.Send(Alert{Level: LevelCritical, Message: "boom"}))
	assert.Error(t, ch.Send(Alert{Level: "BOGUS", Message: "x"}))

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
	assert.Equal(t, "lost connection", entries[0].Message)
	assert.EqualValues(t, 12050, entries[0].ContextMap()["port"])
	assert.Equal(t, zapcore.ErrorLevel, entries[1].Level)
}

func TestMockChannel(t *testing.T) {
	ch := NewMockChannel("mock")
	require.NoError(t, ch.Send(Alert{Level: LevelInfo, Message: "a"}))
	assert.Equal(t, 1, ch.Count())
	assert.Equal(t, "mock", ch.Name())

	ch.SetShouldError(true)
	assert.Error(t, ch.Send(Alert{Level: LevelInfo, Message: "b"}))
	assert.Len(t, ch.GetAlerts(), 1)
}

func TestConcurrentAlerts(t *testing.T) {
	mock := NewMockChannel("mock")
	mgr := NewManager([]Channel{mock}, time.Hour)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = mgr.Notify("concurrent", LevelWarning, "concurrent", nil)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, mock.Count())
}
