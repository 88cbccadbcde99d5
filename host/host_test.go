package host

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"position-relay/internal/instance"
)

type recordingStudy struct {
	handle instance.Handle
	mu     sync.Mutex
	ticks  []Tick
	panics bool
}

func (s *recordingStudy) Handle() instance.Handle { return s.handle }

func (s *recordingStudy) Tick(_ context.Context, t Tick) {
	s.mu.Lock()
	s.ticks = append(s.ticks, t)
	s.mu.Unlock()
	if s.panics && !t.LastCall {
		panic("boom")
	}
}

func (s *recordingStudy) count() (normal, last int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.ticks {
		if t.LastCall {
			last++
		} else {
			normal++
		}
	}
	return
}

func TestDriverPollsAndDeliversLastCall(t *testing.T) {
	a := &recordingStudy{handle: "a"}
	b := &recordingStudy{handle: "b", panics: true}
	d := NewDriver(10*time.Millisecond, nil)
	d.SetStudies(context.Background(), []Study{a, b})

	require.NoError(t, d.Start(context.Background()))
	require.NoError(t, d.Health())
	require.Eventually(t, func() bool {
		n, _ := a.count()
		return n >= 3
	}, 2*time.Second, 5*time.Millisecond)

	// b 每次都 panic，a 仍然被调用
	n, _ := b.count()
	assert.GreaterOrEqual(t, n, 3)

	require.NoError(t, d.Stop())
	_, last := a.count()
	assert.Equal(t, 1, last)
	_, last = b.count()
	assert.Equal(t, 1, last)
	assert.Error(t, d.Health())
	assert.Empty(t, d.Handles())
}

func TestSetStudiesRemovesWithLastCall(t *testing.T) {
	a := &recordingStudy{handle: "a"}
	b := &recordingStudy{handle: "b"}
	d := NewDriver(time.Hour, nil)

	d.SetStudies(context.Background(), []Study{a, b})
	d.Poll(context.Background())

	// b 的新实例（同一 handle）不会收到 LastCall
	b2 := &recordingStudy{handle: "b"}
	d.SetStudies(context.Background(), []Study{b2})

	_, last := a.count()
	assert.Equal(t, 1, last)
	_, last = b.count()
	assert.Zero(t, last)
	assert.Equal(t, []instance.Handle{"b"}, d.Handles())
}

func TestBoardPushesChanges(t *testing.T) {
	board := NewBoard(nil)
	sub := board.Subscribe(4)
	defer board.Unsubscribe(sub)

	board.ShowStatus("p1", "Port: 12050 NumClients: 0")
	board.ShowStatus("p1", "Port: 12050 NumClients: 0")
	board.ShowStatus("p1", "Port: 12050 NumClients: 1")

	got := []string{(<-sub.C()).Text, (<-sub.C()).Text}
	assert.Equal(t, []string{"Port: 12050 NumClients: 0", "Port: 12050 NumClients: 1"}, got)
	select {
	case st := <-sub.C():
		t.Fatalf("unexpected duplicate push %q", st.Text)
	default:
	}

	st, ok := board.Get("p1")
	require.True(t, ok)
	assert.Equal(t, "Port: 12050 NumClients: 1", st.Text)

	board.ShowStatus("p1", "")
	_, ok = board.Get("p1")
	assert.False(t, ok)
	assert.Empty(t, board.Snapshot())
}

func TestBoardSlowSubscriberDoesNotBlock(t *testing.T) {
	board := NewBoard(nil)
	sub := board.Subscribe(1)
	for i := 0; i < 10; i++ {
		board.ShowStatus("s", string(rune('a'+i)))
	}
	assert.Len(t, sub.C(), 1)
	board.Unsubscribe(sub)
	board.Unsubscribe(sub)
	_, open := <-sub.C()
	assert.True(t, open, "buffered value is still readable")
	_, open = <-sub.C()
	assert.False(t, open)
}
