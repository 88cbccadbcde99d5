package store

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"position-relay/protocol"
)

func pos(s string) *decimal.Decimal {
	v := decimal.RequireFromString(s)
	return &v
}

func str(s string) *string { return &s }

func TestApplyLastWriteWins(t *testing.T) {
	st := New(nil)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	seq := []protocol.Message{
		{Chartbook: str("a"), Position: pos("1")},
		{Position: pos("4")},
		{Ping: str("x")},
		{Position: pos("-2.5")},
		{Chartbook: str("b")},
	}
	for i, m := range seq {
		st.Apply(m, base.Add(time.Duration(i)*time.Second))
	}

	snap := st.Snapshot()
	assert.True(t, snap.Position.Equal(decimal.RequireFromString("-2.5")), "got %s", snap.Position)
	assert.Equal(t, "b", snap.Chartbook)
	assert.Equal(t, base.Add(4*time.Second), snap.LastMessage)
	assert.True(t, snap.HasFirstUpdate)
	assert.EqualValues(t, 5, snap.Messages)
}

func TestApplyIdempotent(t *testing.T) {
	st := New(nil)
	now := time.Now()
	msg := protocol.Message{Chartbook: str("a"), Position: pos("3")}

	require.True(t, st.Apply(msg, now))
	first := st.Snapshot()

	assert.False(t, st.Apply(msg, now))
	second := st.Snapshot()
	assert.True(t, first.Position.Equal(second.Position))
	assert.Equal(t, first.Chartbook, second.Chartbook)
	assert.Equal(t, first.HasFirstUpdate, second.HasFirstUpdate)
	assert.Equal(t, first.LastMessage, second.LastMessage)
}

func TestFirstUpdateRequiresPosition(t *testing.T) {
	st := New(nil)
	now := time.Now()

	st.Apply(protocol.Message{Chartbook: str("a"), Ping: str("t")}, now)
	assert.False(t, st.HasFirstUpdate())
	assert.Equal(t, now, st.LastMessageTime(), "heartbeat must refresh liveness")

	// 第一次收到 0 也算首次更新
	assert.True(t, st.Apply(protocol.Message{Position: pos("0")}, now))
	assert.True(t, st.HasFirstUpdate())
	assert.True(t, st.Position().IsZero())
}

func TestApplyEmitsPositionEvent(t *testing.T) {
	var events []string
	st := New(func(ev string, fields map[string]interface{}) {
		events = append(events, ev+":"+fields["position"].(string))
	})
	st.Apply(protocol.Message{Position: pos("2")}, time.Now())
	st.Apply(protocol.Message{Position: pos("2")}, time.Now())
	st.Apply(protocol.Message{Position: pos("3")}, time.Now())
	assert.Equal(t, []string{"position_update:2", "position_update:3"}, events)
}

func TestLocalPositionCoalesces(t *testing.T) {
	lp := NewLocalPosition()
	lp.Set(decimal.NewFromInt(1))
	lp.Set(decimal.NewFromInt(2))
	lp.Set(decimal.NewFromInt(3))

	select {
	case <-lp.Changed():
	default:
		t.Fatal("expected change signal")
	}
	select {
	case <-lp.Changed():
		t.Fatal("signals must coalesce")
	default:
	}
	assert.True(t, lp.Get().Equal(decimal.NewFromInt(3)))
}
