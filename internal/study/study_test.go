package study

import (
	"context"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"position-relay/follower"
	"position-relay/host"
	"position-relay/infrastructure/alert"
	"position-relay/infrastructure/monitor"
	"position-relay/internal/instance"
	"position-relay/protocol"
	"position-relay/reconcile"
	"position-relay/relay"
	"position-relay/risk"
	"position-relay/sim"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newBroker(position string) *sim.Broker {
	return sim.NewBroker([]sim.SymbolConfig{{
		Symbol:   "ESZ4",
		Bid:      d("4500"),
		Ask:      d("4500.25"),
		Position: d(position),
	}}, nil)
}

func newDeps(board *host.Board) (Deps, *alert.MockChannel) {
	ch := alert.NewMockChannel("mock")
	return Deps{
		Display: board,
		Alerts:  alert.NewManager([]alert.Channel{ch}, 5*time.Second),
		Monitor: monitor.New(monitor.DefaultConfig()),
	}, ch
}

func fastRelay() relay.ServerConfig {
	cfg := relay.DefaultServerConfig()
	cfg.HeartbeatInterval = 20 * time.Millisecond
	return cfg
}

func tick(s host.Study) {
	s.Tick(context.Background(), host.Tick{Now: time.Now()})
}

func TestPrimaryPublishesAndShowsClients(t *testing.T) {
	board := host.NewBoard(nil)
	deps, _ := newDeps(board)
	reg := instance.NewRegistry[*relay.Server](nil)
	t.Cleanup(func() { _ = reg.CloseAll() })

	p := NewPrimary(PrimaryConfig{Name: "es", Symbol: "ESZ4", Chartbook: "book-A", Host: "127.0.0.1"}, fastRelay(), reg, newBroker("3"), deps)
	tick(p)

	st, ok := board.Get(p.Handle())
	require.True(t, ok)
	assert.Equal(t, "Port: 0 NumClients: 0", st.Text)

	srv, ok := reg.Get(p.Handle())
	require.True(t, ok)
	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		tick(p)
		st, _ := board.Get(p.Handle())
		return st.Text == "Port: 0 NumClients: 1"
	}, 2*time.Second, 10*time.Millisecond)

	p.Tick(context.Background(), host.Tick{Now: time.Now(), LastCall: true})
	assert.Zero(t, reg.Len())
	_, ok = board.Get(p.Handle())
	assert.False(t, ok)
}

func TestPrimaryBindFailureIsThrottled(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()
	port := busy.Addr().(*net.TCPAddr).Port

	board := host.NewBoard(nil)
	deps, ch := newDeps(board)
	reg := instance.NewRegistry[*relay.Server](nil)
	p := NewPrimary(PrimaryConfig{Name: "es", Symbol: "ESZ4", Host: "127.0.0.1", Port: port}, fastRelay(), reg, newBroker("0"), deps)

	tick(p)
	tick(p)

	st, _ := board.Get(p.Handle())
	assert.True(t, strings.HasPrefix(st.Text, "Port: "), st.Text)
	assert.Contains(t, st.Text, "error")
	assert.Equal(t, 1, ch.Count())
	assert.Zero(t, reg.Len())
}

func TestPrimaryBindRecoveryResetsThrottle(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := busy.Addr().(*net.TCPAddr).Port

	board := host.NewBoard(nil)
	deps, ch := newDeps(board)
	reg := instance.NewRegistry[*relay.Server](nil)
	t.Cleanup(func() { _ = reg.CloseAll() })
	p := NewPrimary(PrimaryConfig{Name: "es", Symbol: "ESZ4", Host: "127.0.0.1", Port: port}, fastRelay(), reg, newBroker("0"), deps)

	tick(p)
	require.Equal(t, 1, ch.Count())

	require.NoError(t, busy.Close())
	tick(p)
	assert.Equal(t, 1, reg.Len())

	// 释放后端口再次被占用，应立即再次告警
	p.Tick(context.Background(), host.Tick{Now: time.Now(), LastCall: true})
	busy, err = net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err)
	defer busy.Close()

	tick(p)
	assert.Equal(t, 2, ch.Count())
}

func TestSecondaryFollowsPrimary(t *testing.T) {
	primary := relay.NewServer(relay.ServerConfig{Chartbook: "book-A", Host: "127.0.0.1", HeartbeatInterval: 20 * time.Millisecond}, nil, nil)
	require.NoError(t, primary.Start(context.Background()))
	t.Cleanup(func() { _ = primary.Stop() })
	primary.SetPosition(d("3"))
	port := primary.Addr().(*net.TCPAddr).Port

	board := host.NewBoard(nil)
	deps, ch := newDeps(board)
	reg := instance.NewRegistry[*follower.Client](nil)
	t.Cleanup(func() { _ = reg.CloseAll() })
	broker := newBroker("1")

	s := NewSecondary(SecondaryConfig{
		Name:   "es",
		Symbol: "ESZ4",
		Host:   "127.0.0.1",
		Port:   port,
		Params: reconcile.Params{Multiplier: d("2"), Style: reconcile.StyleMarket},
	}, follower.DefaultClientConfig(), reg, broker, nil, deps)

	require.Eventually(t, func() bool {
		tick(s)
		pos, _ := broker.Position(context.Background(), "ESZ4")
		return pos.Quantity.Equal(d("6"))
	}, 3*time.Second, 10*time.Millisecond)

	st, ok := board.Get(s.Handle())
	require.True(t, ok)
	assert.Contains(t, st.Text, "book book-A (multiplier: 2, ping:")
	assert.Zero(t, ch.Count())

	// 参数热更新：乘数 0 平仓
	s.Update(SecondaryConfig{Name: "es", Symbol: "ESZ4", Host: "127.0.0.1", Port: port,
		Params: reconcile.Params{Multiplier: d("0"), Style: reconcile.StyleMarket}})
	require.Eventually(t, func() bool {
		tick(s)
		pos, _ := broker.Position(context.Background(), "ESZ4")
		return pos.Quantity.IsZero()
	}, 3*time.Second, 10*time.Millisecond)
}

func TestSecondaryLinkLossWarningThrottled(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	clk := risk.NewManualClock(time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC))
	board := host.NewBoard(clk)
	deps, ch := newDeps(board)
	reg := instance.NewRegistry[*follower.Client](nil)
	t.Cleanup(func() { _ = reg.CloseAll() })

	s := NewSecondary(SecondaryConfig{Name: "es", Symbol: "ESZ4", Host: "127.0.0.1", Port: port,
		Params: reconcile.DefaultParams()}, follower.DefaultClientConfig(), reg, newBroker("0"), clk, deps)

	at := func() { s.Tick(context.Background(), host.Tick{Now: clk.Now()}) }
	at()
	assert.Zero(t, ch.Count())

	clk.Advance(6 * time.Second)
	at()
	require.Equal(t, 1, ch.Count())
	assert.Equal(t, "lost connection to primary chartbook", ch.GetAlerts()[0].Message)

	clk.Advance(time.Second)
	at()
	assert.Equal(t, 1, ch.Count())

	st, _ := board.Get(s.Handle())
	assert.Contains(t, st.Text, "ping: 7000 ms")
}

func TestSecondaryLinkRecoveryResetsThrottle(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	port := ln.Addr().(*net.TCPAddr).Port

	clk := risk.NewManualClock(time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC))
	board := host.NewBoard(clk)
	deps, ch := newDeps(board)
	reg := instance.NewRegistry[*follower.Client](nil)
	t.Cleanup(func() { _ = reg.CloseAll() })

	s := NewSecondary(SecondaryConfig{Name: "es", Symbol: "ESZ4", Host: "127.0.0.1", Port: port,
		Params: reconcile.DefaultParams()}, follower.DefaultClientConfig(), reg, newBroker("0"), clk, deps)
	at := func() { s.Tick(context.Background(), host.Tick{Now: clk.Now()}) }

	at()
	conn, err := ln.Accept()
	require.NoError(t, err)
	defer conn.Close()
	cli, ok := reg.Get(s.Handle())
	require.True(t, ok)

	// 手动发送心跳，消息时间取自手动时钟
	ping := func() {
		want := clk.Now()
		line, err := protocol.Encode(protocol.PingMessage("book-A", time.Now()))
		require.NoError(t, err)
		_, err = conn.Write(line)
		require.NoError(t, err)
		require.Eventually(t, func() bool { return cli.Store().LastMessageTime().Equal(want) }, 2*time.Second, 5*time.Millisecond)
	}

	ping()
	clk.Advance(6 * time.Second)
	at()
	require.Equal(t, 1, ch.Count())

	ping()
	at()
	assert.Equal(t, 1, ch.Count())

	// 限流窗口未过，但链路已恢复过一次，新的断线立即告警
	clk.Advance(6 * time.Second)
	at()
	assert.Equal(t, 2, ch.Count())
}

func TestSecondaryStatusShowsClampedTarget(t *testing.T) {
	primary := relay.NewServer(relay.ServerConfig{Chartbook: "book-A", Host: "127.0.0.1", HeartbeatInterval: 20 * time.Millisecond}, nil, nil)
	require.NoError(t, primary.Start(context.Background()))
	t.Cleanup(func() { _ = primary.Stop() })
	primary.SetPosition(d("3"))
	port := primary.Addr().(*net.TCPAddr).Port

	board := host.NewBoard(nil)
	deps, _ := newDeps(board)
	reg := instance.NewRegistry[*follower.Client](nil)
	t.Cleanup(func() { _ = reg.CloseAll() })
	broker := newBroker("1")

	params := reconcile.DefaultParams()
	params.Multiplier = d("2")
	s := NewSecondary(SecondaryConfig{Name: "es", Symbol: "ESZ4", Host: "127.0.0.1", Port: port, Params: params},
		follower.DefaultClientConfig(), reg, broker, nil, deps)

	require.Eventually(t, func() bool {
		tick(s)
		st, _ := board.Get(s.Handle())
		return strings.Contains(st.Text, "limited to 2 by max position 1")
	}, 3*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		tick(s)
		pos, _ := broker.Position(context.Background(), "ESZ4")
		return pos.Quantity.Equal(d("2"))
	}, 3*time.Second, 10*time.Millisecond)
}

func TestSecondaryHostChangeRebuildsClient(t *testing.T) {
	board := host.NewBoard(nil)
	deps, _ := newDeps(board)
	reg := instance.NewRegistry[*follower.Client](nil)
	t.Cleanup(func() { _ = reg.CloseAll() })

	cfg := SecondaryConfig{Name: "es", Symbol: "ESZ4", Host: "127.0.0.1", Port: 1, Params: reconcile.DefaultParams()}
	s := NewSecondary(cfg, follower.DefaultClientConfig(), reg, newBroker("0"), nil, deps)
	tick(s)
	first, ok := reg.Get(s.Handle())
	require.True(t, ok)

	cfg.Host = "localhost"
	s.Update(cfg)
	tick(s)
	second, ok := reg.Get(s.Handle())
	require.True(t, ok)

	assert.NotSame(t, first, second)
	assert.Equal(t, follower.StateStopped, first.State())
	assert.Equal(t, "localhost", second.Address().Host)
	assert.Equal(t, 1, reg.Len())
}
