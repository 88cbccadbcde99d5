package relay

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

var (
	errQueueFull  = errors.New("outbound queue full")
	errConnClosed = errors.New("connection closed")
)

// connRecord 一个已接入的从实例连接。
// 出站消息进入有界队列，由独立写协程发送；读协程只用来发现对端关闭。
// 任何写错误、读到 EOF 或队列满都只关闭这一条连接，closed 置位后等待下一次清理。
type connRecord struct {
	id     string
	remote string
	conn   net.Conn

	out          chan []byte
	writeTimeout time.Duration

	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}

	onClose func(rec *connRecord, reason string, err error)
}

func newConnRecord(c net.Conn, queueSize int, writeTimeout time.Duration, onClose func(*connRecord, string, error)) *connRecord {
	if queueSize <= 0 {
		queueSize = 1
	}
	return &connRecord{
		id:           uuid.NewString(),
		remote:       c.RemoteAddr().String(),
		conn:         c,
		out:          make(chan []byte, queueSize),
		writeTimeout: writeTimeout,
		done:         make(chan struct{}),
		onClose:      onClose,
	}
}

// start 启动写协程与读协程，wg 由服务端持有，Stop 时统一等待。
func (r *connRecord) start(wg *sync.WaitGroup) {
	wg.Add(2)
	go func() {
		defer wg.Done()
		r.writeLoop()
	}()
	go func() {
		defer wg.Done()
		r.readLoop()
	}()
}

// enqueue 非阻塞投递；队列满时关闭连接。
func (r *connRecord) enqueue(b []byte) error {
	if r.closed.Load() {
		return errConnClosed
	}
	select {
	case r.out <- b:
		return nil
	default:
		r.close("queue_full", errQueueFull)
		return errQueueFull
	}
}

func (r *connRecord) writeLoop() {
	for {
		select {
		case <-r.done:
			return
		case b := <-r.out:
			if r.writeTimeout > 0 {
				_ = r.conn.SetWriteDeadline(time.Now().Add(r.writeTimeout))
			}
			if _, err := r.conn.Write(b); err != nil {
				r.close("write_error", err)
				return
			}
		}
	}
}

// readLoop 丢弃对端发来的任何数据，直到出错或 EOF。
func (r *connRecord) readLoop() {
	_, err := io.Copy(io.Discard, r.conn)
	if err == nil {
		err = io.EOF
	}
	r.close("peer_closed", err)
}

func (r *connRecord) close(reason string, err error) {
	r.closeOnce.Do(func() {
		r.closed.Store(true)
		close(r.done)
		_ = r.conn.Close()
		if r.onClose != nil {
			r.onClose(r, reason, err)
		}
	})
}

func (r *connRecord) isClosed() bool {
	return r.closed.Load()
}
