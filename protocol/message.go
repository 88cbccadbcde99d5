// Package protocol 定义主/从实例之间的行分隔 JSON 协议。
//
// 每条消息是一行 UTF-8 JSON 对象，以 '\n' 结尾。已知字段：
//
//	cb       string  来源 chartbook 标识，仅用于展示
//	position number  最新仓位（完整快照，而非增量）
//	ping     string  心跳时间戳，接收方只把它当作存活信号
//
// 所有字段都是可选的，未知字段忽略。
package protocol

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrMalformed 表示单条消息无法解析；调用方应记录并继续读取，不能断开连接。
var ErrMalformed = errors.New("malformed message")

// PingLayout 心跳时间戳格式（ISO basic）。
const PingLayout = "20060102T150405"

// Message 一条协议消息；nil 字段表示该 key 不存在。
type Message struct {
	Chartbook *string
	Position  *decimal.Decimal
	Ping      *string
}

// HasPosition 消息是否携带 position。
func (m Message) HasPosition() bool { return m.Position != nil }

// IsHeartbeat 消息是否为心跳。
func (m Message) IsHeartbeat() bool { return m.Ping != nil }

// PositionMessage 构造 {cb, position} 快照消息。
func PositionMessage(cb string, position decimal.Decimal) Message {
	return Message{Chartbook: &cb, Position: &position}
}

// PingMessage 构造 {cb, ping} 心跳消息。
func PingMessage(cb string, at time.Time) Message {
	ts := at.UTC().Format(PingLayout)
	return Message{Chartbook: &cb, Ping: &ts}
}
