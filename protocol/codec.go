package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/shopspring/decimal"
)

// MaxLineBytes 单行消息上限，超出视为传输错误。
const MaxLineBytes = 1 << 20

// position 原文长度与指数上限；超出的数值比较和格式化代价不可控，按格式错误处理。
const (
	maxPositionBytes = 48
	maxPositionExp   = 30
)

type wireOut struct {
	CB       *string         `json:"cb,omitempty"`
	Position json.RawMessage `json:"position,omitempty"`
	Ping     *string         `json:"ping,omitempty"`
}

type wireIn struct {
	CB       *string          `json:"cb"`
	Position json.RawMessage `json:"position"`
	Ping     json.RawMessage `json:"ping"`
}

// Encode 编码为一行 JSON（含结尾换行）。position 以裸数字输出，保留精确小数。
func Encode(m Message) ([]byte, error) {
	out := wireOut{CB: m.Chartbook, Ping: m.Ping}
	if m.Position != nil {
		out.Position = json.RawMessage(m.Position.String())
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return append(raw, '\n'), nil
}

// Decode 解析一行消息。非对象或无法解析的载荷返回包装了 ErrMalformed 的错误。
func Decode(line []byte) (Message, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || line[0] != '{' {
		return Message{}, fmt.Errorf("%w: not a json object", ErrMalformed)
	}
	var in wireIn
	if err := json.Unmarshal(line, &in); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	pos, err := decodePosition(in.Position)
	if err != nil {
		return Message{}, err
	}
	msg := Message{Chartbook: in.CB, Position: pos}
	if len(in.Ping) > 0 && string(in.Ping) != "null" {
		ping := string(in.Ping)
		if s, err := strconv.Unquote(ping); err == nil {
			ping = s
		}
		msg.Ping = &ping
	}
	return msg, nil
}

// decodePosition 接受数字或数字字符串；null 视为缺省。
func decodePosition(raw json.RawMessage) (*decimal.Decimal, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	if len(raw) > maxPositionBytes {
		return nil, fmt.Errorf("%w: position too long", ErrMalformed)
	}
	var p decimal.Decimal
	if err := p.UnmarshalJSON(raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if exp := p.Exponent(); exp > maxPositionExp || exp < -maxPositionExp {
		return nil, fmt.Errorf("%w: position %s out of range", ErrMalformed, raw)
	}
	return &p, nil
}

// Decoder 从流中逐行读取消息。
type Decoder struct {
	sc *bufio.Scanner
}

// NewDecoder 创建按换行切分的解码器。
func NewDecoder(r io.Reader) *Decoder {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), MaxLineBytes)
	return &Decoder{sc: sc}
}

// Next 返回下一条消息。
// 错误包装 ErrMalformed 时仅丢弃该行，可以继续调用 Next；其他错误（含 io.EOF）表示流已结束。
func (d *Decoder) Next() (Message, error) {
	for d.sc.Scan() {
		line := bytes.TrimRight(d.sc.Bytes(), "\r")
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		return Decode(line)
	}
	if err := d.sc.Err(); err != nil {
		return Message{}, err
	}
	return Message{}, io.EOF
}
