// Package relay реализует ретранслятор секторов поверх KCP: клиентский транспорт, сервер матчей,
// кодек кадров и каталог матчей секторов.
package relay

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
)

// FrameType: тип кадра протокола ретранслятора
type FrameType uint8

// Клиент -> Сервер
const (
	FrameHello FrameType = iota + 1
	FrameCreateMatch
	FrameJoinMatch
	FrameLeaveMatch
	FrameMatchDataSend
	FramePing
	FrameBye
)

// Сервер -> Клиент
const (
	FrameWelcome FrameType = iota + 32
	FrameMatch
	FrameError
	FrameMatchData
	FramePresence
	FramePong
)

var frameNames = map[FrameType]string{
	FrameHello:         "hello",
	FrameCreateMatch:   "create_match",
	FrameJoinMatch:     "join_match",
	FrameLeaveMatch:    "leave_match",
	FrameMatchDataSend: "match_data_send",
	FramePing:          "ping",
	FrameBye:           "bye",
	FrameWelcome:       "welcome",
	FrameMatch:         "match",
	FrameError:         "error",
	FrameMatchData:     "match_data",
	FramePresence:      "presence",
	FramePong:          "pong",
}

func (t FrameType) String() string {
	if name, ok := frameNames[t]; ok {
		return name
	}
	return fmt.Sprintf("frame(%d)", uint8(t))
}

// Коды ошибок кадра FrameError
const (
	CodeUnauthenticated = 16
	CodeBadInput        = 3
	CodeMatchNotFound   = 4
	CodeNotMember       = 7
)

// Presence: участник матча в кадрах ретранслятора
type Presence struct {
	UserID    string `msgpack:"u"`
	SessionID string `msgpack:"s"`
	Username  string `msgpack:"n,omitempty"`
}

// Frame: кадр протокола. Заполняются только поля, относящиеся к Type.
type Frame struct {
	Type      FrameType         `msgpack:"t"`
	Cid       uint32            `msgpack:"c,omitempty"`
	Token     string            `msgpack:"tok,omitempty"`
	MatchID   string            `msgpack:"m,omitempty"`
	Label     string            `msgpack:"l,omitempty"`
	Metadata  map[string]string `msgpack:"md,omitempty"`
	OpCode    int64             `msgpack:"op,omitempty"`
	Data      []byte            `msgpack:"d,omitempty"`
	Self      *Presence         `msgpack:"self,omitempty"`
	Sender    *Presence         `msgpack:"snd,omitempty"`
	Presences []Presence        `msgpack:"p,omitempty"`
	Joins     []Presence        `msgpack:"j,omitempty"`
	Leaves    []Presence        `msgpack:"lv,omitempty"`
	Code      int               `msgpack:"ec,omitempty"`
	Message   string            `msgpack:"em,omitempty"`
}

const (
	headerSize = 4
	flagZstd   = 1 << 0

	// MaxFrameSize: предел размера кадра (флаги + полезная нагрузка)
	MaxFrameSize = 1 << 20
	// DefaultCompressThreshold: кадры больше этого размера сжимаются zstd
	DefaultCompressThreshold = 128
)

var (
	ErrFrameTooLarge = errors.New("relay: frame exceeds size limit")
	ErrEmptyFrame    = errors.New("relay: empty frame")
)

// Codec кодирует кадры: [длина uint32 LE][флаги][msgpack, возможно сжатый zstd].
// Безопасен для одновременного использования.
type Codec struct {
	enc       *zstd.Encoder
	dec       *zstd.Decoder
	threshold int
}

// NewCodec создаёт кодек; threshold <= 0 — порог по умолчанию
func NewCodec(threshold int) (*Codec, error) {
	if threshold <= 0 {
		threshold = DefaultCompressThreshold
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxFrameSize), zstd.WithDecoderConcurrency(0))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	return &Codec{enc: enc, dec: dec, threshold: threshold}, nil
}

// Close освобождает ресурсы zstd
func (c *Codec) Close() {
	_ = c.enc.Close()
	c.dec.Close()
}

// Encode сериализует кадр вместе с заголовком
func (c *Codec) Encode(f *Frame) ([]byte, error) {
	payload, err := msgpack.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("relay: encode %s: %w", f.Type, err)
	}

	var flags byte
	if len(payload) > c.threshold {
		payload = c.enc.EncodeAll(payload, make([]byte, 0, len(payload)))
		flags |= flagZstd
	}

	size := len(payload) + 1
	if size > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	buf := make([]byte, headerSize+size)
	binary.LittleEndian.PutUint32(buf, uint32(size))
	buf[headerSize] = flags
	copy(buf[headerSize+1:], payload)
	return buf, nil
}

// ReadFrame читает из r ровно один кадр
func (c *Codec) ReadFrame(r io.Reader) (*Frame, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	size := binary.LittleEndian.Uint32(header[:])
	if size == 0 {
		return nil, ErrEmptyFrame
	}
	if size > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return c.Decode(body[0], body[1:])
}

// Decode разбирает тело кадра с флагами flags
func (c *Codec) Decode(flags byte, payload []byte) (*Frame, error) {
	if flags&flagZstd != 0 {
		decompressed, err := c.dec.DecodeAll(payload, nil)
		if err != nil {
			return nil, fmt.Errorf("relay: decompression failed: %w", err)
		}
		payload = decompressed
	}

	f := &Frame{}
	if err := msgpack.Unmarshal(payload, f); err != nil {
		return nil, fmt.Errorf("relay: decode frame: %w", err)
	}
	if f.Type == 0 {
		return nil, fmt.Errorf("relay: frame without type")
	}
	return f, nil
}
