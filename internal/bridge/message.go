package bridge

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Kind is the type of a message.
type Kind byte

const (
	// Text messages carry line oriented commands.
	Text Kind = 1
	// Binary messages carry opaque payloads such as rendered tiles.
	Binary Kind = 2
)

func (k Kind) String() string {
	switch k {
	case Text:
		return "text"
	case Binary:
		return "binary"
	default:
		return fmt.Sprintf("kind(%d)", byte(k))
	}
}

const (
	compressedFlag = 0x80

	// DefaultCompressionThreshold is the size above which binary payloads
	// are compressed.
	DefaultCompressionThreshold = 4096

	maxMessageSize = 64 << 20
)

var (
	ErrFrame = errors.New("malformed bridge frame")

	encoder, _ = zstd.NewWriter(nil)
	decoder, _ = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxMessageSize))
)

// Message is the unit of exchange of a session. Each message travels as a
// single write on the underlying socket.
type Message struct {
	Kind Kind
	Data []byte
}

func TextMessage(s string) Message { return Message{Kind: Text, Data: []byte(s)} }

func BinaryMessage(b []byte) Message { return Message{Kind: Binary, Data: b} }

func (m Message) String() string {
	if m.Kind == Text {
		return string(m.Data)
	}
	return fmt.Sprintf("%s[%d]", m.Kind, len(m.Data))
}

// appendFrame appends the frame encoding msg to dst. Binary payloads of at
// least threshold bytes are compressed, a zero threshold disables
// compression.
func appendFrame(dst []byte, msg Message, threshold int) (frame []byte, compressed bool, err error) {
	switch msg.Kind {
	case Text, Binary:
	default:
		return dst, false, fmt.Errorf("%w: invalid message kind %d", ErrFrame, byte(msg.Kind))
	}
	if len(msg.Data) > maxMessageSize {
		return dst, false, fmt.Errorf("%w: message of %d bytes is too large", ErrFrame, len(msg.Data))
	}

	header := byte(msg.Kind)
	if msg.Kind == Binary && threshold > 0 && len(msg.Data) >= threshold {
		dst = append(dst, header|compressedFlag)
		return encoder.EncodeAll(msg.Data, dst), true, nil
	}
	dst = append(dst, header)
	return append(dst, msg.Data...), false, nil
}

func parseFrame(frame []byte) (Message, error) {
	if len(frame) == 0 {
		return Message{}, fmt.Errorf("%w: empty frame", ErrFrame)
	}
	msg := Message{Kind: Kind(frame[0] &^ compressedFlag)}
	switch msg.Kind {
	case Text, Binary:
	default:
		return Message{}, fmt.Errorf("%w: invalid message kind %d", ErrFrame, byte(msg.Kind))
	}

	if frame[0]&compressedFlag == 0 {
		msg.Data = frame[1:]
		return msg, nil
	}
	data, err := decoder.DecodeAll(frame[1:], nil)
	if err != nil {
		return Message{}, fmt.Errorf("%w: %s", ErrFrame, err)
	}
	msg.Data = data
	return msg, nil
}
