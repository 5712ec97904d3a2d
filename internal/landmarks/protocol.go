package landmarks

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// maxMessageSize bounds a single framed message (a 1080p RGBA frame is ~8 MiB).
const maxMessageSize = 64 << 20

// request is one frame sent to the worker.
type request struct {
	Seq       uint64 `msgpack:"seq"`
	Width     int    `msgpack:"width"`
	Height    int    `msgpack:"height"`
	Format    string `msgpack:"format"`
	FrameData []byte `msgpack:"frame_data"`
	TraceID   string `msgpack:"trace_id"`
}

// response carries normalized [0,1] landmark coordinates for the first face.
type response struct {
	Seq       uint64       `msgpack:"seq"`
	Found     bool         `msgpack:"found"`
	Landmarks [][2]float64 `msgpack:"landmarks"`
	LatencyMS float64      `msgpack:"latency_ms"`
	Error     string       `msgpack:"error,omitempty"`
}

// writeMessage writes v as msgpack behind a 4-byte big-endian length prefix.
func writeMessage(w io.Writer, v any) error {
	payload, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal msgpack message: %w", err)
	}
	if len(payload) > maxMessageSize {
		return fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(payload))
	}

	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[4:], payload)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// readMessage reads one length-prefixed msgpack message into v.
// io.EOF is returned unwrapped when the stream ends between messages.
func readMessage(r io.Reader, v any) error {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(prefix[:])
	if n > maxMessageSize {
		return fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, n)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return fmt.Errorf("failed to read msgpack data: %w", err)
	}
	if err := msgpack.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("failed to unmarshal msgpack message: %w", err)
	}
	return nil
}
