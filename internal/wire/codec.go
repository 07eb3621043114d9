package wire

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/SergeyGaydamakov/counters/internal/debug"
)

// maxFrameBytes bounds a single wire frame. Aggregation results are capped
// well below this by the per-type depth limit.
const maxFrameBytes = 64 << 20

// Encoder writes newline-delimited JSON frames. Safe for concurrent use.
type Encoder struct {
	mu sync.Mutex
	w  *bufio.Writer
}

// NewEncoder wraps w in a frame encoder.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: bufio.NewWriter(w)}
}

// Encode serializes msg as one frame and flushes it. Dates inside msg must
// already be serialized (see SerializeDates); time.Time values would otherwise
// marshal with nanosecond precision and fail the receiver's pattern.
func (e *Encoder) Encode(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("wire: encode: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.w.Write(data); err != nil {
		return fmt.Errorf("wire: write frame: %w", err)
	}
	if err := e.w.WriteByte('\n'); err != nil {
		return fmt.Errorf("wire: write frame: %w", err)
	}
	if err := e.w.Flush(); err != nil {
		return fmt.Errorf("wire: flush frame: %w", err)
	}
	return nil
}

// Decoder reads newline-delimited JSON frames and returns typed messages.
type Decoder struct {
	scanner *bufio.Scanner
}

// NewDecoder wraps r in a frame decoder.
func NewDecoder(r io.Reader) *Decoder {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxFrameBytes)
	return &Decoder{scanner: sc}
}

// Decode reads the next frame. Returns io.EOF when the peer closes the
// channel. Blank lines are skipped.
func (d *Decoder) Decode() (interface{}, error) {
	for d.scanner.Scan() {
		line := d.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		msg, err := Decode(line)
		if err != nil {
			debug.Logf("wire: dropping undecodable frame: %v", err)
			return nil, err
		}
		return msg, nil
	}
	if err := d.scanner.Err(); err != nil {
		return nil, fmt.Errorf("wire: read frame: %w", err)
	}
	return nil, io.EOF
}
