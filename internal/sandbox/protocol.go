package sandbox

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/watzon/tracery/internal/events"
)

// Exit codes used by the worker process.
const (
	ExitOK             = 0
	ExitBadJob         = 2
	ExitMemoryExceeded = 3
)

// frame is one NDJSON line written by the worker: either a tracking event or
// the final result.
type frame struct {
	Event  *events.Event `json:"event,omitempty"`
	Result *Result       `json:"result,omitempty"`
}

// frameWriter serializes frames to w. It is safe for concurrent use.
type frameWriter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func newFrameWriter(w io.Writer) *frameWriter {
	return &frameWriter{enc: json.NewEncoder(w)}
}

func (fw *frameWriter) Emit(ev events.Event) {
	fw.write(frame{Event: &ev})
}

func (fw *frameWriter) result(res *Result) error {
	return fw.write(frame{Result: res})
}

func (fw *frameWriter) write(f frame) error {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return fw.enc.Encode(f)
}

// readFrames forwards events from r to sink and returns the final result,
// or nil if the stream ended without one.
func readFrames(r io.Reader, sink events.Sink) (*Result, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16<<20)

	var res *Result
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if line[0] != '{' {
			log.Debug().Str("line", string(line)).Msg("Ignoring non-frame worker output")
			continue
		}
		var f frame
		if err := json.Unmarshal(line, &f); err != nil {
			return res, fmt.Errorf("decoding worker frame: %w", err)
		}
		switch {
		case f.Event != nil:
			sink.Emit(*f.Event)
		case f.Result != nil:
			res = f.Result
		}
	}
	if err := scanner.Err(); err != nil {
		return res, fmt.Errorf("reading worker output: %w", err)
	}
	return res, nil
}
