package cascade

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// sseDone is the terminal frame of a server-sent-event stream.
const sseDone = "data: [DONE]\n\n"

// EncodeSSE renders one stream chunk as a server-sent-event frame. Each
// frame is independently JSON-parseable; the closing chunk carries final
// usage and finish_reason.
func EncodeSSE(chunk StreamChunk) ([]byte, error) {
	body, err := json.Marshal(chunk)
	if err != nil {
		return nil, fmt.Errorf("failed to encode stream chunk: %w", err)
	}
	return []byte("data: " + string(body) + "\n\n"), nil
}

// SSEWriter streams chunks to an io.Writer in SSE framing, flushing after
// each frame when the writer supports it.
type SSEWriter struct {
	w       io.Writer
	flusher http.Flusher
}

// NewSSEWriter wraps w. If w implements http.Flusher each frame is flushed
// immediately.
func NewSSEWriter(w io.Writer) *SSEWriter {
	sw := &SSEWriter{w: w}
	if f, ok := w.(http.Flusher); ok {
		sw.flusher = f
	}
	return sw
}

// WriteChunk emits one frame.
func (sw *SSEWriter) WriteChunk(chunk StreamChunk) error {
	frame, err := EncodeSSE(chunk)
	if err != nil {
		return err
	}
	if _, err := sw.w.Write(frame); err != nil {
		return fmt.Errorf("failed to write stream frame: %w", err)
	}
	sw.flush()
	return nil
}

// Done emits the terminal [DONE] frame.
func (sw *SSEWriter) Done() error {
	if _, err := sw.w.Write([]byte(sseDone)); err != nil {
		return fmt.Errorf("failed to write stream terminator: %w", err)
	}
	sw.flush()
	return nil
}

func (sw *SSEWriter) flush() {
	if sw.flusher != nil {
		sw.flusher.Flush()
	}
}

// StreamAdapter bridges a StreamingProvider to an SSEWriter: provider chunks
// are forwarded as frames and the final response is returned for the
// executor's bookkeeping. Streaming is only forwarded on direct strategies;
// cascade validation needs the complete draft first.
func StreamAdapter(sw *SSEWriter) StreamCallback {
	return func(chunk StreamChunk) {
		if err := sw.WriteChunk(chunk); err != nil {
			return
		}
		if chunk.Done {
			sw.Done()
		}
	}
}
