package stream

import (
	"bufio"
	"encoding/json"
	"fmt"

	"github.com/nulpointcorp/inference-gateway/pkg/apierr"
)

// WriteSSE writes every chunk of s as a "data:" frame, an error frame when
// the stream ended abnormally, and the closing [DONE] marker. It flushes
// after each frame and returns the first write error, which usually means
// the client went away.
func WriteSSE(w *bufio.Writer, s *Stream) error {
	for c := range s.Chunks() {
		data, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("marshal chunk: %w", err)
		}
		if err := writeFrame(w, data); err != nil {
			return err
		}
	}
	if err := s.Err(); err != nil {
		if err := writeFrame(w, apierr.Envelope(err)); err != nil {
			return err
		}
	}
	return writeFrame(w, []byte("[DONE]"))
}

func writeFrame(w *bufio.Writer, data []byte) error {
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return w.Flush()
}
