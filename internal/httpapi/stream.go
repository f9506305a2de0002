package httpapi

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/modelbridge/modelbridge/internal/dialect/anthropic"
	"github.com/modelbridge/modelbridge/internal/translate"
)

func sseHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
}

// flushWrite writes one pre-formatted SSE frame and flushes.
func flushWrite(w http.ResponseWriter, flusher http.Flusher, frame []byte) error {
	if _, err := w.Write(frame); err != nil {
		return err
	}
	if flusher != nil {
		flusher.Flush()
	}
	return nil
}

func sseEvent(event string, data []byte) []byte {
	var buf bytes.Buffer
	if event != "" {
		buf.WriteString("event: ")
		buf.WriteString(event)
		buf.WriteByte('\n')
	}
	buf.WriteString("data: ")
	buf.Write(data)
	buf.WriteString("\n\n")
	return buf.Bytes()
}

// copySSE forwards an upstream SSE body verbatim, bounded by
// maxStreamBytes. Returns false when the copy was cut short.
func copySSE(w http.ResponseWriter, body io.Reader, logger *slog.Logger, requestID string) bool {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	var total int64
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			total += int64(n)
			if total > maxStreamBytes {
				logger.Warn("stream: max size exceeded",
					slog.String("request_id", requestID),
					slog.Int64("bytes", total))
				return false
			}
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				logger.Warn("stream: write error",
					slog.String("request_id", requestID),
					slog.String("error", writeErr.Error()))
				return false
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if readErr != nil {
			if readErr != io.EOF {
				logger.Warn("stream: read error",
					slog.String("request_id", requestID),
					slog.String("error", readErr.Error()))
				return false
			}
			return true
		}
	}
}

// sseScanner iterates data frames of an SSE stream, pairing each with its
// preceding event name.
type sseScanner struct {
	scanner *bufio.Scanner
	event   string
}

func newSSEScanner(r io.Reader) *sseScanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	return &sseScanner{scanner: sc}
}

// Next returns the next data frame, or ok=false at end of stream.
func (s *sseScanner) Next() (event string, data []byte, ok bool) {
	for s.scanner.Scan() {
		line := s.scanner.Bytes()
		switch {
		case bytes.HasPrefix(line, []byte("event: ")):
			s.event = string(bytes.TrimPrefix(line, []byte("event: ")))
		case bytes.HasPrefix(line, []byte("data: ")):
			data = bytes.Clone(bytes.TrimPrefix(line, []byte("data: ")))
			event = s.event
			return event, data, true
		}
	}
	return "", nil, false
}

// translateStream converts a messages-dialect SSE body into
// chat-completions chunks, ending with the [DONE] sentinel.
func translateStream(w http.ResponseWriter, body io.Reader, model string, logger *slog.Logger, requestID string) {
	flusher, _ := w.(http.Flusher)
	tr := translate.NewStreamTranslator(model)
	sc := newSSEScanner(body)

	for {
		_, data, ok := sc.Next()
		if !ok {
			break
		}
		if bytes.Equal(data, []byte("[DONE]")) {
			break
		}
		var ev anthropic.StreamEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			logger.Warn("stream: dropping unparsable event",
				slog.String("request_id", requestID),
				slog.String("error", err.Error()))
			continue
		}
		chunk, done := tr.Translate(&ev)
		if chunk != nil {
			out, err := json.Marshal(chunk)
			if err != nil {
				continue
			}
			if err := flushWrite(w, flusher, sseEvent("", out)); err != nil {
				return
			}
		}
		if done {
			break
		}
	}
	_ = flushWrite(w, flusher, sseEvent("", []byte("[DONE]")))
}

// canonicalEvents turns a buffered messages-dialect response into the event
// sequence a streaming upstream would have produced. Used when the client
// asked to stream but the selected upstream cannot.
func canonicalEvents(resp *anthropic.MessagesResponse) []*anthropic.StreamEvent {
	start := *resp
	start.Content = []anthropic.ContentBlock{}
	start.StopReason = ""

	events := []*anthropic.StreamEvent{
		{Type: "message_start", Message: &start},
	}
	for i := range resp.Content {
		block := resp.Content[i]
		events = append(events, &anthropic.StreamEvent{
			Type: "content_block_start", Index: i,
			ContentBlock: &anthropic.ContentBlock{Type: block.Type, ID: block.ID, Name: block.Name},
		})
		switch block.Type {
		case "text":
			events = append(events, &anthropic.StreamEvent{
				Type: "content_block_delta", Index: i,
				Delta: &anthropic.StreamDelta{Type: "text_delta", Text: block.Text},
			})
		case "tool_use":
			events = append(events, &anthropic.StreamEvent{
				Type: "content_block_delta", Index: i,
				Delta: &anthropic.StreamDelta{Type: "input_json_delta", PartialJSON: string(block.Input)},
			})
		}
		events = append(events, &anthropic.StreamEvent{Type: "content_block_stop", Index: i})
	}
	events = append(events,
		&anthropic.StreamEvent{
			Type:  "message_delta",
			Delta: &anthropic.StreamDelta{StopReason: resp.StopReason},
			Usage: &resp.Usage,
		},
		&anthropic.StreamEvent{Type: "message_stop"},
	)
	return events
}

// replayCanonicalStream writes the synthesised event sequence as SSE frames
// in the messages dialect.
func replayCanonicalStream(w http.ResponseWriter, resp *anthropic.MessagesResponse) {
	flusher, _ := w.(http.Flusher)
	for _, ev := range canonicalEvents(resp) {
		data, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		if flushWrite(w, flusher, sseEvent(ev.Type, data)) != nil {
			return
		}
	}
}
