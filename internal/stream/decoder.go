package stream

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/ashureev/agentgov/internal/domain"
)

const (
	dataPrefix   = "data:"
	doneSentinel = "[DONE]"
	maxLoggedLen = 200
)

// payload is the JSON body of one data line.
type payload struct {
	Type     string          `json:"type"`
	Content  string          `json:"content"`
	Message  string          `json:"message"`
	Error    json.RawMessage `json:"error"`
	Metadata *metadata       `json:"metadata"`
}

type metadata struct {
	AgentUsed   string          `json:"agent_used"`
	AgentID     string          `json:"agent_id"`
	Model       string          `json:"model"`
	TaskCreated bool            `json:"task_created"`
	TaskID      json.RawMessage `json:"task_id"`
	TokensUsed  int             `json:"tokens_used"`
}

func (m *metadata) toDomain() domain.MessageMetadata {
	agent := m.AgentUsed
	if agent == "" {
		agent = m.AgentID
	}
	return domain.MessageMetadata{
		AgentUsed:   agent,
		Model:       m.Model,
		TaskCreated: m.TaskCreated,
		TaskID:      rawString(m.TaskID),
		TokensUsed:  m.TokensUsed,
	}
}

// rawString renders a JSON string or number as text.
func rawString(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.Message
	}
	return ""
}

// Decoder converts fragments of a streaming body into events. It keeps the
// trailing partial line between calls, so the output does not depend on
// where the fragments were split. A Decoder serves one stream only.
type Decoder struct {
	buf        []byte
	meta       domain.MessageMetadata
	sawMeta    bool
	terminated bool
	logger     *slog.Logger
}

// NewDecoder creates a decoder. If logger is nil, slog.Default() is used.
func NewDecoder(logger *slog.Logger) *Decoder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Decoder{logger: logger}
}

// Terminated reports whether a Done or Error has been produced.
func (d *Decoder) Terminated() bool {
	return d.terminated
}

// Feed appends fragment to the buffer and returns the events of every
// complete line. After a terminal event the rest of the input is ignored.
func (d *Decoder) Feed(fragment []byte) []Event {
	if d.terminated {
		return nil
	}
	d.buf = append(d.buf, fragment...)

	var events []Event
	consumed := 0
	for {
		idx := bytes.IndexByte(d.buf[consumed:], '\n')
		if idx < 0 {
			break
		}
		line := d.buf[consumed : consumed+idx]
		consumed += idx + 1

		ev, ok := d.parseLine(line)
		if !ok {
			continue
		}
		events = append(events, ev)
		if Terminal(ev) {
			d.terminated = true
			d.buf = nil
			return events
		}
	}

	n := copy(d.buf, d.buf[consumed:])
	d.buf = d.buf[:n]
	return events
}

// Finish flushes the trailing partial line and guarantees termination: if no
// terminal event has been seen, it synthesizes Done with the last metadata.
func (d *Decoder) Finish() []Event {
	if d.terminated {
		return nil
	}
	var events []Event
	if len(d.buf) > 0 {
		if ev, ok := d.parseLine(d.buf); ok {
			events = append(events, ev)
		}
		d.buf = nil
	}
	d.terminated = true
	if len(events) > 0 && Terminal(events[len(events)-1]) {
		return events
	}
	return append(events, Done{Metadata: d.meta})
}

// parseLine decodes one line. It reports false for lines that produce no
// event: blanks, non-data fields, malformed JSON and unknown types.
func (d *Decoder) parseLine(line []byte) (Event, bool) {
	text := strings.TrimRight(string(line), "\r")
	if strings.TrimSpace(text) == "" {
		return nil, false
	}
	if !strings.HasPrefix(text, dataPrefix) {
		d.logger.Debug("ignoring non-data stream line", "line", truncate(text))
		return nil, false
	}
	data := strings.TrimSpace(text[len(dataPrefix):])
	if data == doneSentinel {
		return Done{Metadata: d.meta}, true
	}

	var p payload
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		d.logger.Warn("skipping malformed stream line", "line", truncate(data), "error", err)
		return nil, false
	}

	switch p.Type {
	case "content":
		return ContentDelta{Text: p.Content}, true
	case "status":
		note := p.Content
		if note == "" {
			note = p.Message
		}
		return Status{Text: note}, true
	case "complete":
		if p.Metadata != nil {
			d.meta = p.Metadata.toDomain()
			d.sawMeta = true
		}
		return Complete{Metadata: d.meta}, true
	case "error":
		msg := p.Message
		if msg == "" {
			msg = rawString(p.Error)
		}
		if msg == "" {
			msg = p.Content
		}
		if msg == "" {
			msg = "Stream error"
		}
		return Error{Message: msg}, true
	case "done":
		if !d.sawMeta && p.Metadata != nil {
			d.meta = p.Metadata.toDomain()
		}
		return Done{Metadata: d.meta}, true
	default:
		d.logger.Warn("skipping stream line with unknown type", "type", p.Type)
		return nil, false
	}
}

func truncate(s string) string {
	if len(s) <= maxLoggedLen {
		return s
	}
	return s[:maxLoggedLen] + "..."
}
