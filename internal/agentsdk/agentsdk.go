// Package agentsdk consumes the Agent SDK subprocess's typed event stream:
// a newline-delimited JSON protocol emitted on the subprocess's stdout.
// The core only understands the event types this package decodes —
// everything else is skipped by Consume without failing the turn.
package agentsdk

import (
	"bufio"
	"encoding/json"
	"io"

	"github.com/nextlevelbuilder/goclaw/internal/apperr"
)

// EventType names the outer event envelope's "type" discriminator.
type EventType string

const (
	EventContentBlockDelta EventType = "content_block_delta"
	EventAssistantMessage  EventType = "AssistantMessage"
	EventSystemMessage     EventType = "SystemMessage"
	EventResultMessage     EventType = "ResultMessage"
)

// DeltaType discriminates a content_block_delta's nested delta.
type DeltaType string

const (
	DeltaText     DeltaType = "text_delta"
	DeltaThinking DeltaType = "thinking_delta"
)

// MaxToolOutputChars truncates a tool result before it is surfaced to the
// client or recorded as a hidden tool_call message.
const MaxToolOutputChars = 2000

// Envelope is the outer shape every subprocess line is decoded into first,
// so the type discriminator can route to the right nested payload.
type Envelope struct {
	Type    EventType       `json:"type"`
	Subtype string          `json:"subtype,omitempty"`
	Raw     json.RawMessage `json:"-"`
}

// ContentBlockDelta is a streamed text/thinking fragment.
type ContentBlockDelta struct {
	Index int `json:"index"`
	Delta struct {
		Type DeltaType `json:"type"`
		Text string    `json:"text"`
	} `json:"delta"`
}

// ToolUseBlock is a tool invocation the assistant requested.
type ToolUseBlock struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResultBlock is a tool's returned output.
type ToolResultBlock struct {
	ToolUseID string `json:"tool_use_id"`
	Content   string `json:"content"`
	IsError   bool   `json:"is_error,omitempty"`
}

// AssistantMessage carries zero or more tool-use/tool-result blocks.
type AssistantMessage struct {
	ToolUse    []ToolUseBlock    `json:"tool_use,omitempty"`
	ToolResult []ToolResultBlock `json:"tool_result,omitempty"`
}

// SystemMessage is emitted once per session; subtype="init" carries the
// SDK-assigned session id.
type SystemMessage struct {
	Subtype   string `json:"subtype"`
	SessionID string `json:"session_id"`
}

// ResultMessage ends the turn.
type ResultMessage struct {
	SessionID  string  `json:"session_id"`
	CostUSD    float64 `json:"cost_usd"`
	DurationMS int64   `json:"duration_ms"`
	NumTurns   int     `json:"num_turns"`
	InputTokens  int   `json:"input_tokens"`
	OutputTokens int   `json:"output_tokens"`
	IsError    bool    `json:"is_error"`
	Error      string  `json:"error,omitempty"`
}

// Handler receives decoded events as they're read off the subprocess's
// stdout. Each method corresponds to one of the event types the core
// understands; everything else is ignored.
type Handler interface {
	OnContentDelta(blockIndex int, kind DeltaType, text string)
	OnToolUse(block ToolUseBlock)
	OnToolResult(block ToolResultBlock)
	OnSessionInit(sdkSessionID string)
	OnResult(result ResultMessage)
}

// Consume reads newline-delimited JSON events from r until EOF or ctx-like
// caller cancellation (the caller closes r to stop early), dispatching
// each to h. It stops and returns nil as soon as a ResultMessage is
// observed, since that event terminates the turn.
func Consume(r io.Reader, h Handler) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var env Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			continue // malformed line: skip rather than abort the whole stream
		}

		switch env.Type {
		case EventContentBlockDelta:
			var d ContentBlockDelta
			if err := json.Unmarshal(line, &d); err != nil {
				continue
			}
			h.OnContentDelta(d.Index, d.Delta.Type, d.Delta.Text)

		case EventAssistantMessage:
			var m AssistantMessage
			if err := json.Unmarshal(line, &m); err != nil {
				continue
			}
			for _, tu := range m.ToolUse {
				h.OnToolUse(tu)
			}
			for _, tr := range m.ToolResult {
				tr.Content = truncate(tr.Content, MaxToolOutputChars)
				h.OnToolResult(tr)
			}

		case EventSystemMessage:
			if env.Subtype != "init" {
				continue
			}
			var sm SystemMessage
			if err := json.Unmarshal(line, &sm); err != nil {
				continue
			}
			h.OnSessionInit(sm.SessionID)

		case EventResultMessage:
			var res ResultMessage
			if err := json.Unmarshal(line, &res); err != nil {
				return apperr.Wrap(apperr.KindExternal, "agentsdk.Consume", "decode ResultMessage", err)
			}
			h.OnResult(res)
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return apperr.Wrap(apperr.KindExternal, "agentsdk.Consume", "scan subprocess stdout", err)
	}
	return nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
