package claude

import (
	"encoding/json"
	"fmt"
)

// EventKind discriminates the records the CLI writes to stdout.
type EventKind int

const (
	EventUnknown EventKind = iota
	EventSystem
	EventAssistant
	EventUser
	EventResult
	EventError
	EventMessageStart
	EventContentBlockStart
	EventContentBlockDelta
	EventContentBlockStop
	EventMessageStop
	EventControlRequest
	EventControlCancel
)

var eventKindNames = map[EventKind]string{
	EventUnknown:           "unknown",
	EventSystem:            "system",
	EventAssistant:         "assistant",
	EventUser:              "user",
	EventResult:            "result",
	EventError:             "error",
	EventMessageStart:      "message_start",
	EventContentBlockStart: "content_block_start",
	EventContentBlockDelta: "content_block_delta",
	EventContentBlockStop:  "content_block_stop",
	EventMessageStop:       "message_stop",
	EventControlRequest:    "control_request",
	EventControlCancel:     "control_cancel_request",
}

func (k EventKind) String() string {
	if s, ok := eventKindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// BlockKind is the type of a content block.
type BlockKind string

const (
	BlockText       BlockKind = "text"
	BlockToolUse    BlockKind = "tool_use"
	BlockThinking   BlockKind = "thinking"
	BlockToolResult BlockKind = "tool_result"
)

// DeltaKind is the type of an incremental content_block_delta payload.
type DeltaKind string

const (
	DeltaText      DeltaKind = "text_delta"
	DeltaInputJSON DeltaKind = "input_json_delta"
	DeltaThinking  DeltaKind = "thinking_delta"
)

// ContentBlock is one block of an assistant or user message.
type ContentBlock struct {
	Kind  BlockKind       `json:"kind"`
	Text  string          `json:"text,omitempty"` // text or thinking
	ID    string          `json:"id,omitempty"`   // tool_use
	Name  string          `json:"name,omitempty"` // tool_use
	Input json.RawMessage `json:"input,omitempty"`

	ToolUseID string          `json:"tool_use_id,omitempty"` // tool_result
	Content   json.RawMessage `json:"content,omitempty"`     // tool_result payload, string or array
	IsError   bool            `json:"is_error,omitempty"`
}

// Delta is the payload of a content_block_delta.
type Delta struct {
	Kind DeltaKind
	Text string // text, thinking, or partial JSON fragment
}

// StreamUsage is the token usage reported by the CLI.
type StreamUsage struct {
	InputTokens              int `json:"input_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
	OutputTokens             int `json:"output_tokens"`
}

// ResultInfo carries the fields of a result record.
type ResultInfo struct {
	Subtype       string
	IsError       bool
	Result        string
	Errors        []string
	TotalCostUSD  float64
	DurationMs    int
	DurationAPIMs int
	NumTurns      int
	Usage         StreamUsage
}

// Success reports whether the turn finished normally.
func (r ResultInfo) Success() bool {
	return r.Subtype == "success" && !r.IsError
}

// ControlRequest is a permission prompt sent by the CLI when it runs with
// --permission-prompt-tool stdio.
type ControlRequest struct {
	RequestID   string
	Subtype     string // "can_use_tool"
	ToolName    string
	ToolUseID   string
	Input       json.RawMessage
	Suggestions json.RawMessage // permission_suggestions, passed back on allow_always
}

// Event is one decoded stdout record. Only the fields relevant to Kind are set.
type Event struct {
	Kind EventKind

	Subtype   string // system, result
	SessionID string // remote session id carried by system and result records

	MessageID string         // assistant, user, message_start
	Blocks    []ContentBlock // assistant, user

	Index int          // content_block_*
	Block ContentBlock // content_block_start
	Delta Delta        // content_block_delta

	Result *ResultInfo // result
	Error  string      // error

	Control   *ControlRequest // control_request
	RequestID string          // control_cancel_request
}

// wireRecord is the union of every field the CLI writes on stdout.
type wireRecord struct {
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype"`
	SessionID string          `json:"session_id,omitempty"`
	Message   json.RawMessage `json:"message,omitempty"`
	Event     json.RawMessage `json:"event,omitempty"` // stream_event envelope

	Index        int        `json:"index,omitempty"`
	ContentBlock *wireBlock `json:"content_block,omitempty"`
	Delta        *wireDelta `json:"delta,omitempty"`

	Result        string          `json:"result,omitempty"`
	IsError       bool            `json:"is_error,omitempty"`
	Error         json.RawMessage `json:"error,omitempty"`
	Errors        []string        `json:"errors,omitempty"`
	DurationMs    int             `json:"duration_ms,omitempty"`
	DurationAPIMs int             `json:"duration_api_ms,omitempty"`
	NumTurns      int             `json:"num_turns,omitempty"`
	TotalCostUSD  float64         `json:"total_cost_usd,omitempty"`
	Usage         *StreamUsage    `json:"usage,omitempty"`

	RequestID string              `json:"request_id,omitempty"`
	Request   *wireControlRequest `json:"request,omitempty"`
}

type wireMessage struct {
	ID      string          `json:"id,omitempty"`
	Role    string          `json:"role,omitempty"`
	Content json.RawMessage `json:"content,omitempty"` // array of blocks, or a plain string for user prompts
}

type wireBlock struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Text      string          `json:"text,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

type wireDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	Thinking    string `json:"thinking,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
}

type wireControlRequest struct {
	Subtype               string          `json:"subtype"`
	ToolName              string          `json:"tool_name,omitempty"`
	ToolUseID             string          `json:"tool_use_id,omitempty"`
	Input                 json.RawMessage `json:"input,omitempty"`
	PermissionSuggestions json.RawMessage `json:"permission_suggestions,omitempty"`
}

// decodeEvent decodes one JSON line. Records of an unrecognized type decode
// to EventUnknown without error; only invalid JSON is an error.
func decodeEvent(line []byte) (Event, error) {
	var rec wireRecord
	if err := json.Unmarshal(line, &rec); err != nil {
		return Event{}, err
	}

	// --include-partial-messages wraps partial events in a stream_event envelope.
	if rec.Type == "stream_event" {
		if len(rec.Event) == 0 {
			return Event{Kind: EventUnknown}, nil
		}
		var inner wireRecord
		if err := json.Unmarshal(rec.Event, &inner); err != nil {
			return Event{}, err
		}
		if inner.SessionID == "" {
			inner.SessionID = rec.SessionID
		}
		rec = inner
	}

	ev := Event{Subtype: rec.Subtype, SessionID: rec.SessionID, Index: rec.Index}

	switch rec.Type {
	case "system":
		ev.Kind = EventSystem

	case "assistant", "user":
		ev.Kind = EventAssistant
		if rec.Type == "user" {
			ev.Kind = EventUser
		}
		msg, blocks := decodeMessage(rec.Message)
		ev.MessageID = msg.ID
		ev.Blocks = blocks

	case "result":
		ev.Kind = EventResult
		info := &ResultInfo{
			Subtype:       rec.Subtype,
			IsError:       rec.IsError,
			Result:        rec.Result,
			Errors:        rec.Errors,
			TotalCostUSD:  rec.TotalCostUSD,
			DurationMs:    rec.DurationMs,
			DurationAPIMs: rec.DurationAPIMs,
			NumTurns:      rec.NumTurns,
		}
		if rec.Usage != nil {
			info.Usage = *rec.Usage
		}
		if info.Result == "" {
			info.Result = errorText(rec.Error)
		}
		ev.Result = info

	case "error":
		ev.Kind = EventError
		ev.Error = errorText(rec.Error)
		if ev.Error == "" {
			ev.Error = errorText(rec.Message)
		}
		if ev.Error == "" {
			ev.Error = "unknown error"
		}

	case "message_start":
		ev.Kind = EventMessageStart
		var msg wireMessage
		if len(rec.Message) > 0 && json.Unmarshal(rec.Message, &msg) == nil {
			ev.MessageID = msg.ID
		}

	case "content_block_start":
		ev.Kind = EventContentBlockStart
		if rec.ContentBlock != nil {
			ev.Block = convertBlock(*rec.ContentBlock)
		}

	case "content_block_delta":
		ev.Kind = EventContentBlockDelta
		if rec.Delta != nil {
			ev.Delta = convertDelta(*rec.Delta)
		}

	case "content_block_stop":
		ev.Kind = EventContentBlockStop

	case "message_stop":
		ev.Kind = EventMessageStop

	case "control_request":
		ev.Kind = EventControlRequest
		cr := &ControlRequest{RequestID: rec.RequestID}
		if rec.Request != nil {
			cr.Subtype = rec.Request.Subtype
			cr.ToolName = rec.Request.ToolName
			cr.ToolUseID = rec.Request.ToolUseID
			cr.Input = rec.Request.Input
			cr.Suggestions = rec.Request.PermissionSuggestions
		}
		ev.Control = cr

	case "control_cancel_request":
		ev.Kind = EventControlCancel
		ev.RequestID = rec.RequestID

	default:
		ev.Kind = EventUnknown
	}

	return ev, nil
}

// decodeMessage extracts the content blocks of an assistant or user message.
// A plain string content (the user's own prompt) becomes one text block.
func decodeMessage(raw json.RawMessage) (wireMessage, []ContentBlock) {
	var msg wireMessage
	if len(raw) == 0 || json.Unmarshal(raw, &msg) != nil {
		return msg, nil
	}
	if len(msg.Content) == 0 {
		return msg, nil
	}

	var text string
	if json.Unmarshal(msg.Content, &text) == nil {
		return msg, []ContentBlock{{Kind: BlockText, Text: text}}
	}

	var wire []wireBlock
	if json.Unmarshal(msg.Content, &wire) != nil {
		return msg, nil
	}
	blocks := make([]ContentBlock, 0, len(wire))
	for _, b := range wire {
		blocks = append(blocks, convertBlock(b))
	}
	return msg, blocks
}

func convertBlock(b wireBlock) ContentBlock {
	block := ContentBlock{
		Kind:      BlockKind(b.Type),
		ID:        b.ID,
		Name:      b.Name,
		Input:     b.Input,
		ToolUseID: b.ToolUseID,
		Content:   b.Content,
		IsError:   b.IsError,
		Text:      b.Text,
	}
	if block.Kind == BlockThinking {
		block.Text = b.Thinking
	}
	return block
}

func convertDelta(d wireDelta) Delta {
	delta := Delta{Kind: DeltaKind(d.Type)}
	switch delta.Kind {
	case DeltaText:
		delta.Text = d.Text
	case DeltaInputJSON:
		delta.Text = d.PartialJSON
	case DeltaThinking:
		delta.Text = d.Thinking
	}
	return delta
}

// errorText reads an error that is either a JSON string or an object with a
// "message" field.
func errorText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &obj) == nil {
		return obj.Message
	}
	return ""
}
