package claude

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

type blockState int

const (
	stateIdle blockState = iota
	stateToolUse
	stateThinking
)

// StateMachine turns decoded events into Callbacks for one session.
//
// Handle must be called from a single goroutine, in stream order.
type StateMachine struct {
	cb     Callbacks
	replay *ReplayCoordinator // nil for fresh sessions
	log    *slog.Logger

	state       blockState
	toolID      string
	toolName    string
	partialJSON strings.Builder
	thinking    strings.Builder

	// forwarded holds tool-use ids already reported for the current message.
	forwarded map[string]struct{}
	// streamed is set once any content_block_* event arrives for the message.
	streamed bool
	// messageID identifies the current message.
	messageID string
	// heldToolStart is set when a tool-use block started during replay and
	// its start has not been reported yet.
	heldToolStart bool

	remoteSessionID string
}

// NewStateMachine creates a state machine. Pass a ReplayCoordinator when the
// session resumes or continues a prior conversation.
func NewStateMachine(cb Callbacks, replay *ReplayCoordinator, log *slog.Logger) *StateMachine {
	return &StateMachine{
		cb:        cb,
		replay:    replay,
		log:       log,
		forwarded: make(map[string]struct{}),
	}
}

// Replaying reports whether history is still being buffered.
func (m *StateMachine) Replaying() bool {
	return m.replay != nil && m.replay.Active()
}

// RemoteSessionID returns the CLI's session id once a system record has
// reported it.
func (m *StateMachine) RemoteSessionID() string {
	return m.remoteSessionID
}

// Handle applies one event.
func (m *StateMachine) Handle(ev Event) {
	switch ev.Kind {
	case EventSystem:
		m.handleSystem(ev)
	case EventMessageStart:
		m.resetMessage()
		m.messageID = ev.MessageID
	case EventContentBlockStart:
		m.handleBlockStart(ev.Block)
	case EventContentBlockDelta:
		m.handleBlockDelta(ev.Delta)
	case EventContentBlockStop:
		m.handleBlockStop()
	case EventMessageStop:
		if !m.Replaying() {
			m.cb.complete()
		}
	case EventAssistant:
		m.handleAssistant(ev)
	case EventUser:
		m.handleUser(ev)
	case EventResult:
		m.handleResult(ev)
	case EventError:
		m.cb.error(ev.Error)
	case EventControlRequest:
		m.handleControlRequest(ev)
	case EventControlCancel:
		m.cb.controlCancel(ev.RequestID)
	default:
		// Unrecognized record types are ignored.
	}
}

// HandleExit tears down per-message state and reports the exit.
func (m *StateMachine) HandleExit(info ExitInfo) {
	if m.replay != nil {
		m.replay.Close()
	}
	m.resetMessage()
	m.cb.exit(info)
}

func (m *StateMachine) handleSystem(ev Event) {
	if ev.SessionID == "" || ev.SessionID == m.remoteSessionID {
		return
	}
	m.remoteSessionID = ev.SessionID
	m.cb.systemInfo(ev.SessionID)
}

func (m *StateMachine) resetMessage() {
	clear(m.forwarded)
	m.state = stateIdle
	m.toolID = ""
	m.toolName = ""
	m.partialJSON.Reset()
	m.thinking.Reset()
	m.streamed = false
	m.messageID = ""
	m.heldToolStart = false
}

func (m *StateMachine) handleBlockStart(block ContentBlock) {
	m.streamed = true
	m.heldToolStart = false

	switch block.Kind {
	case BlockToolUse:
		m.state = stateToolUse
		m.toolID = block.ID
		m.toolName = block.Name
		m.partialJSON.Reset()
		if m.Replaying() {
			m.heldToolStart = true
		} else {
			m.cb.toolUse(block.ID, block.Name, nil, ToolStatusRunning)
		}
	case BlockThinking:
		m.state = stateThinking
		m.thinking.Reset()
	default:
		// Text blocks are not tracked; their deltas pass straight through.
		m.state = stateIdle
	}
}

func (m *StateMachine) handleBlockDelta(delta Delta) {
	m.streamed = true

	// The first live delta is the signal that history replay is over.
	if m.replay != nil {
		buffered := m.replay.Buffered()
		if m.replay.End() && m.log != nil {
			m.log.Debug("replay ended by first live delta", "messages", buffered)
		}
	}
	m.releaseToolStart()

	switch delta.Kind {
	case DeltaText:
		m.cb.chunk(delta.Text)
	case DeltaInputJSON:
		if m.state == stateToolUse {
			m.partialJSON.WriteString(delta.Text)
		}
	case DeltaThinking:
		if m.state == stateThinking {
			m.thinking.WriteString(delta.Text)
			m.cb.thinking(delta.Text, true)
		}
	}
}

func (m *StateMachine) handleBlockStop() {
	m.streamed = true

	switch m.state {
	case stateToolUse:
		m.releaseToolStart()
		input := parseToolInput(m.partialJSON.String())
		// A block that ends during replay is left for the full message,
		// which is captured as history or reported live.
		if !m.Replaying() {
			if m.toolID != "" {
				m.forwarded[m.toolID] = struct{}{}
			}
			m.cb.toolUse(m.toolID, m.toolName, input, ToolStatusRunning)
		}
		m.heldToolStart = false
		m.toolID = ""
		m.toolName = ""
		m.partialJSON.Reset()
	case stateThinking:
		if !m.Replaying() {
			m.cb.thinking(m.thinking.String(), false)
		}
		m.thinking.Reset()
	}
	m.state = stateIdle
}

// releaseToolStart reports a held tool-use start once replay is over.
func (m *StateMachine) releaseToolStart() {
	if !m.heldToolStart || m.Replaying() {
		return
	}
	m.heldToolStart = false
	if m.state == stateToolUse {
		m.cb.toolUse(m.toolID, m.toolName, nil, ToolStatusRunning)
	}
}

// parseToolInput parses accumulated input_json_delta fragments. Input that
// is empty or not valid JSON is reported as nil rather than as an error.
func parseToolInput(accumulated string) json.RawMessage {
	if strings.TrimSpace(accumulated) == "" || !json.Valid([]byte(accumulated)) {
		return nil
	}
	return json.RawMessage(accumulated)
}

func (m *StateMachine) handleAssistant(ev Event) {
	if m.replay != nil && m.replay.Capture(HistoryMessage{Role: "assistant", Blocks: ev.Blocks}) {
		return
	}

	// Without partial messages there is no message_start; a new id starts a
	// new message.
	if ev.MessageID != "" && ev.MessageID != m.messageID {
		if m.messageID != "" {
			clear(m.forwarded)
			m.streamed = false
		}
		m.messageID = ev.MessageID
	}

	for _, block := range ev.Blocks {
		switch block.Kind {
		case BlockText:
			if !m.streamed {
				m.cb.chunk(block.Text)
			}
		case BlockThinking:
			if !m.streamed {
				m.cb.thinking(block.Text, false)
			}
		case BlockToolUse:
			// A tool use may already have been reported from the incremental
			// path; report each id at most once per message.
			if _, seen := m.forwarded[block.ID]; seen {
				continue
			}
			m.forwarded[block.ID] = struct{}{}
			m.cb.toolUse(block.ID, block.Name, block.Input, ToolStatusRunning)
		}
	}
}

func (m *StateMachine) handleUser(ev Event) {
	if m.replay != nil && m.replay.Capture(HistoryMessage{Role: "user", Blocks: ev.Blocks}) {
		return
	}

	for _, block := range ev.Blocks {
		if block.Kind == BlockToolResult {
			m.cb.toolResult(block.ToolUseID, block.Content, block.IsError)
		}
	}
}

func (m *StateMachine) handleResult(ev Event) {
	if ev.Result == nil {
		return
	}
	if m.Replaying() {
		m.replay.ArmTimeout()
	}

	res := *ev.Result
	stats := TurnStats{
		Success:     res.Success(),
		CostUSD:     res.TotalCostUSD,
		Usage:       res.Usage,
		Duration:    time.Duration(res.DurationMs) * time.Millisecond,
		APIDuration: time.Duration(res.DurationAPIMs) * time.Millisecond,
		NumTurns:    res.NumTurns,
	}
	if !stats.Success {
		m.cb.error(describeResultError(res))
	}
	m.cb.turnComplete(stats)
}

// resultSubtypeReasons maps known error subtypes to readable text.
var resultSubtypeReasons = map[string]string{
	"error_max_turns":                     "maximum number of turns reached",
	"error_max_budget_usd":                "budget limit reached",
	"error_during_execution":              "error during execution",
	"error_max_structured_output_retries": "structured output retries exhausted",
}

// describeResultError builds the message for a failed turn from the subtype
// and whatever detail the record carries.
func describeResultError(res ResultInfo) string {
	reason, ok := resultSubtypeReasons[res.Subtype]
	if !ok {
		reason = res.Subtype
		if reason == "" || reason == "success" {
			reason = "turn failed"
		}
	}

	detail := strings.Join(res.Errors, "; ")
	if detail == "" {
		detail = res.Result
	}
	if detail == "" {
		return reason
	}
	return fmt.Sprintf("%s: %s", reason, detail)
}

func (m *StateMachine) handleControlRequest(ev Event) {
	if ev.Control == nil {
		return
	}
	if ev.Control.Subtype != "can_use_tool" {
		if m.log != nil {
			m.log.Debug("ignoring control request", "subtype", ev.Control.Subtype, "requestID", ev.Control.RequestID)
		}
		return
	}
	m.cb.controlRequest(*ev.Control)
}
