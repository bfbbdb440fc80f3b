package claude

import (
	"encoding/json"
	"time"
)

// ToolStatus is the lifecycle state reported with a tool-use notification.
type ToolStatus string

const (
	ToolStatusRunning ToolStatus = "running"
)

// TurnStats is the metadata reported when a turn finishes.
type TurnStats struct {
	Success     bool
	CostUSD     float64
	Usage       StreamUsage
	Duration    time.Duration
	APIDuration time.Duration
	NumTurns    int
}

// HistoryMessage is one message re-delivered by the CLI while resuming.
type HistoryMessage struct {
	Role   string         `json:"role"` // "assistant" or "user"
	Blocks []ContentBlock `json:"blocks"`
}

// ExitInfo describes how the subprocess ended.
type ExitInfo struct {
	Code      int      // exit status, -1 when killed by a signal or never waited
	Signal    string   // e.g. "SIGKILL", empty for a normal exit
	Stderr    []string // last lines written to stderr
	Requested bool     // the exit followed an explicit Stop
	Err       error    // wait error that is not an exit status
}

// Callbacks is the surface the protocol layer reports through.
// Any field may be nil.
//
// Content callbacks (OnChunk through OnError) are invoked from the session's
// stdout goroutine in stream order. OnHistory may also be invoked from the
// replay timer goroutine; it never overlaps a live content callback that
// follows it.
type Callbacks struct {
	OnChunk        func(text string)
	OnToolUse      func(id, name string, input json.RawMessage, status ToolStatus)
	OnToolResult   func(toolUseID string, result json.RawMessage, isError bool)
	OnThinking     func(text string, partial bool)
	OnComplete     func()
	OnTurnComplete func(stats TurnStats)
	OnSystemInfo   func(remoteSessionID string)
	OnHistory      func(messages []HistoryMessage)
	OnError        func(message string)
	OnExit         func(info ExitInfo)

	// OnControlRequest and OnControlCancel carry permission prompts to the
	// session, which routes them to the permission bridge.
	OnControlRequest func(req ControlRequest)
	OnControlCancel  func(requestID string)
}

func (c *Callbacks) chunk(text string) {
	if c.OnChunk != nil {
		c.OnChunk(text)
	}
}

func (c *Callbacks) toolUse(id, name string, input json.RawMessage, status ToolStatus) {
	if c.OnToolUse != nil {
		c.OnToolUse(id, name, input, status)
	}
}

func (c *Callbacks) toolResult(id string, result json.RawMessage, isError bool) {
	if c.OnToolResult != nil {
		c.OnToolResult(id, result, isError)
	}
}

func (c *Callbacks) thinking(text string, partial bool) {
	if c.OnThinking != nil {
		c.OnThinking(text, partial)
	}
}

func (c *Callbacks) complete() {
	if c.OnComplete != nil {
		c.OnComplete()
	}
}

func (c *Callbacks) turnComplete(stats TurnStats) {
	if c.OnTurnComplete != nil {
		c.OnTurnComplete(stats)
	}
}

func (c *Callbacks) systemInfo(id string) {
	if c.OnSystemInfo != nil {
		c.OnSystemInfo(id)
	}
}

func (c *Callbacks) history(msgs []HistoryMessage) {
	if c.OnHistory != nil {
		c.OnHistory(msgs)
	}
}

func (c *Callbacks) error(msg string) {
	if c.OnError != nil {
		c.OnError(msg)
	}
}

func (c *Callbacks) exit(info ExitInfo) {
	if c.OnExit != nil {
		c.OnExit(info)
	}
}

func (c *Callbacks) controlRequest(req ControlRequest) {
	if c.OnControlRequest != nil {
		c.OnControlRequest(req)
	}
}

func (c *Callbacks) controlCancel(id string) {
	if c.OnControlCancel != nil {
		c.OnControlCancel(id)
	}
}
