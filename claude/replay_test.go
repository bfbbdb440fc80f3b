package claude

import (
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestReplay_HistoryFlushedBeforeFirstLiveChunk(t *testing.T) {
	rec := &recorder{}
	cb := rec.callbacks()
	replay := NewReplayCoordinator(time.Minute, cb.OnHistory, testLogger())
	m := NewStateMachine(cb, replay, testLogger())

	feed(t, m,
		// Historical turn 1
		`{"type":"user","message":{"role":"user","content":"first question"}}`,
		`{"type":"assistant","message":{"content":[{"type":"text","text":"first answer"}]}}`,
		// Historical turn 2 with a tool
		`{"type":"user","message":{"role":"user","content":"second question"}}`,
		`{"type":"assistant","message":{"content":[{"type":"tool_use","id":"t1","name":"Read","input":{}}]}}`,
		`{"type":"user","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"t1","content":"ok"}]}}`,
		`{"type":"assistant","message":{"content":[{"type":"text","text":"second answer"}]}}`,
		// Live turn
		`{"type":"message_start"}`,
		`{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"live"}}`,
	)

	got := rec.log()
	want := []string{"history:6", "chunk:live"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("calls = %v, want %v", got, want)
	}
	if len(rec.history) != 1 {
		t.Fatalf("onHistory fired %d times, want 1", len(rec.history))
	}
	if rec.history[0][0].Role != "user" || rec.history[0][1].Blocks[0].Text != "first answer" {
		t.Errorf("history order wrong: %+v", rec.history[0][:2])
	}
	if m.Replaying() {
		t.Error("replay should be over")
	}

	// Later deltas and a further End never flush again.
	feed(t, m, `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":" more"}}`)
	replay.End()
	if len(rec.history) != 1 {
		t.Errorf("onHistory fired %d times, want 1", len(rec.history))
	}
}

func TestReplay_SuppressesLiveNotificationsDuringHistory(t *testing.T) {
	rec := &recorder{}
	cb := rec.callbacks()
	replay := NewReplayCoordinator(time.Minute, cb.OnHistory, testLogger())
	m := NewStateMachine(cb, replay, testLogger())

	// A replayed message may arrive in streamed form without deltas.
	feed(t, m,
		`{"type":"message_start"}`,
		`{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"t1","name":"Read"}}`,
		`{"type":"content_block_stop","index":0}`,
		`{"type":"message_stop"}`,
		`{"type":"assistant","message":{"content":[{"type":"tool_use","id":"t1","name":"Read","input":{}}]}}`,
	)

	if calls := rec.log(); len(calls) != 0 {
		t.Errorf("expected no callbacks while replaying, got %v", calls)
	}
	if replay.Buffered() != 1 {
		t.Errorf("Buffered = %d, want 1", replay.Buffered())
	}
}

func TestReplay_SafetyTimeoutAfterResult(t *testing.T) {
	rec := &recorder{}
	cb := rec.callbacks()
	replay := NewReplayCoordinator(50*time.Millisecond, cb.OnHistory, testLogger())
	m := NewStateMachine(cb, replay, testLogger())

	feed(t, m,
		`{"type":"assistant","message":{"content":[{"type":"text","text":"old"}]}}`,
		`{"type":"result","subtype":"success","num_turns":1}`,
	)

	// The result of the replayed turn still completes it.
	if rec.count("turn:") != 1 {
		t.Errorf("expected turn completion during replay, got %v", rec.log())
	}
	if rec.count("history:") != 0 {
		t.Fatal("history flushed before the timeout")
	}

	deadline := time.Now().Add(2 * time.Second)
	for rec.count("history:") == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if rec.count("history:") != 1 {
		t.Fatalf("history not flushed by safety timeout: %v", rec.log())
	}
	if m.Replaying() {
		t.Error("replay should have ended")
	}

	// Messages after the timeout are live.
	feed(t, m, `{"type":"assistant","message":{"content":[{"type":"text","text":"new"}]}}`)
	if rec.count("chunk:new") != 1 {
		t.Errorf("post-replay message not delivered live: %v", rec.log())
	}
}

func TestReplay_RearmCancelsPreviousTimer(t *testing.T) {
	var flushes atomic.Int32
	replay := NewReplayCoordinator(80*time.Millisecond, func([]HistoryMessage) { flushes.Add(1) }, testLogger())
	replay.Capture(HistoryMessage{Role: "assistant"})

	replay.ArmTimeout()
	time.Sleep(50 * time.Millisecond)
	replay.ArmTimeout()
	time.Sleep(50 * time.Millisecond)

	// 100ms after the first arm, but only 50ms after the second.
	if !replay.Active() {
		t.Fatal("first timer should have been cancelled by the rearm")
	}

	deadline := time.Now().Add(2 * time.Second)
	for replay.Active() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(100 * time.Millisecond)
	if got := flushes.Load(); got != 1 {
		t.Errorf("flushes = %d, want 1", got)
	}
}

func TestReplay_EndIsIdempotent(t *testing.T) {
	var flushes int
	replay := NewReplayCoordinator(time.Minute, func([]HistoryMessage) { flushes++ }, testLogger())
	replay.Capture(HistoryMessage{Role: "user"})

	if !replay.End() {
		t.Error("first End should report true")
	}
	if replay.End() {
		t.Error("second End should report false")
	}
	if flushes != 1 {
		t.Errorf("flushes = %d, want 1", flushes)
	}
	if replay.Capture(HistoryMessage{Role: "user"}) {
		t.Error("Capture after End should return false")
	}
}

func TestReplay_EmptyHistoryNotFlushed(t *testing.T) {
	var flushes int
	replay := NewReplayCoordinator(time.Minute, func([]HistoryMessage) { flushes++ }, testLogger())
	replay.End()
	if flushes != 0 {
		t.Errorf("flushes = %d, want 0 for empty history", flushes)
	}
}

func TestReplay_CloseDropsHistory(t *testing.T) {
	var flushes int
	replay := NewReplayCoordinator(20*time.Millisecond, func([]HistoryMessage) { flushes++ }, testLogger())
	replay.Capture(HistoryMessage{Role: "user"})
	replay.ArmTimeout()
	replay.Close()

	time.Sleep(60 * time.Millisecond)
	if flushes != 0 {
		t.Errorf("flushes = %d, want 0 after Close", flushes)
	}
	if replay.End() {
		t.Error("End after Close should be a no-op")
	}
}

func TestReplay_ToolStartHeldUntilReplayEnds(t *testing.T) {
	rec := &recorder{}
	cb := rec.callbacks()
	replay := NewReplayCoordinator(time.Minute, cb.OnHistory, testLogger())
	m := NewStateMachine(cb, replay, testLogger())

	feed(t, m,
		`{"type":"assistant","message":{"id":"h1","content":[{"type":"text","text":"earlier"}]}}`,
		`{"type":"message_start","message":{"id":"m2"}}`,
		`{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"t9","name":"Bash"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{\"command\":\"ls\"}"}}`,
		`{"type":"content_block_stop","index":0}`,
		`{"type":"assistant","message":{"id":"m2","content":[{"type":"tool_use","id":"t9","name":"Bash","input":{"command":"ls"}}]}}`,
	)

	want := []string{"history:1", "tool:t9:", `tool:t9:{"command":"ls"}`}
	if got := rec.log(); strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("calls = %v, want %v", got, want)
	}
	if rec.tools[0].Input != nil || rec.tools[0].Status != ToolStatusRunning {
		t.Errorf("start notification = %+v, want running with nil input", rec.tools[0])
	}
}

func TestReplay_ToolEndedDuringReplayReportedByFullMessage(t *testing.T) {
	rec := &recorder{}
	cb := rec.callbacks()
	replay := NewReplayCoordinator(time.Minute, cb.OnHistory, testLogger())
	m := NewStateMachine(cb, replay, testLogger())

	feed(t, m,
		`{"type":"user","message":{"role":"user","content":"earlier"}}`,
		`{"type":"message_start","message":{"id":"m2"}}`,
		`{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"t1","name":"Read"}}`,
		`{"type":"content_block_stop","index":0}`,
	)
	if calls := rec.log(); len(calls) != 0 {
		t.Fatalf("expected no callbacks while replaying, got %v", calls)
	}

	replay.End()
	feed(t, m, `{"type":"assistant","message":{"id":"m2","content":[{"type":"tool_use","id":"t1","name":"Read","input":{"file_path":"/a"}}]}}`)

	want := []string{"history:1", `tool:t1:{"file_path":"/a"}`}
	if got := rec.log(); strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("calls = %v, want %v", got, want)
	}
}
