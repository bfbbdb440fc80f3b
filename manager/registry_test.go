package manager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/zhubert/plural-supervisor/claude"
	"github.com/zhubert/plural-supervisor/config"
	"github.com/zhubert/plural-supervisor/logger"
	"github.com/zhubert/plural-supervisor/permission"
	"github.com/zhubert/plural-supervisor/store"
)

func TestMain(m *testing.M) {
	logger.Reset()
	logger.Init(os.DevNull)

	code := m.Run()

	logger.Reset()
	os.Exit(code)
}

// fakeCLI speaks just enough of the stream-json protocol to drive a session.
// It records its arguments to $FAKE_ARGS_FILE.
const fakeCLI = `#!/bin/sh
if [ -n "$FAKE_ARGS_FILE" ]; then
	printf '%s\n' "$@" > "$FAKE_ARGS_FILE"
fi
echo '{"type":"system","subtype":"init","session_id":"remote-1"}'
case " $* " in
*" --resume "*)
	echo '{"type":"user","message":{"role":"user","content":"earlier question"}}'
	echo '{"type":"assistant","message":{"id":"h1","role":"assistant","content":[{"type":"text","text":"earlier answer"}]}}'
	echo '{"type":"result","subtype":"success","session_id":"remote-1","num_turns":1}'
	;;
esac

interrupted=
trap 'interrupted=1' INT

reply() {
	echo "{\"type\":\"assistant\",\"message\":{\"id\":\"$1\",\"role\":\"assistant\",\"content\":[{\"type\":\"text\",\"text\":\"$2\"}]}}"
	echo '{"type":"result","subtype":"success","session_id":"remote-1","num_turns":1}'
}

while IFS= read -r line; do
	case "$line" in
	*control_response*'"behavior":"allow"'*)
		reply m2 "ran it" ;;
	*control_response*'"behavior":"deny"'*)
		reply m3 "skipped" ;;
	*needs-permission*)
		echo '{"type":"control_request","request_id":"req-1","request":{"subtype":"can_use_tool","tool_name":"Bash","input":{"command":"ls"}}}' ;;
	*withdraw-permission*)
		echo '{"type":"control_request","request_id":"req-2","request":{"subtype":"can_use_tool","tool_name":"Bash","input":{"command":"rm -rf build"}}}'
		sleep 0.2
		echo '{"type":"control_cancel_request","request_id":"req-2"}'
		reply m4 "withdrawn" ;;
	*slow*)
		echo '{"type":"assistant","message":{"id":"m5","role":"assistant","content":[{"type":"text","text":"working"}]}}'
		sleep 5
		if [ -n "$interrupted" ]; then
			interrupted=
			echo '{"type":"result","subtype":"error_during_execution","is_error":true,"session_id":"remote-1","errors":["interrupted"]}'
		else
			echo '{"type":"result","subtype":"success","session_id":"remote-1","num_turns":1}'
		fi ;;
	*crash*)
		echo "fatal: boom" >&2
		exit 3 ;;
	*)
		reply m1 "hello back" ;;
	esac
done
`

// eventLog records consumer callbacks as short strings.
type eventLog struct {
	mu      sync.Mutex
	entries []string
	exit    claude.ExitInfo
}

func (e *eventLog) add(format string, args ...any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.entries = append(e.entries, fmt.Sprintf(format, args...))
}

func (e *eventLog) count(entry string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, got := range e.entries {
		if got == entry {
			n++
		}
	}
	return n
}

func (e *eventLog) snapshot() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.entries)
}

func (e *eventLog) lastExit() claude.ExitInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.exit
}

func (e *eventLog) waitFor(t *testing.T, entry string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if e.count(entry) > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %q; got %v", entry, e.snapshot())
}

func (e *eventLog) callbacks(string) claude.Callbacks {
	return claude.Callbacks{
		OnChunk:        func(text string) { e.add("chunk:%s", text) },
		OnTurnComplete: func(stats claude.TurnStats) { e.add("turn:%v", stats.Success) },
		OnSystemInfo:   func(id string) { e.add("system:%s", id) },
		OnHistory:      func(msgs []claude.HistoryMessage) { e.add("history:%d", len(msgs)) },
		OnError:        func(msg string) { e.add("error:%s", msg) },
		OnExit: func(info claude.ExitInfo) {
			e.mu.Lock()
			e.exit = info
			e.mu.Unlock()
			e.add("exit:%d:%v", info.Code, info.Requested)
		},
	}
}

// promptLog is a permission.Notifier that records what it is shown.
type promptLog struct {
	mu        sync.Mutex
	requested []permission.Request
	resolved  []permission.Decision
}

func (p *promptLog) PermissionRequested(req permission.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requested = append(p.requested, req)
}

func (p *promptLog) PermissionResolved(_ permission.Request, d permission.Decision) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resolved = append(p.resolved, d)
}

func (p *promptLog) waitRequested(t *testing.T) permission.Request {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		p.mu.Lock()
		if len(p.requested) > 0 {
			req := p.requested[len(p.requested)-1]
			p.mu.Unlock()
			return req
		}
		p.mu.Unlock()
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timed out waiting for a permission request")
	return permission.Request{}
}

func (p *promptLog) waitResolved(t *testing.T) permission.Decision {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		p.mu.Lock()
		if len(p.resolved) > 0 {
			d := p.resolved[len(p.resolved)-1]
			p.mu.Unlock()
			return d
		}
		p.mu.Unlock()
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timed out waiting for a permission decision")
	return permission.Decision{}
}

type harness struct {
	cfg      *config.Config
	bridge   *permission.Bridge
	prompts  *promptLog
	events   *eventLog
	store    *store.FileStore
	reg      *Registry
	argsFile string
}

func newHarness(t *testing.T, opts ...RegistryOption) *harness {
	t.Helper()
	dir := t.TempDir()

	cli := filepath.Join(dir, "fake-claude")
	if err := os.WriteFile(cli, []byte(fakeCLI), 0755); err != nil {
		t.Fatalf("failed to write fake CLI: %v", err)
	}

	h := &harness{
		cfg:      config.New(),
		prompts:  &promptLog{},
		events:   &eventLog{},
		argsFile: filepath.Join(dir, "args"),
	}
	h.cfg.ClaudePath = cli
	h.cfg.Env["FAKE_ARGS_FILE"] = h.argsFile
	h.cfg.StopTimeout = 2 * time.Second
	h.cfg.ReplayTimeout = 200 * time.Millisecond

	st, err := store.NewFileStore(filepath.Join(dir, "sessions"))
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	h.store = st
	h.bridge = permission.NewBridge(permission.WithNotifier(h.prompts))

	opts = append([]RegistryOption{WithStore(st), WithConsumer(h.events.callbacks)}, opts...)
	h.reg = NewRegistry(h.cfg, h.bridge, opts...)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		h.reg.Shutdown(ctx)
	})
	return h
}

func (h *harness) create(t *testing.T, id string) *Session {
	t.Helper()
	s, err := h.reg.Create(context.Background(), CreateOptions{ID: id, WorkingDir: t.TempDir()})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	h.events.waitFor(t, "system:remote-1", 5*time.Second)
	return s
}

func (h *harness) args(t *testing.T) []string {
	t.Helper()
	data, err := os.ReadFile(h.argsFile)
	if err != nil {
		t.Fatalf("failed to read recorded args: %v", err)
	}
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

func hasPair(args []string, flag, value string) bool {
	for i := 0; i+1 < len(args); i++ {
		if args[i] == flag && args[i+1] == value {
			return true
		}
	}
	return false
}

func TestRegistry_CreateAndSend(t *testing.T) {
	h := newHarness(t)
	s := h.create(t, "s1")

	if got := s.Status(); got != StatusActive {
		t.Fatalf("status = %q, want active", got)
	}
	args := h.args(t)
	if !hasPair(args, "--session-id", "s1") {
		t.Errorf("expected --session-id s1 in %v", args)
	}
	if !hasPair(args, "--permission-prompt-tool", "stdio") {
		t.Errorf("expected stdio permission prompts in %v", args)
	}
	if !hasPair(args, "--allowedTools", "Read") {
		t.Errorf("expected default read-only tools in %v", args)
	}

	if err := h.reg.SendMessage(context.Background(), "s1", "hello"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	h.events.waitFor(t, "chunk:hello back", 5*time.Second)
	h.events.waitFor(t, "turn:true", 5*time.Second)

	info := s.Info()
	if info.Busy {
		t.Error("session should not be busy after the turn completed")
	}
	if info.RemoteSessionID != "remote-1" {
		t.Errorf("RemoteSessionID = %q, want remote-1", info.RemoteSessionID)
	}
	if info.PID == 0 {
		t.Error("expected a PID for a live session")
	}
	if info.LastEventTime == nil {
		t.Error("expected LastEventTime to be set")
	}

	rec, err := h.store.Get(context.Background(), "s1")
	if err != nil {
		t.Fatalf("store.Get: %v", err)
	}
	if rec.Status != string(StatusActive) || rec.RemoteSessionID != "remote-1" || rec.PID != info.PID {
		t.Errorf("unexpected stored record: %+v", rec)
	}
}

func TestRegistry_SendWhileBusy(t *testing.T) {
	h := newHarness(t)
	h.create(t, "busy")

	if err := h.reg.SendMessage(context.Background(), "busy", "slow"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	err := h.reg.SendMessage(context.Background(), "busy", "again")
	if !errors.Is(err, ErrSessionBusy) {
		t.Errorf("second SendMessage = %v, want ErrSessionBusy", err)
	}
}

func TestRegistry_Interrupt(t *testing.T) {
	h := newHarness(t)
	s := h.create(t, "int")

	if err := h.reg.SendMessage(context.Background(), "int", "slow"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	h.events.waitFor(t, "chunk:working", 5*time.Second)

	if err := h.reg.Interrupt("int"); err != nil {
		t.Fatalf("Interrupt: %v", err)
	}
	h.events.waitFor(t, "turn:false", 10*time.Second)

	if got := s.Status(); got != StatusActive {
		t.Fatalf("status after interrupt = %q, want active", got)
	}
	if err := h.reg.SendMessage(context.Background(), "int", "hello"); err != nil {
		t.Fatalf("SendMessage after interrupt: %v", err)
	}
	h.events.waitFor(t, "chunk:hello back", 5*time.Second)
}

func TestRegistry_PermissionAllow(t *testing.T) {
	h := newHarness(t)
	h.create(t, "perm")

	if err := h.reg.SendMessage(context.Background(), "perm", "needs-permission"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	req := h.prompts.waitRequested(t)
	if req.SessionID != "perm" || req.ToolName != "Bash" {
		t.Errorf("unexpected request: %+v", req)
	}
	if err := h.bridge.Respond(req.ID, permission.ActionAllow, ""); err != nil {
		t.Fatalf("Respond: %v", err)
	}
	h.events.waitFor(t, "chunk:ran it", 5*time.Second)
	h.events.waitFor(t, "turn:true", 5*time.Second)
}

func TestRegistry_PermissionDeny(t *testing.T) {
	h := newHarness(t)
	h.create(t, "perm")

	if err := h.reg.SendMessage(context.Background(), "perm", "needs-permission"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	req := h.prompts.waitRequested(t)
	if err := h.bridge.Respond(req.ID, permission.ActionDenyWithMessage, "not now"); err != nil {
		t.Fatalf("Respond: %v", err)
	}
	h.events.waitFor(t, "chunk:skipped", 5*time.Second)
}

func TestRegistry_PermissionWithdrawnByCLI(t *testing.T) {
	h := newHarness(t)
	h.create(t, "withdraw")

	if err := h.reg.SendMessage(context.Background(), "withdraw", "withdraw-permission"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	h.prompts.waitRequested(t)
	d := h.prompts.waitResolved(t)
	if d.Allowed() || d.Message != permission.MessageCancelled {
		t.Errorf("decision = %+v, want denial with %q", d, permission.MessageCancelled)
	}

	h.events.waitFor(t, "chunk:withdrawn", 5*time.Second)
	h.events.waitFor(t, "turn:true", 5*time.Second)
	if n := h.events.count("chunk:skipped"); n != 0 {
		t.Error("a withdrawn request must not be answered")
	}
	if pending := h.bridge.Pending("withdraw"); len(pending) != 0 {
		t.Errorf("expected no pending requests, got %d", len(pending))
	}
}

func TestRegistry_StopDeniesPendingPermission(t *testing.T) {
	h := newHarness(t)
	s := h.create(t, "stop")

	if err := h.reg.SendMessage(context.Background(), "stop", "needs-permission"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	h.prompts.waitRequested(t)

	if err := h.reg.Stop(context.Background(), "stop"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	d := h.prompts.waitResolved(t)
	if d.Allowed() || d.Message != permission.MessageSessionStopped {
		t.Errorf("decision = %+v, want denial with %q", d, permission.MessageSessionStopped)
	}
	if got := s.Status(); got != StatusStopped {
		t.Errorf("status = %q, want stopped", got)
	}
	if !h.events.lastExit().Requested {
		t.Error("exit after Stop should be marked requested")
	}

	// Stopping again is a no-op and reports the exit only once.
	if err := h.reg.Stop(context.Background(), "stop"); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	exits := 0
	for _, e := range h.events.snapshot() {
		if strings.HasPrefix(e, "exit:") {
			exits++
		}
	}
	if exits != 1 {
		t.Errorf("exit reported %d times, want 1", exits)
	}

	if err := h.reg.SendMessage(context.Background(), "stop", "hello"); !errors.Is(err, ErrSessionNotRunning) {
		t.Errorf("SendMessage after stop = %v, want ErrSessionNotRunning", err)
	}
	if err := h.reg.Interrupt("stop"); !errors.Is(err, ErrSessionNotRunning) {
		t.Errorf("Interrupt after stop = %v, want ErrSessionNotRunning", err)
	}

	rec, err := h.store.Get(context.Background(), "stop")
	if err != nil {
		t.Fatalf("store.Get: %v", err)
	}
	if rec.Status != string(StatusStopped) || rec.PID != 0 {
		t.Errorf("unexpected stored record: %+v", rec)
	}
}

func TestRegistry_ProcessCrash(t *testing.T) {
	h := newHarness(t)
	s := h.create(t, "crash")

	if err := h.reg.SendMessage(context.Background(), "crash", "crash"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	h.events.waitFor(t, "exit:3:false", 5*time.Second)

	info := s.Info()
	if info.Status != StatusExited {
		t.Errorf("status = %q, want exited", info.Status)
	}
	if info.Busy {
		t.Error("an exited session must not stay busy")
	}
	if info.ExitCode == nil || *info.ExitCode != 3 {
		t.Errorf("ExitCode = %v, want 3", info.ExitCode)
	}
	if stderr := h.events.lastExit().Stderr; !slices.Contains(stderr, "fatal: boom") {
		t.Errorf("stderr tail = %v, want it to contain the crash message", stderr)
	}
	if err := h.reg.SendMessage(context.Background(), "crash", "hello"); !errors.Is(err, ErrSessionNotRunning) {
		t.Errorf("SendMessage after exit = %v, want ErrSessionNotRunning", err)
	}
}

func TestRegistry_StartFailure(t *testing.T) {
	h := newHarness(t)
	h.cfg.ClaudePath = filepath.Join(t.TempDir(), "missing-claude")

	s, err := h.reg.Create(context.Background(), CreateOptions{ID: "broken"})
	if err == nil {
		t.Fatal("expected Create to fail for a missing executable")
	}
	if s == nil || s.Status() != StatusExited {
		t.Fatalf("expected an exited session, got %+v", s)
	}
	if err := h.reg.SendMessage(context.Background(), "broken", "hello"); !errors.Is(err, ErrSessionNotRunning) {
		t.Errorf("SendMessage = %v, want ErrSessionNotRunning", err)
	}

	var errs []string
	for _, e := range h.events.snapshot() {
		if strings.HasPrefix(e, "error:") {
			errs = append(errs, e)
		}
	}
	if len(errs) != 1 || !strings.Contains(errs[0], "missing-claude") {
		t.Errorf("consumer errors = %v, want one spawn error", errs)
	}
	if n := h.events.count("exit:-1:false"); n != 0 {
		t.Errorf("spawn failure should not report an exit, got %d", n)
	}
}

func TestRegistry_StopBeforeSpawn(t *testing.T) {
	h := newHarness(t)

	s, err := h.reg.newSession(CreateOptions{ID: "early", WorkingDir: t.TempDir()})
	if err != nil {
		t.Fatalf("newSession: %v", err)
	}
	h.reg.mu.Lock()
	h.reg.sessions[s.id] = s
	h.reg.mu.Unlock()

	if err := h.reg.Stop(context.Background(), "early"); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if err := s.start(); !errors.Is(err, ErrSessionNotRunning) {
		t.Errorf("start after Stop = %v, want ErrSessionNotRunning", err)
	}
	if s.Status() != StatusStopped {
		t.Errorf("status = %s, want stopped", s.Status())
	}
	if s.supervisor.IsRunning() || s.supervisor.Pid() != 0 {
		t.Errorf("no process should have been spawned, pid=%d", s.supervisor.Pid())
	}
	if _, err := os.Stat(h.argsFile); !os.IsNotExist(err) {
		t.Error("fake CLI ran although the session was stopped")
	}
}

func TestRegistry_ConcurrentCreateSameID(t *testing.T) {
	h := newHarness(t)
	dir := t.TempDir()

	var wg sync.WaitGroup
	var mu sync.Mutex
	var created, rejected int
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.reg.Create(context.Background(), CreateOptions{ID: "same", WorkingDir: dir})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				created++
			case errors.Is(err, ErrSessionExists):
				rejected++
			default:
				t.Errorf("Create: %v", err)
			}
		}()
	}
	wg.Wait()

	if created != 1 || rejected != 3 {
		t.Errorf("created=%d rejected=%d, want 1 and 3", created, rejected)
	}
	if len(h.reg.List()) != 1 {
		t.Errorf("List = %+v, want one session", h.reg.List())
	}
}

func TestRegistry_CreateDuplicate(t *testing.T) {
	h := newHarness(t)
	h.create(t, "dup")

	_, err := h.reg.Create(context.Background(), CreateOptions{ID: "dup"})
	if !errors.Is(err, ErrSessionExists) {
		t.Errorf("Create duplicate = %v, want ErrSessionExists", err)
	}
}

func TestRegistry_Resume(t *testing.T) {
	h := newHarness(t)
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	err := h.store.Put(context.Background(), store.SessionRecord{
		ID:              "old",
		RemoteSessionID: "remote-9",
		WorkingDir:      t.TempDir(),
		Status:          string(StatusStopped),
		CreatedAt:       created,
	})
	if err != nil {
		t.Fatalf("store.Put: %v", err)
	}

	s, err := h.reg.Resume(context.Background(), "old")
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	h.events.waitFor(t, "history:2", 5*time.Second)

	args := h.args(t)
	if !hasPair(args, "--resume", "remote-9") {
		t.Errorf("expected --resume remote-9 in %v", args)
	}
	if slices.Contains(args, "--session-id") {
		t.Errorf("resumed session must not pass --session-id: %v", args)
	}
	if n := h.events.count("chunk:earlier answer"); n != 0 {
		t.Error("replayed history must not be delivered as live output")
	}
	if !s.Info().CreatedAt.Equal(created) {
		t.Errorf("CreatedAt = %v, want %v", s.Info().CreatedAt, created)
	}

	if err := h.reg.SendMessage(context.Background(), "old", "hello"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	h.events.waitFor(t, "chunk:hello back", 5*time.Second)

	if _, err := h.reg.Resume(context.Background(), "unknown"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Resume unknown = %v, want ErrSessionNotFound", err)
	}
}

func TestRegistry_MCPConfigLifecycle(t *testing.T) {
	runtimeDir := t.TempDir()
	h := newHarness(t, WithRuntimeDir(runtimeDir))
	h.cfg.AddMCPServer(config.MCPServer{Name: "plural", Command: "plural-mcp", Args: []string{"--stdio"}})

	h.create(t, "mcp")
	path := filepath.Join(runtimeDir, claude.MCPConfigFileName("mcp"))
	if !hasPair(h.args(t), "--mcp-config", path) {
		t.Errorf("expected --mcp-config %s in %v", path, h.args(t))
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("MCP config missing while running: %v", err)
	}

	if err := h.reg.Stop(context.Background(), "mcp"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("MCP config should be removed after stop, stat err = %v", err)
	}
}

func TestRegistry_Recover(t *testing.T) {
	h := newHarness(t)

	orphan := exec.Command("sleep", "30")
	orphan.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := orphan.Start(); err != nil {
		t.Fatalf("failed to start sleep: %v", err)
	}
	done := make(chan struct{})
	go func() {
		orphan.Wait()
		close(done)
	}()
	t.Cleanup(func() {
		orphan.Process.Kill()
		<-done
	})

	ctx := context.Background()
	h.store.Put(ctx, store.SessionRecord{ID: "live", Status: string(StatusActive), PID: orphan.Process.Pid, Command: "sleep", CreatedAt: time.Now()})
	h.store.Put(ctx, store.SessionRecord{ID: "gone", Status: string(StatusExited), CreatedAt: time.Now()})

	if err := h.reg.Recover(ctx); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("orphaned process was not killed")
	}

	live, _ := h.store.Get(ctx, "live")
	if live.Status != string(StatusStopped) || live.PID != 0 {
		t.Errorf("live record after recover = %+v", live)
	}
	gone, _ := h.store.Get(ctx, "gone")
	if gone.Status != string(StatusExited) {
		t.Errorf("exited record should be untouched, got %+v", gone)
	}
}

func TestRegistry_ListAndShutdown(t *testing.T) {
	h := newHarness(t)
	a := h.create(t, "a")
	time.Sleep(5 * time.Millisecond)
	b, err := h.reg.Create(context.Background(), CreateOptions{ID: "b", WorkingDir: t.TempDir()})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	infos := h.reg.List()
	if len(infos) != 2 || infos[0].ID != "a" || infos[1].ID != "b" {
		t.Fatalf("List = %+v, want a then b", infos)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := h.reg.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	for _, s := range []*Session{a, b} {
		if got := s.Status(); got != StatusStopped {
			t.Errorf("session %s status = %q, want stopped", s.ID(), got)
		}
	}
}

func TestRegistry_NotFound(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.reg.Get("nope"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Get = %v", err)
	}
	if err := h.reg.SendMessage(ctx, "nope", "hi"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("SendMessage = %v", err)
	}
	if err := h.reg.Interrupt("nope"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Interrupt = %v", err)
	}
	if err := h.reg.Stop(ctx, "nope"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Stop = %v", err)
	}
}

func TestRegistry_Remove(t *testing.T) {
	h := newHarness(t)
	h.create(t, "rm")

	if err := h.reg.Remove(context.Background(), "rm"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := h.reg.Get("rm"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Get after Remove = %v", err)
	}
	if _, err := h.store.Get(context.Background(), "rm"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("store.Get after Remove = %v", err)
	}
}
