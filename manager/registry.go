package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/zhubert/plural-supervisor/claude"
	"github.com/zhubert/plural-supervisor/config"
	"github.com/zhubert/plural-supervisor/logger"
	"github.com/zhubert/plural-supervisor/paths"
	"github.com/zhubert/plural-supervisor/permission"
	"github.com/zhubert/plural-supervisor/process"
	"github.com/zhubert/plural-supervisor/store"
)

var (
	ErrSessionNotFound   = errors.New("session not found")
	ErrSessionBusy       = errors.New("session is busy with a turn")
	ErrSessionNotRunning = errors.New("session is not running")
	ErrSessionExists     = errors.New("session already exists")
)

// Compile-time interface satisfaction check.
var _ RegistryConfig = (*config.Config)(nil)

// RegistryConfig is the configuration the registry reads when it spawns a
// session. *config.Config satisfies it.
type RegistryConfig interface {
	GetClaudePath() string
	GetSystemPrompt() string
	GetAllowedTools() []string
	GetMCPServers() []config.MCPServer
	GetTimeouts() (stop, replay, permission time.Duration)
	PartialMessagesEnabled() bool
	StreamLogEnabled() bool
	Environ() ([]string, error)
}

// CreateOptions describe a new session.
type CreateOptions struct {
	ID              string // generated when empty
	WorkingDir      string
	ResumeSessionID string // remote session to resume
	Continue        bool   // continue the most recent conversation in WorkingDir

	createdAt time.Time // kept from the stored record on resume
}

// Registry owns every live session.
type Registry struct {
	cfg      RegistryConfig
	bridge   *permission.Bridge
	store    store.Store
	consumer func(sessionID string) claude.Callbacks
	log      *slog.Logger

	// runtimeDir holds generated MCP config files.
	runtimeDir string

	mu       sync.RWMutex
	sessions map[string]*Session
	creating map[string]struct{} // ids reserved by an in-flight Create
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithStore persists session records.
func WithStore(s store.Store) RegistryOption {
	return func(r *Registry) {
		r.store = s
	}
}

// WithConsumer sets the factory for each session's event callbacks.
func WithConsumer(f func(sessionID string) claude.Callbacks) RegistryOption {
	return func(r *Registry) {
		r.consumer = f
	}
}

// WithRuntimeDir overrides where MCP config files are written.
func WithRuntimeDir(dir string) RegistryOption {
	return func(r *Registry) {
		r.runtimeDir = dir
	}
}

// WithRegistryLogger overrides the logger.
func WithRegistryLogger(log *slog.Logger) RegistryOption {
	return func(r *Registry) {
		r.log = log
	}
}

// NewRegistry creates an empty registry. A nil bridge gets a default one.
func NewRegistry(cfg RegistryConfig, bridge *permission.Bridge, opts ...RegistryOption) *Registry {
	r := &Registry{
		cfg:      cfg,
		bridge:   bridge,
		log:      logger.WithComponent("manager"),
		sessions: make(map[string]*Session),
		creating: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.bridge == nil {
		r.bridge = permission.NewBridge()
	}
	return r
}

// Recover marks sessions left live by a previous run as stopped and kills
// their processes if they are still around.
func (r *Registry) Recover(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	records, err := r.store.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list session records: %w", err)
	}

	var candidates []process.Candidate
	for _, rec := range records {
		if rec.Status != string(StatusActive) && rec.Status != string(StatusStarting) {
			continue
		}
		if rec.PID > 0 {
			candidates = append(candidates, process.Candidate{SessionID: rec.ID, PID: rec.PID, Command: rec.Command})
		}
		rec.Status = string(StatusStopped)
		rec.PID = 0
		if err := r.store.Put(ctx, rec); err != nil {
			r.log.Warn("failed to update stale record", "sessionID", rec.ID, "error", err)
		}
	}

	killed, err := process.CleanupOrphanedProcesses(candidates)
	r.log.Info("recovered session records", "records", len(records), "orphansKilled", killed)
	if err != nil {
		return fmt.Errorf("failed to clean up orphaned processes: %w", err)
	}
	return nil
}

// Create spawns a new session.
func (r *Registry) Create(ctx context.Context, opts CreateOptions) (*Session, error) {
	if opts.ID == "" {
		opts.ID = uuid.New().String()
	}
	if opts.WorkingDir != "" {
		abs, err := filepath.Abs(opts.WorkingDir)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve working directory: %w", err)
		}
		opts.WorkingDir = abs
	}

	if err := r.reserve(opts.ID); err != nil {
		return nil, err
	}
	s, err := r.newSession(opts)

	r.mu.Lock()
	delete(r.creating, opts.ID)
	if err == nil {
		r.sessions[opts.ID] = s
	}
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}

	r.log.Info("creating session", "sessionID", s.id, "workingDir", s.workingDir,
		"resume", opts.ResumeSessionID, "continue", opts.Continue)

	if err := s.start(); err != nil {
		return s, fmt.Errorf("failed to start session %s: %w", s.id, err)
	}
	return s, nil
}

// reserve claims id for a Create so that the session can be built without
// holding the registry lock.
func (r *Registry) reserve(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.creating[id]; ok {
		return ErrSessionExists
	}
	if existing, ok := r.sessions[id]; ok {
		st := existing.Status()
		if st == StatusActive || st == StatusStarting {
			return ErrSessionExists
		}
	}
	r.creating[id] = struct{}{}
	return nil
}

// Resume spawns a session that picks up a persisted conversation.
func (r *Registry) Resume(ctx context.Context, id string) (*Session, error) {
	if r.store == nil {
		return nil, ErrSessionNotFound
	}
	rec, err := r.store.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", id, err)
	}

	remote := rec.RemoteSessionID
	if remote == "" {
		remote = rec.ID
	}
	return r.Create(ctx, CreateOptions{
		ID:              rec.ID,
		WorkingDir:      rec.WorkingDir,
		ResumeSessionID: remote,
		createdAt:       rec.CreatedAt,
	})
}

// newSession wires a session together.
func (r *Registry) newSession(opts CreateOptions) (*Session, error) {
	log := logger.WithSession(opts.ID)
	stopTimeout, replayTimeout, _ := r.cfg.GetTimeouts()

	env, err := r.cfg.Environ()
	if err != nil {
		return nil, fmt.Errorf("failed to build environment: %w", err)
	}

	var servers []claude.MCPServer
	for _, srv := range r.cfg.GetMCPServers() {
		servers = append(servers, claude.MCPServer{Name: srv.Name, Command: srv.Command, Args: srv.Args})
	}
	runtimeDir := r.runtimeDir
	if runtimeDir == "" && len(servers) > 0 {
		if runtimeDir, err = paths.RuntimeDir(); err != nil {
			return nil, fmt.Errorf("failed to resolve runtime directory: %w", err)
		}
	}
	mcpPath, err := claude.WriteMCPConfig(runtimeDir, opts.ID, servers)
	if err != nil {
		return nil, err
	}

	pc := claude.ProcessConfig{
		ResumeSessionID: opts.ResumeSessionID,
		Continue:        opts.Continue,
		MCPConfigPath:   mcpPath,
		SystemPrompt:    r.cfg.GetSystemPrompt(),
		AllowedTools:    claude.ComposeTools(claude.DefaultAllowedTools(), r.cfg.GetAllowedTools()),
		PartialMessages: r.cfg.PartialMessagesEnabled(),
	}
	if !pc.Resuming() {
		pc.SessionID = opts.ID
	}

	createdAt := opts.createdAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	s := &Session{
		id:         opts.ID,
		workingDir: opts.WorkingDir,
		command:    r.cfg.GetClaudePath(),
		createdAt:  createdAt,
		log:        log,
		parser:     claude.NewStreamParser(log),
		bridge:     r.bridge,
		status:     StatusStarting,
		onChange:   r.persist,
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	if r.consumer != nil {
		s.consumer = r.consumer(opts.ID)
	}

	if r.cfg.StreamLogEnabled() {
		if w, err := logger.OpenStreamLog(opts.ID); err != nil {
			log.Warn("failed to open stream log", "error", err)
		} else {
			s.streamLog = w
		}
	}

	cb := s.callbacks()
	var replay *claude.ReplayCoordinator
	if pc.Resuming() {
		replay = claude.NewReplayCoordinator(replayTimeout, cb.OnHistory, log)
	}
	s.machine = claude.NewStateMachine(cb, replay, log)

	s.supervisor = claude.NewSupervisor(claude.SupervisorConfig{
		Command:     s.command,
		Args:        claude.BuildCommandArgs(pc),
		WorkingDir:  opts.WorkingDir,
		Env:         env,
		ConfigFile:  mcpPath,
		StopTimeout: stopTimeout,
	}, claude.SupervisorCallbacks{
		OnStdout: s.handleStdout,
		OnExit:   s.handleProcessExit,
	}, log)

	return s, nil
}

// Get returns a session by id.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// List returns a snapshot of every known session, oldest first.
func (r *Registry) List() []SessionInfo {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	infos := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Info())
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})
	return infos
}

// SendMessage writes a user turn to a session.
func (r *Registry) SendMessage(ctx context.Context, id, text string) error {
	s, err := r.Get(id)
	if err != nil {
		return err
	}
	return s.send(text)
}

// Interrupt aborts the session's current turn.
func (r *Registry) Interrupt(id string) error {
	s, err := r.Get(id)
	if err != nil {
		return err
	}
	return s.interrupt()
}

// Stop terminates a session and waits for its process to exit.
func (r *Registry) Stop(ctx context.Context, id string) error {
	s, err := r.Get(id)
	if err != nil {
		return err
	}

	done := make(chan struct{})
	go func() {
		s.stop()
		s.wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Remove stops a session and forgets it, including its stored record.
func (r *Registry) Remove(ctx context.Context, id string) error {
	if err := r.Stop(ctx, id); err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
	if r.store != nil {
		if err := r.store.Delete(ctx, id); err != nil {
			return fmt.Errorf("failed to delete session record: %w", err)
		}
	}
	return nil
}

// Shutdown stops every live session in parallel.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	r.log.Info("shutting down sessions", "count", len(ids))
	g, ctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		g.Go(func() error {
			return r.Stop(ctx, id)
		})
	}
	return g.Wait()
}

// persist writes the session's current state to the store.
func (r *Registry) persist(s *Session) {
	if r.store == nil {
		return
	}
	info := s.Info()
	rec := store.SessionRecord{
		ID:              info.ID,
		RemoteSessionID: info.RemoteSessionID,
		WorkingDir:      info.WorkingDir,
		Status:          string(info.Status),
		PID:             info.PID,
		Command:         info.Command,
		CreatedAt:       info.CreatedAt,
	}
	if err := r.store.Put(context.Background(), rec); err != nil {
		s.log.Warn("failed to persist session", "error", err)
	}
}
