// Package permission suspends tool execution until a human decides whether
// the assistant may run it.
package permission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zhubert/plural-supervisor/claude"
	"github.com/zhubert/plural-supervisor/logger"
)

// Action is the human's answer to a permission request.
type Action string

const (
	ActionAllow           Action = "allow"
	ActionAllowAlways     Action = "allow_always"
	ActionDeny            Action = "deny"
	ActionDenyWithMessage Action = "deny_with_message"
)

// Messages reported back to the assistant when a request is refused.
const (
	MessageDenied         = "permission denied by user"
	MessageSessionAborted = "session aborted"
	MessageSessionStopped = "session stopped"
	MessageTimedOut       = "permission request timed out"
	MessageCancelled      = "request cancelled"
)

// DefaultTimeout is how long a request waits for a decision.
const DefaultTimeout = 5 * time.Minute

var (
	ErrUnknownRequest = errors.New("unknown or already resolved permission request")
	ErrInvalidAction  = errors.New("invalid permission action")

	// ErrRequestCancelled, set as the cause of a request's context, resolves
	// it with MessageCancelled instead of MessageSessionAborted.
	ErrRequestCancelled = errors.New("request cancelled")
)

// ParseAction validates an action name.
func ParseAction(s string) (Action, error) {
	switch a := Action(s); a {
	case ActionAllow, ActionAllowAlways, ActionDeny, ActionDenyWithMessage:
		return a, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidAction, s)
}

// Request is a pending permission prompt.
type Request struct {
	ID          string          `json:"id"`
	SessionID   string          `json:"session_id"`
	ToolName    string          `json:"tool_name"`
	Input       json.RawMessage `json:"input,omitempty"`
	Suggestions json.RawMessage `json:"suggestions,omitempty"`
	Description string          `json:"description,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Decision is how a request was resolved.
type Decision struct {
	Action  Action `json:"action"`
	Message string `json:"message,omitempty"` // set for denials
	Auto    bool   `json:"auto,omitempty"`    // resolved by a rule, never shown

	// Permissions are the suggested rule updates to hand back to the CLI
	// with an allow_always answer.
	Permissions []json.RawMessage `json:"-"`
}

// Allowed reports whether the tool may run.
func (d Decision) Allowed() bool {
	return d.Action == ActionAllow || d.Action == ActionAllowAlways
}

func deny(message string) Decision {
	return Decision{Action: ActionDeny, Message: message}
}

// Notifier shows requests to the human. Implementations must not block.
type Notifier interface {
	PermissionRequested(req Request)
	PermissionResolved(req Request, decision Decision)
}

// RuleStore persists allow_always rules.
type RuleStore interface {
	AddAllowedTool(tool string) error
}

type pendingRequest struct {
	req  Request
	done chan Decision // buffered, receives exactly one decision
}

// Bridge holds pending permission requests until they are resolved.
// Every request is resolved exactly once: removal from the pending table is
// the resolution.
type Bridge struct {
	mu          sync.Mutex
	pending     map[string]*pendingRequest
	notifier    Notifier
	rules       RuleStore
	autoApprove []string
	allowed     []string // standing rules from config
	granted     []string // added by allow_always during this run
	timeout     time.Duration
	log         *slog.Logger
	now         func() time.Time
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithNotifier sets where new requests are announced.
func WithNotifier(n Notifier) Option {
	return func(b *Bridge) { b.notifier = n }
}

// WithRuleStore sets where allow_always rules are persisted.
func WithRuleStore(s RuleStore) Option {
	return func(b *Bridge) { b.rules = s }
}

// WithAutoApprove sets tools that are approved without asking.
func WithAutoApprove(tools []string) Option {
	return func(b *Bridge) { b.autoApprove = slices.Clone(tools) }
}

// WithAllowedTools sets the standing allow rules.
func WithAllowedTools(tools []string) Option {
	return func(b *Bridge) { b.allowed = slices.Clone(tools) }
}

// WithTimeout sets how long a request may stay pending.
func WithTimeout(d time.Duration) Option {
	return func(b *Bridge) {
		if d > 0 {
			b.timeout = d
		}
	}
}

// WithLogger overrides the component logger.
func WithLogger(log *slog.Logger) Option {
	return func(b *Bridge) { b.log = log }
}

// NewBridge creates a bridge with no pending requests.
func NewBridge(opts ...Option) *Bridge {
	b := &Bridge{
		pending: make(map[string]*pendingRequest),
		timeout: DefaultTimeout,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.log == nil {
		b.log = logger.WithComponent("permission")
	}
	return b
}

// SetNotifier replaces the notifier. Used when the UI transport starts
// after the bridge.
func (b *Bridge) SetNotifier(n Notifier) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.notifier = n
}

// SetAllowedTools replaces the standing rules, e.g. after a config reload.
func (b *Bridge) SetAllowedTools(tools []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.allowed = slices.Clone(tools)
}

// RequestPermission blocks until the request is resolved. ctx cancellation
// resolves it as denied with "session aborted".
func (b *Bridge) RequestPermission(ctx context.Context, sessionID, toolName string, input, suggestions json.RawMessage) Decision {
	log := b.log.With("sessionID", sessionID, "tool", toolName)

	if b.isAutoApproved(toolName) {
		log.Debug("tool auto-approved")
		return Decision{Action: ActionAllow, Auto: true}
	}
	if b.isToolAllowed(toolName, input) {
		log.Debug("tool is pre-allowed")
		return Decision{Action: ActionAllow, Auto: true}
	}

	p := &pendingRequest{
		req: Request{
			ID:          uuid.New().String(),
			SessionID:   sessionID,
			ToolName:    toolName,
			Input:       input,
			Suggestions: suggestions,
			Description: claude.DescribeToolInput(toolName, input),
			CreatedAt:   b.now(),
		},
		done: make(chan Decision, 1),
	}

	b.mu.Lock()
	b.pending[p.req.ID] = p
	notifier := b.notifier
	timeout := b.timeout
	b.mu.Unlock()

	log.Info("permission requested", "requestID", p.req.ID)
	if notifier != nil {
		notifier.PermissionRequested(p.req)
	} else {
		log.Warn("no notifier, request waits for an explicit response", "requestID", p.req.ID)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case d := <-p.done:
		return d
	case <-ctx.Done():
		msg := MessageSessionAborted
		if errors.Is(context.Cause(ctx), ErrRequestCancelled) {
			msg = MessageCancelled
		}
		b.resolve(p.req.ID, deny(msg))
	case <-timer.C:
		log.Warn("permission request timed out", "requestID", p.req.ID, "timeout", timeout)
		b.resolve(p.req.ID, deny(MessageTimedOut))
	}
	// Whichever resolution won the race has filled done.
	return <-p.done
}

// Respond resolves a pending request with the human's decision.
func (b *Bridge) Respond(requestID string, action Action, message string) error {
	if _, err := ParseAction(string(action)); err != nil {
		return err
	}

	var d Decision
	switch action {
	case ActionAllow:
		d = Decision{Action: ActionAllow}
	case ActionAllowAlways:
		d = Decision{Action: ActionAllowAlways}
	case ActionDeny:
		d = deny(MessageDenied)
	case ActionDenyWithMessage:
		if strings.TrimSpace(message) == "" {
			message = MessageDenied
		}
		d = deny(message)
		d.Action = ActionDenyWithMessage
	}

	p, ok := b.take(requestID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRequest, requestID)
	}

	if action == ActionAllowAlways {
		d.Permissions = splitSuggestions(p.req.Suggestions)
		b.grant(alwaysRules(p.req.ToolName, p.req.Input, p.req.Suggestions))
	}

	b.log.Info("permission resolved", "requestID", requestID, "sessionID", p.req.SessionID, "action", action)
	b.deliver(p, d)
	return nil
}

// Cancel resolves a single request as denied. It returns false if the
// request was not pending.
func (b *Bridge) Cancel(requestID, message string) bool {
	return b.resolve(requestID, deny(message))
}

// CancelSession denies every pending request for a session and returns how
// many were resolved.
func (b *Bridge) CancelSession(sessionID, message string) int {
	b.mu.Lock()
	var ids []string
	for id, p := range b.pending {
		if p.req.SessionID == sessionID {
			ids = append(ids, id)
		}
	}
	b.mu.Unlock()

	n := 0
	for _, id := range ids {
		if b.resolve(id, deny(message)) {
			n++
		}
	}
	if n > 0 {
		b.log.Info("cancelled pending permissions", "sessionID", sessionID, "count", n, "reason", message)
	}
	return n
}

// Pending lists pending requests oldest first. An empty sessionID lists all.
func (b *Bridge) Pending(sessionID string) []Request {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []Request
	for _, p := range b.pending {
		if sessionID == "" || p.req.SessionID == sessionID {
			out = append(out, p.req)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Reannounce sends every pending request again, e.g. after a UI client
// reconnects. target receives them; nil means the bridge's notifier. The
// pending table is unchanged.
func (b *Bridge) Reannounce(target Notifier) int {
	reqs := b.Pending("")

	notifier := target
	if notifier == nil {
		b.mu.Lock()
		notifier = b.notifier
		b.mu.Unlock()
	}

	if notifier == nil {
		return 0
	}
	for _, req := range reqs {
		notifier.PermissionRequested(req)
	}
	if len(reqs) > 0 {
		b.log.Debug("re-announced pending permissions", "count", len(reqs))
	}
	return len(reqs)
}

// resolve removes a request and delivers d. Only the first caller for a
// given id succeeds.
func (b *Bridge) resolve(requestID string, d Decision) bool {
	p, ok := b.take(requestID)
	if !ok {
		return false
	}
	b.log.Debug("permission resolved", "requestID", requestID, "action", d.Action, "message", d.Message)
	b.deliver(p, d)
	return true
}

func (b *Bridge) take(requestID string) (*pendingRequest, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.pending[requestID]
	if ok {
		delete(b.pending, requestID)
	}
	return p, ok
}

func (b *Bridge) deliver(p *pendingRequest, d Decision) {
	p.done <- d

	b.mu.Lock()
	notifier := b.notifier
	b.mu.Unlock()
	if notifier != nil {
		notifier.PermissionResolved(p.req, d)
	}
}

func (b *Bridge) grant(newRules []string) {
	b.mu.Lock()
	for _, rule := range newRules {
		if !slices.Contains(b.granted, rule) {
			b.granted = append(b.granted, rule)
		}
	}
	rules := b.rules
	b.mu.Unlock()

	if rules == nil {
		return
	}
	for _, rule := range newRules {
		if err := rules.AddAllowedTool(rule); err != nil {
			b.log.Error("failed to persist allowed tool", "rule", rule, "error", err)
		}
	}
}

func (b *Bridge) isAutoApproved(tool string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Contains(b.autoApprove, tool)
}

// isToolAllowed reports whether a standing or granted rule admits the call.
func (b *Bridge) isToolAllowed(tool string, input json.RawMessage) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, list := range [][]string{b.allowed, b.granted} {
		for _, rule := range list {
			if ruleMatches(rule, tool, input) {
				return true
			}
		}
	}
	return false
}

// splitSuggestions turns the permission_suggestions array into its elements.
func splitSuggestions(raw json.RawMessage) []json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	var out []json.RawMessage
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}
