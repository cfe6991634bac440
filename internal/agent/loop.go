// Package agent runs the streaming tool-calling loop behind each chat turn.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/agentstream/internal/channel"
	"github.com/ashureev/agentstream/internal/domain"
	"github.com/ashureev/agentstream/internal/metrics"
	"github.com/ashureev/agentstream/internal/model"
	"github.com/ashureev/agentstream/internal/protocol"
	"github.com/ashureev/agentstream/internal/tool"
)

const (
	// DefaultMaxIterations caps model requests per turn.
	DefaultMaxIterations = 10
	// StopMaxIterations is reported when a turn is cut off by the iteration cap.
	StopMaxIterations = "max_iterations"

	memorySaveTimeout = 5 * time.Second
)

// ToolExecutor is the part of the tool registry the loop depends on.
type ToolExecutor interface {
	Catalog() []tool.Spec
	Execute(ctx context.Context, inv domain.ToolInvocation) domain.ToolOutcome
}

// Memory persists thread histories between connections.
type Memory interface {
	GetThread(ctx context.Context, threadID string) (*domain.Thread, error)
	SaveThread(ctx context.Context, thread *domain.Thread) error
}

// LoopConfig holds turn-level settings.
type LoopConfig struct {
	MaxIterations int
	SystemPrompt  string
	Defaults      model.Params
	// ModelTimeout bounds each model request; zero means no extra bound.
	ModelTimeout time.Duration
}

// Result summarizes a finished turn.
type Result struct {
	StopReason string
	Steps      int
	Text       string
	Duration   time.Duration
	Err        error
}

// Loop drives turns: model request, streamed deltas, tool execution, repeat.
type Loop struct {
	gateway model.Gateway
	tools   ToolExecutor
	cfg     LoopConfig
	logger  *slog.Logger

	memory  Memory
	convLog ConversationLogger
	metrics *metrics.Metrics
}

// NewLoop creates a loop.
func NewLoop(gateway model.Gateway, tools ToolExecutor, cfg LoopConfig, logger *slog.Logger) *Loop {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		gateway: gateway,
		tools:   tools,
		cfg:     cfg,
		logger:  logger,
		convLog: noopConversationLogger{},
	}
}

// SetMemory enables thread persistence.
func (l *Loop) SetMemory(m Memory) {
	l.memory = m
}

// SetConversationLogger sets the transcript logger.
func (l *Loop) SetConversationLogger(cl ConversationLogger) {
	if cl == nil {
		cl = noopConversationLogger{}
	}
	l.convLog = cl
}

// SetMetrics sets the metrics sink.
func (l *Loop) SetMetrics(m *metrics.Metrics) {
	l.metrics = m
}

// Catalog returns the tools offered to the model.
func (l *Loop) Catalog() []tool.Spec {
	return l.tools.Catalog()
}

// MaxIterations returns the effective iteration cap.
func (l *Loop) MaxIterations() int {
	return l.cfg.MaxIterations
}

// EndSession releases per-connection resources such as the transcript file.
// Call it once the connection's turns have finished.
func (l *Loop) EndSession(sess *Session) {
	l.convLog.EndSession(sess.UserID, sess.ConnectionID)
}

// Run executes one turn synchronously. It returns ErrBusy if the session is running another turn.
func (l *Loop) Run(ctx context.Context, sess *Session, ch channel.Channel, req protocol.ChatRequest) (Result, error) {
	release, ok := sess.TryBegin()
	if !ok {
		return Result{}, ErrBusy
	}
	defer release()
	return l.turn(ctx, sess, ch, req, release), nil
}

// Start reserves the session and runs the turn in its own goroutine. The
// returned channel yields the result once and is then closed.
func (l *Loop) Start(ctx context.Context, sess *Session, ch channel.Channel, req protocol.ChatRequest) (<-chan Result, error) {
	release, ok := sess.TryBegin()
	if !ok {
		return nil, ErrBusy
	}
	done := make(chan Result, 1)
	go func() {
		defer close(done)
		defer release()
		done <- l.turn(ctx, sess, ch, req, release)
	}()
	return done, nil
}

// turnState carries per-turn bookkeeping.
type turnState struct {
	sess    *Session
	ch      channel.Channel
	log     *slog.Logger
	start   time.Time
	steps   int
	text    strings.Builder
	release func()
}

// turn runs one chat turn to its final event. Tool calls in an assistant
// message are executed even when the model stopped for another reason, such as
// max_tokens in the middle of a call, so every tool_use has a matching result
// in history; the loop then asks the model again instead of completing.
func (l *Loop) turn(ctx context.Context, sess *Session, ch channel.Channel, req protocol.ChatRequest, release func()) (result Result) {
	ts := &turnState{
		sess:    sess,
		ch:      ch,
		start:   time.Now(),
		release: release,
		log:     l.logger.With("connection_id", sess.ConnectionID, "user_id", sess.UserID),
	}

	defer func() {
		if p := recover(); p != nil {
			ts.log.Error("Agent turn panicked", "panic", p)
			result = l.fail(ctx, ts, fmt.Errorf("internal error"))
		}
	}()

	if err := l.bindThread(ctx, sess, req.ThreadID); err != nil {
		return l.fail(ctx, ts, err)
	}
	if tid := sess.ThreadID(); tid != "" {
		ts.log = ts.log.With("thread_id", tid)
	}

	sess.AppendUserText(req.Message)
	l.logConversation(ts, "inbound", "user_message", req.Message, nil)

	modelReq := model.Request{
		Tools:        l.tools.Catalog(),
		SystemPrompt: l.cfg.SystemPrompt,
		Params:       l.cfg.Defaults,
	}
	if req.SystemPrompt != "" {
		modelReq.SystemPrompt = req.SystemPrompt
	}
	if req.Temperature != nil {
		modelReq.Params.Temperature = req.Temperature
	}
	if req.MaxTokens != nil {
		modelReq.Params.MaxTokens = req.MaxTokens
	}

	for {
		if ts.steps >= l.cfg.MaxIterations {
			ts.log.Warn("Agent turn reached iteration cap", "iteration", ts.steps)
			return l.complete(ctx, ts, StopMaxIterations)
		}
		ts.steps++

		modelReq.History = sess.History()
		assistant, stop, err := l.request(ctx, ts, modelReq)
		if err != nil {
			return l.fail(ctx, ts, err)
		}
		if stop.Reason == model.StopError {
			return l.fail(ctx, ts, fmt.Errorf("model stopped with an error"))
		}

		sess.Append(assistant.message)
		l.logConversation(ts, "outbound", "assistant_message", assistant.message.Text(), map[string]any{
			"iteration":   ts.steps,
			"stop_reason": string(stop.Reason),
			"tool_calls":  len(assistant.calls),
		})

		if len(assistant.calls) == 0 {
			return l.complete(ctx, ts, string(stop.Reason))
		}

		outcomes := l.executeTools(ctx, ts, assistant.calls)
		sess.Append(domain.NewToolResultMessage(outcomes))
	}
}

// pendingCall is a tool invocation being assembled from stream fragments.
type pendingCall struct {
	inv   domain.ToolInvocation
	input strings.Builder
	// invalid is set when the streamed input is not a JSON value.
	invalid bool
}

type assistantDraft struct {
	message domain.Message
	calls   []*pendingCall
}

// request runs one model call, forwarding text deltas as they arrive, and
// returns the assembled assistant message.
func (l *Loop) request(ctx context.Context, ts *turnState, req model.Request) (*assistantDraft, model.Stop, error) {
	reqCtx := ctx
	if l.cfg.ModelTimeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, l.cfg.ModelTimeout)
		defer cancel()
	}

	var (
		blocks []domain.ContentBlock
		calls  []*pendingCall
		byID   = make(map[string]*pendingCall)
		stop   *model.Stop
	)

	for ev, err := range l.gateway.StreamCompletion(reqCtx, req) {
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				return nil, model.Stop{}, fmt.Errorf("model request timed out after %s", l.cfg.ModelTimeout)
			}
			return nil, model.Stop{}, fmt.Errorf("model request failed: %w", err)
		}

		switch e := ev.(type) {
		case model.TextDelta:
			if e.Text == "" {
				continue
			}
			if n := len(blocks); n > 0 && blocks[n-1].ToolUse == nil {
				blocks[n-1].Text += e.Text
			} else {
				blocks = append(blocks, domain.TextBlock(e.Text))
			}
			ts.text.WriteString(e.Text)
			l.send(ctx, ts, protocol.StreamEvent{Chunk: e.Text, Timestamp: now()})
		case model.ToolCallStart:
			if _, dup := byID[e.ID]; dup {
				ts.log.Warn("Duplicate tool call id from model", "tool_use_id", e.ID)
				continue
			}
			call := &pendingCall{inv: domain.ToolInvocation{ID: e.ID, Name: e.Name}}
			byID[e.ID] = call
			calls = append(calls, call)
			blocks = append(blocks, domain.ContentBlock{ToolUse: &call.inv})
		case model.ToolCallInputDelta:
			call, ok := byID[e.ID]
			if !ok {
				ts.log.Warn("Tool input for unknown call", "tool_use_id", e.ID)
				continue
			}
			call.input.WriteString(e.Fragment)
		case model.Stop:
			s := e
			stop = &s
		}
		if stop != nil {
			break
		}
	}

	if stop == nil {
		if err := ctx.Err(); err != nil {
			return nil, model.Stop{}, fmt.Errorf("model request failed: %w", err)
		}
		return nil, model.Stop{}, fmt.Errorf("model stream ended without a stop event")
	}

	for _, call := range calls {
		raw := strings.TrimSpace(call.input.String())
		switch {
		case raw == "":
			call.inv.Input = json.RawMessage(`{}`)
		case json.Valid([]byte(raw)):
			call.inv.Input = json.RawMessage(raw)
		default:
			call.inv.Input = json.RawMessage(`{}`)
			call.invalid = true
		}
	}

	return &assistantDraft{
		message: domain.Message{Role: domain.RoleAssistant, Content: blocks},
		calls:   calls,
	}, *stop, nil
}

// executeTools runs invocations sequentially in emitted order and returns one outcome per call.
func (l *Loop) executeTools(ctx context.Context, ts *turnState, calls []*pendingCall) []domain.ToolOutcome {
	outcomes := make([]domain.ToolOutcome, 0, len(calls))
	for _, call := range calls {
		inv := call.inv
		log := ts.log.With("tool", inv.Name, "tool_use_id", inv.ID, "iteration", ts.steps)

		if err := ctx.Err(); err != nil {
			outcomes = append(outcomes, errorOutcome(inv.ID, "turn cancelled before the tool ran"))
			continue
		}

		l.send(ctx, ts, protocol.ToolCallEvent{
			ToolUseID: inv.ID,
			Name:      inv.Name,
			Input:     inv.Input,
			Timestamp: now(),
		})

		started := time.Now()
		var outcome domain.ToolOutcome
		if call.invalid {
			outcome = errorOutcome(inv.ID, "tool input is not valid JSON")
		} else {
			outcome = l.tools.Execute(ctx, inv)
		}
		elapsed := time.Since(started)
		outcomes = append(outcomes, outcome)

		log.Info("Tool executed", "status", outcome.Status, "duration_ms", elapsed.Milliseconds())
		l.metrics.ToolExecuted(inv.Name, string(outcome.Status), elapsed)
		l.logConversation(ts, "internal", "tool_result", string(outcome.Payload), map[string]any{
			"tool":        inv.Name,
			"tool_use_id": inv.ID,
			"status":      string(outcome.Status),
			"duration_ms": elapsed.Milliseconds(),
		})

		l.send(ctx, ts, toolResultEvent(inv, outcome, elapsed))
	}
	return outcomes
}

func toolResultEvent(inv domain.ToolInvocation, outcome domain.ToolOutcome, elapsed time.Duration) protocol.ToolResultEvent {
	ev := protocol.ToolResultEvent{
		ToolUseID:  inv.ID,
		Name:       inv.Name,
		Status:     string(outcome.Status),
		Preview:    protocol.Preview(string(outcome.Payload)),
		DurationMs: elapsed.Milliseconds(),
		Timestamp:  now(),
	}
	if outcome.Status == domain.ToolStatusSuccess {
		ev.Result = outcome.Payload
		return ev
	}
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(outcome.Payload, &body); err == nil && body.Error != "" {
		ev.Error = body.Error
	} else {
		ev.Error = string(outcome.Payload)
	}
	return ev
}

func errorOutcome(id, msg string) domain.ToolOutcome {
	payload, _ := json.Marshal(map[string]string{"error": msg})
	return domain.ToolOutcome{ToolUseID: id, Status: domain.ToolStatusError, Payload: payload}
}

func (l *Loop) complete(ctx context.Context, ts *turnState, stopReason string) Result {
	l.persist(ctx, ts)

	res := Result{
		StopReason: stopReason,
		Steps:      ts.steps,
		Text:       ts.text.String(),
		Duration:   time.Since(ts.start),
	}
	l.metrics.TurnFinished(stopReason, ts.steps, res.Duration)
	ts.log.Info("Agent turn completed", "stop_reason", stopReason, "iteration", ts.steps, "duration_ms", res.Duration.Milliseconds())

	l.finish(ctx, ts, protocol.CompleteEvent{
		StopReason: stopReason,
		Steps:      res.Steps,
		Duration:   res.Duration.Milliseconds(),
		Text:       res.Text,
		Timestamp:  now(),
	})
	return res
}

func (l *Loop) fail(ctx context.Context, ts *turnState, err error) Result {
	l.persist(ctx, ts)

	res := Result{
		StopReason: "error",
		Steps:      ts.steps,
		Text:       ts.text.String(),
		Duration:   time.Since(ts.start),
		Err:        err,
	}
	l.metrics.TurnFinished("error", ts.steps, res.Duration)
	l.logConversation(ts, "outbound", "turn_error", err.Error(), map[string]any{"iteration": ts.steps})

	if ctx.Err() != nil {
		ts.release()
		ts.log.Info("Agent turn cancelled", "iteration", ts.steps, "error", err)
		return res
	}
	ts.log.Warn("Agent turn failed", "iteration", ts.steps, "error", err)
	l.finish(ctx, ts, protocol.ErrorEvent{Error: err.Error(), Timestamp: now()})
	return res
}

// send pushes one event. Transport failures are logged and dropped.
func (l *Loop) send(ctx context.Context, ts *turnState, ev protocol.Event) {
	l.sendResult(ts, ev, ts.ch.Send(ctx, ev))
}

// finish releases the session and sends the final event of the turn. The
// session is idle before the client learns the turn is over, yet frames of a
// turn started in that window cannot overtake the final event.
func (l *Loop) finish(ctx context.Context, ts *turnState, ev protocol.Event) {
	l.sendResult(ts, ev, channel.SendFinal(ctx, ts.ch, ts.release, ev))
}

func (l *Loop) sendResult(ts *turnState, ev protocol.Event, err error) {
	if err == nil {
		return
	}
	if errors.Is(err, channel.ErrGone) {
		l.metrics.SendDropped()
		ts.log.Debug("Client gone, dropping event", "event", ev.Type())
		return
	}
	ts.log.Warn("Failed to send event", "event", ev.Type(), "error", err)
}

// bindThread attaches the session to a stored thread on its first use.
func (l *Loop) bindThread(ctx context.Context, sess *Session, threadID string) error {
	if threadID == "" || sess.ThreadID() == threadID {
		return nil
	}
	if l.memory == nil {
		return fmt.Errorf("thread memory is disabled")
	}

	thread, err := l.memory.GetThread(ctx, threadID)
	if err != nil {
		l.logger.Error("Failed to load thread", "thread_id", threadID, "error", err)
		return fmt.Errorf("failed to load thread %s", threadID)
	}

	var stored []domain.Message
	if thread != nil {
		if thread.UserID != sess.UserID {
			return fmt.Errorf("thread %s belongs to another user", threadID)
		}
		if err := domain.CheckHistory(thread.Messages); err != nil {
			l.logger.Error("Stored thread is corrupt", "thread_id", threadID, "error", err)
			return fmt.Errorf("thread %s cannot be resumed", threadID)
		}
		stored = thread.Messages
	}
	return sess.BindThread(threadID, stored)
}

// persist saves the session history when it is bound to a thread.
func (l *Loop) persist(ctx context.Context, ts *turnState) {
	if l.memory == nil {
		return
	}
	snap := ts.sess.Snapshot()
	if snap.ThreadID == "" {
		return
	}
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), memorySaveTimeout)
	defer cancel()
	if err := l.memory.SaveThread(saveCtx, snap); err != nil {
		ts.log.Error("Failed to save thread", "error", err)
	}
}

func (l *Loop) logConversation(ts *turnState, direction, eventType, content string, meta map[string]any) {
	l.convLog.Log(ConversationLogEvent{
		UserID:     ts.sess.UserID,
		SessionID:  ts.sess.ConnectionID,
		ThreadID:   ts.sess.ThreadID(),
		Channel:    "websocket",
		Direction:  direction,
		EventType:  eventType,
		ContentRaw: content,
		Meta:       meta,
	})
}

func now() time.Time {
	return time.Now().UTC()
}
