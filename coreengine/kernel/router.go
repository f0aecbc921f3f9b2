package kernel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jeeves-cluster-organization/agentcore/coreengine/config"
	"github.com/jeeves-cluster-organization/agentcore/coreengine/envelope"
	"github.com/jeeves-cluster-organization/agentcore/coreengine/observability"
	"github.com/jeeves-cluster-organization/agentcore/coreengine/strategy"
	"github.com/jeeves-cluster-organization/agentcore/coreengine/validator"
)

// Strategy is the control loop driven by the router.
type Strategy interface {
	Execute(env *envelope.Envelope) strategy.NextStep
	ContinueLoop(env *envelope.Envelope, action *envelope.Action) strategy.NextStep
	ObserveTool(env *envelope.Envelope, tool string, output any) strategy.NextStep
	RecoverValidation(env *envelope.Envelope, verr *validator.ValidationError) strategy.NextStep
}

// sessionRuntime is the configuration a session was created with. Sessions
// keep it for their lifetime; Reconfigure only affects new sessions.
type sessionRuntime struct {
	manager      *envelope.Manager
	strategy     Strategy
	validator    *validator.Validator
	allowedTools []string
	timeout      time.Duration
	debug        bool
}

// Router is the session router. It owns the active execution table and
// dispatches every inbound message to a new or resumed session.
type Router struct {
	table   *ExecutionTable
	logger  Logger
	tracer  trace.Tracer
	now     func() time.Time
	newID   func(time.Time) string
	catalog strategy.Catalog

	mu      sync.RWMutex
	current *sessionRuntime
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithLogger sets the logger. A nil logger disables logging.
func WithLogger(l Logger) RouterOption {
	return func(r *Router) { r.logger = l }
}

// WithTracer sets the tracer used for per-message spans.
func WithTracer(t trace.Tracer) RouterOption {
	return func(r *Router) { r.tracer = t }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) RouterOption {
	return func(r *Router) { r.now = now }
}

// WithIDGenerator overrides traceId generation.
func WithIDGenerator(fn func(time.Time) string) RouterOption {
	return func(r *Router) { r.newID = fn }
}

// WithCatalog sets the tool catalog used for prompts and memory routing.
func WithCatalog(c strategy.Catalog) RouterOption {
	return func(r *Router) { r.catalog = c }
}

// NewRouter creates a Router for cfg.
func NewRouter(cfg *config.AgentConfig, opts ...RouterOption) (*Router, error) {
	r := &Router{
		table:  NewExecutionTable(),
		tracer: observability.Tracer(),
		now:    func() time.Time { return time.Now().UTC() },
		newID:  envelope.NewTraceID,
	}
	for _, opt := range opts {
		opt(r)
	}
	if err := r.Reconfigure(cfg); err != nil {
		return nil, err
	}
	return r, nil
}

// Reconfigure replaces the configuration used for new sessions.
func (r *Router) Reconfigure(cfg *config.AgentConfig) error {
	if cfg == nil {
		cfg = config.DefaultAgentConfig()
	}
	react, err := strategy.NewReactFromConfig(cfg, r.catalog)
	if err != nil {
		return fmt.Errorf("invalid agent config: %w", err)
	}
	rt := &sessionRuntime{
		manager: envelope.NewManager(
			envelope.WithMaxIterations(cfg.MaxIterations),
			envelope.WithClock(r.now),
			envelope.WithIDGenerator(r.newID),
		),
		strategy:     react,
		validator:    validator.New(validator.WithStrictConfidence(cfg.StrictConfidence)),
		allowedTools: envelope.NormalizeTools(cfg.AllowedTools),
		timeout:      cfg.SessionTimeout(),
		debug:        cfg.Debug,
	}

	r.mu.Lock()
	r.current = rt
	r.mu.Unlock()

	if r.logger != nil {
		r.logger.Info("router_configured",
			"max_iterations", cfg.MaxIterations,
			"allowed_tools", rt.allowedTools,
			"stop_conditions", len(cfg.StopConditions),
			"session_timeout", rt.timeout.String(),
		)
	}
	return nil
}

// withStrategy swaps the strategy of the current runtime. Tests use it to
// inject failing strategies.
func (r *Router) withStrategy(s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rt := *r.current
	rt.strategy = s
	r.current = &rt
}

func (r *Router) runtime() *sessionRuntime {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// Table returns the active execution table.
func (r *Router) Table() *ExecutionTable {
	return r.table
}

// ActiveSessions returns the number of live sessions.
func (r *Router) ActiveSessions() int {
	return r.table.Len()
}

// =============================================================================
// Inbound
// =============================================================================

// Handle processes one inbound message to completion. Outputs are delivered
// to sink, one channel per Send, after the session lock is released, so a
// sink may itself call Handle or Abandon. It returns nil for every handled outcome,
// including correlation misses and validation failures; an *ExecutionError
// is returned when the session had to be closed because of an internal
// failure.
func (r *Router) Handle(ctx context.Context, msg *Message, sink OutputSink) error {
	if msg == nil {
		return errors.New("handle: nil message")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	ctx, span := r.tracer.Start(ctx, "agentcore.handle")
	defer span.End()

	err := r.route(ctx, span, msg, sink)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (r *Router) route(ctx context.Context, span trace.Span, msg *Message, sink OutputSink) error {
	corr := msg.Correlation
	if corr == nil {
		span.SetAttributes(attribute.String("agentcore.route", "new"))
		return r.startSession(ctx, span, msg.Payload, sink)
	}

	span.SetAttributes(
		attribute.String("agentcore.trace_id", corr.TraceID),
		attribute.String("agentcore.correlation_type", corr.Type),
	)
	if corr.TraceID == "" {
		if r.logger != nil {
			r.logger.Warn("malformed_correlation", "type", corr.Type)
		}
		return nil
	}

	switch corr.Type {
	case "", CorrelationModelResponse:
		span.SetAttributes(attribute.String("agentcore.route", "resume_model"))
		return r.resume(ctx, span, corr, sink, func(rec *Record) error {
			return r.resumeModel(ctx, span, rec, corr, msg.Payload)
		})
	case CorrelationToolResponse, CorrelationMemoryResponse:
		span.SetAttributes(attribute.String("agentcore.route", "resume_observation"))
		return r.resume(ctx, span, corr, sink, func(rec *Record) error {
			return r.resumeObservation(ctx, span, rec, corr, msg.Payload)
		})
	default:
		if r.logger != nil {
			r.logger.Warn("correlation_type_unsupported",
				"trace_id", corr.TraceID,
				"type", corr.Type,
			)
		}
		return nil
	}
}

func (r *Router) startSession(ctx context.Context, span trace.Span, payload any, sink OutputSink) error {
	rt := r.runtime()
	now := r.now()
	env := rt.manager.CreateEnvelope(payload, rt.allowedTools)

	rec := &Record{
		TraceID:   env.TraceID,
		Envelope:  env,
		Sink:      sink,
		StartedAt: now,
		runtime:   rt,
	}
	rec.touch(now, rt.timeout)

	rec.mu.Lock()
	if err := r.table.Insert(rec); err != nil {
		rec.mu.Unlock()
		return &ExecutionError{TraceID: env.TraceID, Op: "insert", Cause: err}
	}
	observability.RecordSessionStarted()
	span.SetAttributes(attribute.String("agentcore.trace_id", env.TraceID))

	if r.logger != nil {
		r.logger.Info("session_started",
			"trace_id", env.TraceID,
			"allowed_tools", env.AllowedTools,
			"max_iterations", env.MaxIterations,
		)
	}

	step := r.runStrategy(rec, "execute", func() strategy.NextStep {
		return rt.strategy.Execute(env)
	})
	return r.release(ctx, rec, r.apply(ctx, span, rec, step))
}

// resume locks the live record for corr and runs fn, or drops the message
// as a correlation miss.
func (r *Router) resume(ctx context.Context, span trace.Span, corr *Correlation, sink OutputSink, fn func(rec *Record) error) error {
	rec := r.table.Lookup(corr.TraceID)
	if rec == nil {
		r.correlationMiss(span, corr, "unknown")
		return nil
	}

	rec.mu.Lock()
	// Closed while this message waited for the lock
	if rec.closed {
		rec.mu.Unlock()
		r.correlationMiss(span, corr, "closed")
		return nil
	}
	if sink != nil {
		rec.Sink = sink
	}
	rec.touch(r.now(), rec.runtime.timeout)
	return r.release(ctx, rec, fn(rec))
}

func (r *Router) correlationMiss(span trace.Span, corr *Correlation, reason string) {
	observability.RecordCorrelationMiss()
	span.SetAttributes(attribute.String("agentcore.route", "correlation_miss"))
	if r.logger != nil {
		r.logger.Debug("correlation_miss",
			"trace_id", corr.TraceID,
			"type", corr.Type,
			"reason", reason,
		)
	}
}

func (r *Router) resumeModel(ctx context.Context, span trace.Span, rec *Record, corr *Correlation, payload any) error {
	env := rec.Envelope

	if corr.Iteration != nil && *corr.Iteration != env.State.Iteration {
		r.correlationMiss(span, corr, "stale_iteration")
		return nil
	}
	if upstream, ok := extractUpstreamError(payload); ok {
		return r.upstreamError(ctx, rec, upstream)
	}

	action, err := rec.runtime.validator.Validate(payload, env)
	if err != nil {
		var verr *validator.ValidationError
		if !errors.As(err, &verr) {
			return r.fail(ctx, rec, "validate", err)
		}
		observability.RecordValidationFailure(string(verr.Kind))
		if r.logger != nil {
			r.logger.Warn("validation_failed",
				"trace_id", rec.TraceID,
				"iteration", env.State.Iteration,
				"kind", string(verr.Kind),
				"error", verr.Message,
			)
		}
		rec.pending = nil
		step := r.runStrategy(rec, "recover_validation", func() strategy.NextStep {
			return rec.runtime.strategy.RecoverValidation(env, verr)
		})
		return r.apply(ctx, span, rec, step)
	}

	// Surface the validated turn before the loop decides the next step
	if err := r.send(ctx, rec, ChannelRawModelResponse, rawModelOutbound(env, action)); err != nil {
		return r.fail(ctx, rec, "dispatch", err)
	}

	if r.logger != nil {
		r.logger.Debug("model_turn_validated",
			"trace_id", rec.TraceID,
			"iteration", env.State.Iteration+1,
			"kind", string(action.Kind),
			"tool", action.Tool,
		)
	}

	rec.pending = nil
	step := r.runStrategy(rec, "continue_loop", func() strategy.NextStep {
		return rec.runtime.strategy.ContinueLoop(env, action)
	})
	return r.apply(ctx, span, rec, step)
}

func (r *Router) resumeObservation(ctx context.Context, span trace.Span, rec *Record, corr *Correlation, payload any) error {
	env := rec.Envelope
	pending := rec.pending

	if pending == nil || corr.Type != pendingCorrelationType(pending.Channel) ||
		(corr.Iteration != nil && *corr.Iteration != pending.Iteration) {
		r.correlationMiss(span, corr, "no_pending_dispatch")
		return nil
	}
	if upstream, ok := extractUpstreamError(payload); ok {
		return r.upstreamError(ctx, rec, upstream)
	}

	tool := pending.Tool
	if corr.Tool != "" && corr.Tool != tool {
		r.correlationMiss(span, corr, "tool_mismatch")
		return nil
	}
	rec.pending = nil

	step := r.runStrategy(rec, "observe_tool", func() strategy.NextStep {
		return rec.runtime.strategy.ObserveTool(env, tool, payload)
	})
	return r.apply(ctx, span, rec, step)
}

func pendingCorrelationType(ch Channel) string {
	if ch == ChannelMemory {
		return CorrelationMemoryResponse
	}
	return CorrelationToolResponse
}

// runStrategy calls into the strategy inside the recovery boundary.
func (r *Router) runStrategy(rec *Record, op string, fn func() strategy.NextStep) strategy.NextStep {
	step, err := SafeExecuteWithResult(r.logger, op, func() (strategy.NextStep, error) {
		return fn(), nil
	})
	if err != nil {
		return strategy.Fail{Err: err}
	}
	if step == nil {
		return strategy.Fail{Err: fmt.Errorf("%s returned no step", op)}
	}
	return step
}

// =============================================================================
// Dispatch
// =============================================================================

func (r *Router) apply(ctx context.Context, span trace.Span, rec *Record, step strategy.NextStep) error {
	env := rec.Envelope
	span.SetAttributes(
		attribute.String("agentcore.step", step.Name()),
		attribute.Int("agentcore.iteration", env.State.Iteration),
	)

	switch s := step.(type) {
	case strategy.SendToModel:
		if s.Prompt == nil {
			return r.fail(ctx, rec, "dispatch", errors.New("model step without prompt"))
		}
		if rec.runtime.debug && r.logger != nil {
			r.logger.Debug("model_request",
				"trace_id", rec.TraceID,
				"iteration", env.State.Iteration,
				"messages", len(s.Prompt.Messages),
				"feedback", s.Prompt.Feedback,
			)
		}
		if err := r.send(ctx, rec, ChannelModel, modelOutbound(env, s.Prompt)); err != nil {
			return r.fail(ctx, rec, "dispatch", err)
		}
		return nil

	case strategy.SendToTool:
		return r.dispatchTool(ctx, rec, ChannelTool, s.Invocation)

	case strategy.SendToMemory:
		return r.dispatchTool(ctx, rec, ChannelMemory, s.Invocation)

	case strategy.Complete:
		return r.finish(ctx, rec, s.Reason, nil)

	case strategy.Fail:
		return r.fail(ctx, rec, "strategy", s.Err)

	default:
		return r.fail(ctx, rec, "dispatch", fmt.Errorf("unknown step %T", step))
	}
}

func (r *Router) dispatchTool(ctx context.Context, rec *Record, ch Channel, inv strategy.ToolInvocation) error {
	rec.pending = &pendingDispatch{Channel: ch, Tool: inv.Tool, Iteration: inv.Iteration}
	if r.logger != nil {
		r.logger.Info("tool_dispatched",
			"trace_id", rec.TraceID,
			"channel", ch.String(),
			"tool", inv.Tool,
			"iteration", inv.Iteration,
		)
	}
	if err := r.send(ctx, rec, ch, toolOutbound(ch, inv)); err != nil {
		return r.fail(ctx, rec, "dispatch", err)
	}
	return nil
}

// finish closes the session and emits its single result. upstream is set
// for collaborator failures, whose result carries the error payload.
func (r *Router) finish(ctx context.Context, rec *Record, reason envelope.TerminalReason, upstream *UpstreamError) error {
	if !r.close(rec, reason) {
		return nil
	}
	env := rec.Envelope

	if r.logger != nil {
		r.logger.Info("session_completed",
			"trace_id", rec.TraceID,
			"status", string(reason),
			"completed", env.State.Completed,
			"iterations", env.State.Iteration,
		)
	}
	if err := r.send(ctx, rec, ChannelResult, resultOutbound(env, upstream)); err != nil {
		return r.resultFailed(rec, err)
	}
	return nil
}

func (r *Router) resultFailed(rec *Record, err error) error {
	if r.logger != nil {
		r.logger.Error("result_dispatch_failed",
			"trace_id", rec.TraceID,
			"error", err.Error(),
		)
	}
	return &ExecutionError{TraceID: rec.TraceID, Op: "dispatch_result", Cause: err}
}

// close terminates and removes the record. It reports false when the record
// was already closed.
func (r *Router) close(rec *Record, reason envelope.TerminalReason) bool {
	if rec.closed {
		return false
	}
	rec.closed = true
	rec.pending = nil
	if !r.table.RemoveOnce(rec) {
		return false
	}
	rec.Envelope.Terminate(reason, r.now())
	observability.RecordSessionFinished(string(reason), rec.Envelope.State.Iteration)
	return true
}

// fail closes the session with an execution error and reports it.
func (r *Router) fail(ctx context.Context, rec *Record, op string, cause error) error {
	execErr := &ExecutionError{TraceID: rec.TraceID, Op: op, Cause: cause}
	if r.logger != nil {
		r.logger.Error("execution_error",
			"trace_id", rec.TraceID,
			"op", op,
			"error", cause.Error(),
		)
	}
	rec.Envelope.Errors = append(rec.Envelope.Errors, map[string]any{
		"kind":      "execution_error",
		"op":        op,
		"message":   cause.Error(),
		"iteration": rec.Envelope.State.Iteration,
	})
	upstream := &UpstreamError{Code: "execution_error", Message: cause.Error()}
	if err := r.finish(ctx, rec, envelope.TerminalReasonExecutionError, upstream); err != nil {
		return errors.Join(execErr, err)
	}
	return execErr
}

func (r *Router) upstreamError(ctx context.Context, rec *Record, upstream *UpstreamError) error {
	env := rec.Envelope
	env.RecordUpstreamError(upstream.Code, upstream.Message, r.now())
	if r.logger != nil {
		r.logger.Warn("upstream_error",
			"trace_id", rec.TraceID,
			"code", upstream.Code,
			"error", upstream.Message,
		)
	}
	if err := r.send(ctx, rec, ChannelRawModelResponse, rawErrorOutbound(env, upstream)); err != nil {
		return r.fail(ctx, rec, "dispatch", err)
	}
	return r.finish(ctx, rec, envelope.TerminalReasonUpstreamError, upstream)
}

// send queues out for delivery once rec is unlocked. rec.mu must be held.
func (r *Router) send(_ context.Context, rec *Record, ch Channel, out *Outbound) error {
	if rec.Sink == nil {
		return errors.New("no output sink")
	}
	rec.outbox = append(rec.outbox, delivery{sink: rec.Sink, ch: ch, out: out})
	return nil
}

// release unlocks rec and delivers the outputs queued while it was held, in
// order. Sinks may call back into the router for the same session.
//
// A failed tool, memory, model or raw-model-response send closes the session
// with an execution error unless it is already closed. Outputs still queued
// behind a result that another message emitted are dropped.
func (r *Router) release(ctx context.Context, rec *Record, err error) error {
	queued := rec.outbox
	rec.outbox = nil
	rec.mu.Unlock()

	ownsResult := false
	for _, d := range queued {
		if d.ch == ChannelResult {
			ownsResult = true
		}
	}

	for _, d := range queued {
		if d.ch != ChannelResult && !ownsResult && r.isClosed(rec) {
			if r.logger != nil {
				r.logger.Debug("output_dropped",
					"trace_id", rec.TraceID,
					"channel", d.ch.String(),
				)
			}
			continue
		}

		sendErr := r.deliver(ctx, rec.TraceID, d)
		if sendErr == nil {
			continue
		}
		if d.ch == ChannelResult {
			return errors.Join(err, r.resultFailed(rec, sendErr))
		}

		rec.mu.Lock()
		if rec.closed {
			// The result is already queued or sent; keep delivering it
			rec.mu.Unlock()
			err = errors.Join(err, &ExecutionError{TraceID: rec.TraceID, Op: "dispatch", Cause: sendErr})
			continue
		}
		failErr := r.fail(ctx, rec, "dispatch", sendErr)
		return errors.Join(err, r.release(ctx, rec, failErr))
	}
	return err
}

func (r *Router) deliver(ctx context.Context, traceID string, d delivery) error {
	err := SafeExecute(r.logger, "sink_send", func() error {
		return d.sink.Send(ctx, traceID, Single(d.ch, d.out))
	})
	if err != nil {
		return fmt.Errorf("send %s: %w", d.ch, err)
	}
	observability.RecordChannelMessage(d.ch.String())
	return nil
}

func (r *Router) isClosed(rec *Record) bool {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.closed
}

// =============================================================================
// Lifecycle
// =============================================================================

// Abandon closes a live session on host request. Its result is delivered to
// the record's sink with status abandoned; later resumes are correlation
// misses.
func (r *Router) Abandon(ctx context.Context, traceID string) error {
	rec := r.table.Lookup(traceID)
	if rec == nil {
		return ErrCorrelationMiss
	}
	rec.mu.Lock()
	if rec.closed {
		rec.mu.Unlock()
		return ErrCorrelationMiss
	}
	if r.logger != nil {
		r.logger.Info("session_abandoned", "trace_id", traceID)
	}
	return r.release(ctx, rec, r.finish(ctx, rec, envelope.TerminalReasonAbandoned, nil))
}

// SweepExpired closes every session whose deadline has passed. Each gets a
// timeout result on its stored sink. Returns the number of sessions closed.
func (r *Router) SweepExpired(ctx context.Context, now time.Time) int {
	swept := 0
	for _, rec := range r.table.Expired(now) {
		rec.mu.Lock()
		if rec.closed || !rec.expired(now) {
			rec.mu.Unlock()
			continue
		}
		if r.logger != nil {
			r.logger.Info("session_expired",
				"trace_id", rec.TraceID,
				"last_activity", rec.LastActivityAt.Format(time.RFC3339),
			)
		}
		err := r.release(ctx, rec, r.finish(ctx, rec, envelope.TerminalReasonTimeout, nil))
		if err != nil && r.logger != nil {
			r.logger.Warn("session_expire_dispatch_failed", "trace_id", rec.TraceID, "error", err.Error())
		}
		swept++
	}
	return swept
}

// Snapshot returns a deep copy of a live session's envelope.
func (r *Router) Snapshot(traceID string) (*envelope.Envelope, bool) {
	rec := r.table.Lookup(traceID)
	if rec == nil {
		return nil, false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.closed {
		return nil, false
	}
	return rec.Envelope.Clone(), true
}
