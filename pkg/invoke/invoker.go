package invoke

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"runtime/debug"
	"slices"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/bturcanu/plugwire/pkg/normalize"
	"github.com/bturcanu/plugwire/pkg/params"
	"github.com/bturcanu/plugwire/pkg/transport"
	"github.com/bturcanu/plugwire/pkg/types"
)

// Outcome summarises one finished invocation for a Recorder.
type Outcome struct {
	InvocationID string
	TenantID     string
	Adapter      string
	Params       map[string]any
	Messages     []types.InvokeMessage
	Err          error
	StartedAt    time.Time
	Duration     time.Duration
}

// Recorder receives one Outcome per invocation that ran. Record errors are
// logged and never change the emitted messages.
type Recorder interface {
	Record(ctx context.Context, o Outcome) error
}

type tenantKey struct{}

// WithTenant tags ctx with the tenant on whose behalf adapters run.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantKey{}, tenantID)
}

// TenantFrom returns the tenant set by WithTenant.
func TenantFrom(ctx context.Context) string {
	s, _ := ctx.Value(tenantKey{}).(string)
	return s
}

// Invoker runs adapters. It is safe for concurrent use.
type Invoker struct {
	transport transport.Transport
	logger    *slog.Logger
	recorder  Recorder
	tel       *telemetry
}

// Option configures an Invoker.
type Option func(*Invoker)

// WithTransport replaces the default HTTP transport.
func WithTransport(t transport.Transport) Option {
	return func(inv *Invoker) { inv.transport = t }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(inv *Invoker) { inv.logger = l }
}

// WithRecorder attaches an audit sink.
func WithRecorder(r Recorder) Option {
	return func(inv *Invoker) { inv.recorder = r }
}

// New creates an Invoker.
func New(opts ...Option) *Invoker {
	inv := &Invoker{
		transport: transport.NewHTTP(),
		logger:    slog.Default(),
		tel:       newTelemetry(),
	}
	for _, o := range opts {
		o(inv)
	}
	return inv
}

// Stream is the lazy message sequence of one invocation.
type Stream struct {
	inv    *Invoker
	ctx    context.Context
	a      Adapter
	params types.ParameterBag
	creds  types.CredentialBag
	used   atomic.Bool
}

// Invoke prepares an invocation of a. Nothing runs until the returned
// stream is iterated. The parameter bag is copied; neither bag is mutated.
func (inv *Invoker) Invoke(ctx context.Context, a Adapter, p types.ParameterBag, creds types.CredentialBag) *Stream {
	return &Stream{inv: inv, ctx: ctx, a: a, params: p.Clone(), creds: creds}
}

// All yields the invocation's messages. The sequence can be consumed once; a
// second iteration yields nothing. A failed invocation yields exactly one
// error Text and nothing else.
func (s *Stream) All() iter.Seq[types.InvokeMessage] {
	return func(yield func(types.InvokeMessage) bool) {
		if !s.used.CompareAndSwap(false, true) {
			return
		}
		for _, m := range s.inv.run(s.ctx, s.a, s.params, s.creds) {
			if !yield(m) {
				return
			}
		}
	}
}

// Collect drains the stream.
func (s *Stream) Collect() []types.InvokeMessage {
	return slices.Collect(s.All())
}

// ─── Pipeline ───────────────────────────────────────────────────────────────

func (inv *Invoker) run(ctx context.Context, a Adapter, bag types.ParameterBag, creds types.CredentialBag) []types.InvokeMessage {
	start := time.Now()
	id := uuid.NewString()

	name := "unknown"
	desc, descErr := describe(a)
	if descErr == nil {
		name = desc.Name
	}

	ctx, span := inv.tel.tracer.Start(ctx, "invoke "+name,
		trace.WithAttributes(
			attribute.String("plugwire.adapter", name),
			attribute.String("plugwire.invocation_id", id),
		))
	defer span.End()

	var (
		msgs []types.InvokeMessage
		vals map[string]any
		err  = descErr
	)
	if err == nil {
		msgs, vals, err = inv.execute(ctx, a, desc, bag, creds)
	}
	if vals == nil {
		vals = bag
	}

	outcome := "success"
	if err != nil {
		kind := types.Classify(err)
		outcome = string(kind)
		msgs = []types.InvokeMessage{types.ErrorMessage(err)}
		span.SetStatus(codes.Error, string(kind))
		span.RecordError(err)
		lvl := slog.LevelWarn
		if kind == types.KindUnexpected {
			lvl = slog.LevelError
		}
		inv.logger.Log(ctx, lvl, "invocation failed",
			"invocation_id", id,
			"adapter", name,
			"error_kind", kind,
			"error", err,
			"credentials", creds,
		)
	}

	dur := time.Since(start)
	inv.tel.record(ctx, name, outcome, dur)
	inv.logger.InfoContext(ctx, "invocation finished",
		"invocation_id", id,
		"adapter", name,
		"outcome", outcome,
		"messages", len(msgs),
		"duration_ms", dur.Milliseconds(),
	)

	if inv.recorder != nil {
		o := Outcome{
			InvocationID: id,
			TenantID:     TenantFrom(ctx),
			Adapter:      name,
			Params:       vals,
			Messages:     msgs,
			Err:          err,
			StartedAt:    start.UTC(),
			Duration:     dur,
		}
		if rerr := inv.recorder.Record(ctx, o); rerr != nil {
			inv.logger.ErrorContext(ctx, "record invocation", "invocation_id", id, "error", rerr)
		}
	}
	return msgs
}

// describe isolates Describe so a panicking adapter still yields one Text.
func describe(a Adapter) (d Descriptor, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: debug.Stack()}
		}
	}()
	return a.Describe(), nil
}

type panicError struct {
	value any
	stack []byte
}

func (e *panicError) Error() string { return fmt.Sprintf("adapter panic: %v", e.value) }

// execute runs every stage. Panics are recovered here and never around the
// consumer's yield.
func (inv *Invoker) execute(ctx context.Context, a Adapter, d Descriptor, bag types.ParameterBag, creds types.CredentialBag) (msgs []types.InvokeMessage, vals map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			pe := &panicError{value: r, stack: debug.Stack()}
			inv.logger.ErrorContext(ctx, "adapter panicked",
				"adapter", d.Name,
				"panic", fmt.Sprint(r),
				"stack", string(pe.stack),
			)
			msgs, err = nil, pe
		}
	}()

	if err := ctx.Err(); err != nil {
		return nil, nil, &types.ConnectionFault{Provider: d.Provider, Err: err}
	}

	// ── Validate ──
	p, err := params.Validate(bag, d.Params)
	if err != nil {
		return nil, nil, err
	}
	vals = p.Map()
	if err := creds.Require(d.Credentials...); err != nil {
		return nil, vals, err
	}

	// ── Build ──
	req, err := a.Build(p, creds)
	if err != nil {
		return nil, vals, err
	}
	if req.Timeout <= 0 {
		req.Timeout = d.Timeout
	}
	req.Timeout = ClampTimeout(req.Timeout)
	inv.logger.DebugContext(ctx, "request built", "adapter", d.Name, "request", req)

	// ── Transport ──
	tr := inv.transport
	if tp, ok := a.(TransportProvider); ok {
		if tr, err = tp.Transport(creds); err != nil {
			return nil, vals, err
		}
	}
	var rules []normalize.FailureRule
	if fr, ok := a.(FailureRuler); ok {
		rules = fr.FailureRules()
	}

	// One deadline covers the call and any follow-up polling.
	deadline := req.Timeout
	if deadline <= 0 {
		deadline = transport.DefaultTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	resp, err := tr.Do(callCtx, req)
	if err != nil {
		return nil, vals, relabel(err, d.Provider)
	}
	if err := normalize.Check(d.Provider, resp, rules...); err != nil {
		return nil, vals, err
	}
	if f, ok := a.(Follower); ok {
		if resp, err = f.Follow(callCtx, p, creds, tr, resp); err != nil {
			return nil, vals, relabel(err, d.Provider)
		}
		if err := normalize.Check(d.Provider, resp, rules...); err != nil {
			return nil, vals, err
		}
	}

	// ── Normalize ──
	out, err := a.Normalize(p, resp)
	if err != nil {
		return nil, vals, err
	}
	return out.Messages(), vals, nil
}

// relabel names transport faults after the adapter's provider rather than
// the raw host.
func relabel(err error, provider string) error {
	var (
		tf *types.TimeoutFault
		cf *types.ConnectionFault
		pe *types.ProviderError
	)
	switch {
	case errors.As(err, &tf):
		tf.Provider = provider
	case errors.As(err, &cf):
		cf.Provider = provider
	case errors.As(err, &pe):
		if pe.Provider == "" {
			pe.Provider = provider
		}
	}
	return err
}
