// Package order runs the preview, confirm and execute protocol for one
// multi-account order. A preview is only ever valid for the exact spec that
// produced it.
package order

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"trade-desk/internal/eventloop"
	"trade-desk/internal/model"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// State is the stage of the current order attempt.
type State int

const (
	StateEditing State = iota
	StatePreviewing
	StatePreviewed
	StateExecuting
	StateDone
)

func (s State) String() string {
	switch s {
	case StateEditing:
		return "editing"
	case StatePreviewing:
		return "previewing"
	case StatePreviewed:
		return "previewed"
	case StateExecuting:
		return "executing"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

// Upstream sizes and places batches.
type Upstream interface {
	CalculatePositions(ctx context.Context, spec model.OrderSpec) ([]model.AccountPreview, error)
	ExecuteBatch(ctx context.Context, spec model.OrderSpec) (model.ExecutionResult, error)
}

// Eligibility reports the accounts an order may currently target.
type Eligibility interface {
	Selectable() []model.AccountID
}

// Confirm is the yes/no gate shown before execution.
type Confirm func(Summary) bool

// Summary is what the user confirms before a batch is sent.
type Summary struct {
	PreviewID uuid.UUID       `json:"preview_id"`
	Orders    int             `json:"orders"`
	Symbol    string          `json:"symbol"`
	Direction model.Side      `json:"direction"`
	TotalLots decimal.Decimal `json:"total_lots"`
	Sized     int             `json:"sized"`
	Errors    int             `json:"errors"`
}

func (s Summary) String() string {
	return fmt.Sprintf("Execute %d order(s)?\n\nSymbol: %s\nDirection: %s\nTotal Lots: %s",
		s.Orders, s.Symbol, s.Direction, s.TotalLots.StringFixed(2))
}

// Snapshot is the presentation view of the orchestrator.
type Snapshot struct {
	State     string                 `json:"state"`
	Spec      model.OrderSpec        `json:"spec"`
	Preview   *model.PreviewResult   `json:"preview,omitempty"`
	Result    *model.ExecutionResult `json:"result,omitempty"`
	LastError string                 `json:"last_error,omitempty"`
}

// pendingPreview is one outstanding sizing request.
type pendingPreview struct {
	spec  model.OrderSpec
	epoch uint64
}

// Orchestrator owns the draft spec, the current preview and the last execution
// result. All methods must be called from the event loop.
type Orchestrator struct {
	sched    eventloop.Scheduler
	upstream Upstream
	eligible Eligibility
	logger   *zap.Logger
	onChange func(Snapshot)

	state   State
	draft   model.OrderSpec
	preview *model.PreviewResult
	result  *model.ExecutionResult
	lastErr string

	// epoch is bumped by Invalidate; responses to requests from an older epoch
	// are stale whatever their spec.
	epoch    uint64
	nextReq  uint64
	inflight map[uint64]pendingPreview
}

// NewOrchestrator creates an orchestrator in the Editing state.
func NewOrchestrator(sched eventloop.Scheduler, upstream Upstream, eligible Eligibility) *Orchestrator {
	return &Orchestrator{
		sched:    sched,
		upstream: upstream,
		eligible: eligible,
		logger:   zap.NewNop(),
		draft:    model.OrderSpec{Direction: model.SideBuy, RiskType: model.RiskPercent},
		inflight: make(map[uint64]pendingPreview),
	}
}

// SetLogger sets the structured logger for the orchestrator.
func (o *Orchestrator) SetLogger(logger *zap.Logger) {
	if logger != nil {
		o.logger = logger
	}
}

// OnChange registers a callback run after every state or data change.
func (o *Orchestrator) OnChange(fn func(Snapshot)) {
	o.onChange = fn
}

// State returns the current stage.
func (o *Orchestrator) State() State {
	return o.state
}

// Spec returns a copy of the draft spec.
func (o *Orchestrator) Spec() model.OrderSpec {
	return o.draft.Clone()
}

// Preview returns the current preview, if any.
func (o *Orchestrator) Preview() (model.PreviewResult, bool) {
	if o.preview == nil {
		return model.PreviewResult{}, false
	}
	return clonePreview(*o.preview), true
}

// UpdateSpec replaces the draft. Any change invalidates a stored preview; an
// edit while executing only updates the draft. Outstanding previews keep
// running and are applied if their spec equals the draft when they arrive.
func (o *Orchestrator) UpdateSpec(spec model.OrderSpec) {
	spec = spec.Clone()
	if spec.Equal(o.draft) {
		return
	}
	o.draft = spec

	switch o.state {
	case StatePreviewed, StateDone:
		o.toEditing()
	}
	o.notify()
}

// Invalidate drops a stored preview without touching the draft. Outstanding
// previews are discarded on arrival.
func (o *Orchestrator) Invalidate() {
	if o.state == StatePreviewed || o.state == StatePreviewing {
		o.epoch++
		o.toEditing()
		o.notify()
	}
}

func (o *Orchestrator) toEditing() {
	if o.preview != nil {
		o.logger.Debug("preview_invalidated", zap.Stringer("preview_id", o.preview.ID))
	}
	o.preview = nil
	o.state = StateEditing
}

// RequestPreview validates the draft and asks upstream to size it. done runs on
// the loop exactly once: synchronously for validation errors, otherwise when
// the response arrives. A response for a spec that is no longer the draft is
// reported as model.ErrStale and not stored.
func (o *Orchestrator) RequestPreview(done func(model.PreviewResult, error)) {
	if o.state == StateExecuting {
		done(model.PreviewResult{}, &model.ValidationError{Field: "state", Reason: "an execution is in progress"})
		return
	}
	if err := o.validate(o.draft); err != nil {
		o.fail(err)
		done(model.PreviewResult{}, err)
		return
	}

	spec := o.draft.Clone()
	o.nextReq++
	id := o.nextReq
	o.inflight[id] = pendingPreview{spec: spec, epoch: o.epoch}
	o.preview = nil
	o.lastErr = ""
	o.state = StatePreviewing
	o.notify()

	o.logger.Info("preview_requested",
		zap.String("symbol", spec.Symbol),
		zap.Int("accounts", len(spec.AccountIDs)),
		zap.Int("outstanding", len(o.inflight)),
	)
	o.sched.Go(func() {
		rows, err := o.upstream.CalculatePositions(context.Background(), spec)
		o.sched.Post(func() { o.onPreview(id, rows, err, done) })
	})
}

func (o *Orchestrator) onPreview(id uint64, rows []model.AccountPreview, err error, done func(model.PreviewResult, error)) {
	req := o.inflight[id]
	delete(o.inflight, id)
	spec := req.spec

	current := req.epoch == o.epoch && spec.Equal(o.draft) &&
		(o.state == StatePreviewing || o.state == StatePreviewed)
	if !current {
		o.logger.Debug("preview_discarded", zap.String("symbol", spec.Symbol))
		if o.state == StatePreviewing && !o.awaiting(o.draft) {
			o.state = StateEditing
			o.notify()
		}
		done(model.PreviewResult{}, model.ErrStale)
		return
	}
	if err != nil {
		// A retry for the same spec may still succeed.
		if o.state == StatePreviewing && !o.awaiting(spec) {
			o.state = StateEditing
		}
		o.fail(err)
		done(model.PreviewResult{}, err)
		return
	}

	preview := model.PreviewResult{ID: uuid.New(), Spec: spec, Results: slices.Clone(rows)}
	o.preview = &preview
	o.state = StatePreviewed
	o.logger.Info("preview_ready",
		zap.Stringer("preview_id", preview.ID),
		zap.Int("rows", len(rows)),
	)
	o.notify()
	done(clonePreview(preview), nil)
}

// awaiting reports whether a request for spec from the current epoch is outstanding.
func (o *Orchestrator) awaiting(spec model.OrderSpec) bool {
	for _, req := range o.inflight {
		if req.epoch == o.epoch && req.spec.Equal(spec) {
			return true
		}
	}
	return false
}

// Summary aggregates the current preview for the confirmation gate.
func (o *Orchestrator) Summary() (Summary, error) {
	if o.state != StatePreviewed || o.preview == nil {
		return Summary{}, notPreviewed()
	}
	return summarize(*o.preview), nil
}

func summarize(p model.PreviewResult) Summary {
	s := Summary{
		PreviewID: p.ID,
		Orders:    len(p.Spec.AccountIDs),
		Symbol:    strings.TrimSpace(p.Spec.Symbol),
		Direction: p.Spec.Direction,
		TotalLots: decimal.Zero,
	}
	for _, row := range p.Results {
		if !row.OK() {
			s.Errors++
			continue
		}
		s.Sized++
		s.TotalLots = s.TotalLots.Add(decimal.NewFromFloat(row.Calculation.LotSize))
	}
	s.TotalLots = s.TotalLots.Round(2)
	return s
}

// ConfirmAndExecute sends the previewed batch once confirm approves it. The
// preview's accounts are checked against the current eligible set first. done
// runs on the loop exactly once.
func (o *Orchestrator) ConfirmAndExecute(confirm Confirm, done func(model.ExecutionResult, error)) {
	if o.state != StatePreviewed || o.preview == nil {
		done(model.ExecutionResult{}, notPreviewed())
		return
	}
	spec := o.preview.Spec.Clone()
	if err := o.checkEligible(spec.AccountIDs); err != nil {
		o.fail(err)
		done(model.ExecutionResult{}, err)
		return
	}
	summary := summarize(*o.preview)
	if confirm == nil || !confirm(summary) {
		done(model.ExecutionResult{}, model.ErrDeclined)
		return
	}

	o.state = StateExecuting
	o.lastErr = ""
	o.notify()
	o.logger.Info("batch_executing",
		zap.Stringer("preview_id", summary.PreviewID),
		zap.String("symbol", spec.Symbol),
		zap.Int("orders", summary.Orders),
		zap.String("total_lots", summary.TotalLots.StringFixed(2)),
	)
	o.sched.Go(func() {
		res, err := o.upstream.ExecuteBatch(context.Background(), spec)
		o.sched.Post(func() { o.onExecuted(spec, res, err, done) })
	})
}

func (o *Orchestrator) onExecuted(spec model.OrderSpec, res model.ExecutionResult, err error, done func(model.ExecutionResult, error)) {
	if err != nil {
		if o.draft.Equal(spec) {
			o.state = StatePreviewed
		} else {
			o.toEditing()
		}
		o.fail(err)
		done(model.ExecutionResult{}, err)
		return
	}

	o.state = StateDone
	o.preview = nil
	o.result = &res
	o.logger.Info("batch_executed",
		zap.String("symbol", spec.Symbol),
		zap.Int("total", res.Total),
		zap.Int("successful", res.Successful),
		zap.Int("failed", res.Failed),
	)
	o.notify()
	done(res, nil)
}

// Snapshot returns a copy of the orchestrator state.
func (o *Orchestrator) Snapshot() Snapshot {
	s := Snapshot{State: o.state.String(), Spec: o.draft.Clone(), LastError: o.lastErr}
	if o.preview != nil {
		p := clonePreview(*o.preview)
		s.Preview = &p
	}
	if o.result != nil {
		r := *o.result
		r.Results = slices.Clone(r.Results)
		s.Result = &r
	}
	return s
}

func (o *Orchestrator) validate(spec model.OrderSpec) error {
	switch {
	case strings.TrimSpace(spec.Symbol) == "":
		return &model.ValidationError{Field: "symbol", Reason: "is required"}
	case !spec.Direction.Valid():
		return &model.ValidationError{Field: "direction", Reason: fmt.Sprintf("%q is not BUY or SELL", spec.Direction)}
	case len(spec.AccountIDs) == 0:
		return &model.ValidationError{Field: "account_ids", Reason: "select at least one account"}
	case spec.SLPrice <= 0:
		return &model.ValidationError{Field: "sl_price", Reason: "a stop loss price is required"}
	case spec.TPPrice < 0:
		return &model.ValidationError{Field: "tp_price", Reason: "must not be negative"}
	case !spec.RiskType.Valid():
		return &model.ValidationError{Field: "risk_type", Reason: fmt.Sprintf("%q is not pct or fixed", spec.RiskType)}
	case spec.RiskValue <= 0:
		return &model.ValidationError{Field: "risk_value", Reason: "must be positive"}
	}
	return o.checkEligible(spec.AccountIDs)
}

func (o *Orchestrator) checkEligible(ids []model.AccountID) error {
	var eligible []model.AccountID
	if o.eligible != nil {
		eligible = o.eligible.Selectable()
	}
	for _, id := range ids {
		if !slices.Contains(eligible, id) {
			return &model.ValidationError{Field: "account_ids", AccountID: id, Reason: "is not in the available set"}
		}
	}
	return nil
}

func (o *Orchestrator) fail(err error) {
	o.lastErr = err.Error()
	o.logger.Warn("order_failed", zap.String("state", o.state.String()), zap.Error(err))
	o.notify()
}

func (o *Orchestrator) notify() {
	if o.onChange != nil {
		o.onChange(o.Snapshot())
	}
}

func notPreviewed() error {
	return &model.ValidationError{Field: "preview", Reason: model.ErrNotPreviewed.Error(), Err: model.ErrNotPreviewed}
}

func clonePreview(p model.PreviewResult) model.PreviewResult {
	p.Spec = p.Spec.Clone()
	p.Results = slices.Clone(p.Results)
	return p
}
