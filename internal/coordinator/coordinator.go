// Package coordinator wires connection lifecycle, the telemetry session, the
// availability checker and the order orchestrator together on one event loop.
// Its exported methods are safe to call from any goroutine.
package coordinator

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"trade-desk/internal/availability"
	"trade-desk/internal/eventloop"
	"trade-desk/internal/model"
	"trade-desk/internal/order"
	"trade-desk/internal/state"
	"trade-desk/internal/stream"

	"github.com/asaskevich/EventBus"
	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Topics published on the bus. Every payload is a model.WSMessage.
const (
	TopicConnection   = "desk:connection"
	TopicStream       = "desk:stream"
	TopicTelemetry    = "desk:telemetry"
	TopicAccounts     = "desk:accounts"
	TopicAvailability = "desk:availability"
	TopicOrder        = "desk:order"
)

// Upstream is everything the coordinator needs from the execution service.
type Upstream interface {
	Connect(ctx context.Context, id model.AccountID) error
	Disconnect(ctx context.Context) error
	Status(ctx context.Context) (model.ConnectionStatus, error)
	Accounts(ctx context.Context) ([]model.Account, error)
	availability.Prober
	order.Upstream
}

// Options configure a Coordinator.
type Options struct {
	StreamURL       string
	Dialer          stream.Dialer
	ReconnectDelay  time.Duration
	MaxReconnects   int
	Debounce        time.Duration
	HistoryCapacity int
	Location        *time.Location
}

// OrderParams are the order fields edited directly by the user. Symbol and
// accounts come from the availability checker.
type OrderParams struct {
	Direction model.Side     `json:"direction"`
	SLPrice   float64        `json:"sl_price"`
	TPPrice   float64        `json:"tp_price"`
	RiskType  model.RiskType `json:"risk_type"`
	RiskValue float64        `json:"risk_value"`
}

// Metrics tracks coordinator counters.
type Metrics struct {
	TelemetryUpdates int64     `json:"telemetryUpdates"`
	LastUpdateAt     time.Time `json:"lastUpdateAt"`
	StreamConnects   int64     `json:"streamConnects"`
	StreamCloses     int64     `json:"streamCloses"`
	Previews         int64     `json:"previews"`
	Executions       int64     `json:"executions"`
}

// Status is the full coordinator view for API consumers.
type Status struct {
	Time          time.Time              `json:"time"`
	StartedAt     time.Time              `json:"startedAt"`
	Connection    model.ConnectionStatus `json:"connection"`
	Stream        string                 `json:"stream"`
	StreamAccount model.AccountID        `json:"streamAccount,omitempty"`
	Accounts      []model.Account        `json:"accounts"`
	Availability  availability.Snapshot  `json:"availability"`
	Order         order.Snapshot         `json:"order"`
	Metrics       Metrics                `json:"metrics"`
}

// Coordinator is the composition root of the desk.
type Coordinator struct {
	loop     *eventloop.Loop
	upstream Upstream
	bus      EventBus.Bus
	logger   *zap.Logger
	started  time.Time

	// connMu serialises the connection writer path.
	connMu    sync.Mutex
	conn      *state.Connection
	telemetry *state.Telemetry

	// Owned by the loop.
	session  *stream.Session
	checker  *availability.Checker
	orders   *order.Orchestrator
	accounts []model.Account
	metrics  Metrics
}

// New builds a coordinator whose components run on loop.
func New(loop *eventloop.Loop, upstream Upstream, opts Options) *Coordinator {
	if opts.HistoryCapacity <= 0 {
		opts.HistoryCapacity = state.DefaultHistoryCapacity
	}
	c := &Coordinator{
		loop:      loop,
		upstream:  upstream,
		bus:       EventBus.New(),
		logger:    zap.NewNop(),
		started:   time.Now(),
		conn:      state.NewConnection(),
		telemetry: state.NewTelemetry(opts.HistoryCapacity),
	}

	streamOpts := stream.Options{
		URL:            opts.StreamURL,
		ReconnectDelay: opts.ReconnectDelay,
		Location:       opts.Location,
		OnState:        c.onStreamState,
		OnUpdate:       c.onTelemetry,
	}
	if opts.MaxReconnects > 0 {
		delay := opts.ReconnectDelay
		if delay <= 0 {
			delay = stream.DefaultReconnectDelay
		}
		streamOpts.Backoff = func() backoff.BackOff {
			return stream.LimitAttempts(backoff.NewConstantBackOff(delay), opts.MaxReconnects)
		}
	}
	c.session = stream.NewSession(loop, opts.Dialer, c.conn, c.telemetry, streamOpts)
	c.checker = availability.NewChecker(loop, upstream, availability.Options{
		Debounce:      opts.Debounce,
		OnInputChange: func() { c.orders.Invalidate() },
		OnResult:      c.onAvailability,
	})
	c.orders = order.NewOrchestrator(loop, upstream, c.checker)
	c.orders.OnChange(func(s order.Snapshot) { c.publish(TopicOrder, s) })
	return c
}

// SetLogger sets the structured logger for the coordinator and its components.
func (c *Coordinator) SetLogger(logger *zap.Logger) {
	if logger == nil {
		return
	}
	c.logger = logger
	c.session.SetLogger(logger.Named("stream"))
	c.checker.SetLogger(logger.Named("availability"))
	c.orders.SetLogger(logger.Named("order"))
}

// Bus returns the notification bus. Messages are published from the event
// loop in order; synchronous subscribers see that order and must not block.
func (c *Coordinator) Bus() EventBus.Bus {
	return c.bus
}

// Connection returns the read-only connection state.
func (c *Coordinator) Connection() state.ConnectionReader {
	return c.conn
}

// Telemetry returns a snapshot of the streamed account state.
func (c *Coordinator) Telemetry() model.TelemetrySnapshot {
	return c.telemetry.Snapshot()
}

// Resync adopts the upstream service's connection status.
func (c *Coordinator) Resync(ctx context.Context) (model.ConnectionStatus, error) {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	status, err := c.upstream.Status(ctx)
	if err != nil {
		return model.ConnectionStatus{}, err
	}
	c.conn.Resync(status)
	current := c.conn.Current()
	c.logger.Info("connection_resynced",
		zap.Bool("connected", current.Connected),
		zap.Int64("account_id", int64(current.AccountID)),
	)
	return current, c.loop.Do(ctx, c.connectionChanged)
}

// Connect logs the upstream service into id and starts streaming its telemetry.
func (c *Coordinator) Connect(ctx context.Context, id model.AccountID) error {
	if id <= 0 {
		return &model.ValidationError{Field: "account_id", Reason: "is required"}
	}
	var known bool
	if err := c.loop.Do(ctx, func() { known = c.knownAccount(id) }); err != nil {
		return err
	}
	if !known {
		return &model.ValidationError{Field: "account_id", AccountID: id, Reason: "is not registered"}
	}

	c.connMu.Lock()
	defer c.connMu.Unlock()
	if err := c.upstream.Connect(ctx, id); err != nil {
		return err
	}
	c.conn.Set(id)
	c.logger.Info("account_connected", zap.Int64("account_id", int64(id)))
	return c.loop.Do(ctx, c.connectionChanged)
}

// Disconnect ends the upstream session and the telemetry stream. The local
// state is only cleared once upstream has acknowledged.
func (c *Coordinator) Disconnect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if err := c.upstream.Disconnect(ctx); err != nil {
		return err
	}
	c.conn.Clear()
	c.logger.Info("account_disconnected")
	return c.loop.Do(ctx, c.connectionChanged)
}

func (c *Coordinator) connectionChanged() {
	c.session.Sync()
	c.publish(TopicConnection, c.conn.Current())
}

// RefreshAccounts reloads the account registry and feeds its IDs to the checker.
func (c *Coordinator) RefreshAccounts(ctx context.Context) ([]model.Account, error) {
	accounts, err := c.upstream.Accounts(ctx)
	if err != nil {
		return nil, err
	}
	err = c.loop.Do(ctx, func() {
		c.accounts = slices.Clone(accounts)
		ids := make([]model.AccountID, 0, len(accounts))
		for _, a := range accounts {
			ids = append(ids, a.ID)
		}
		c.checker.SetAccounts(ids)
		c.publish(TopicAccounts, accounts)
	})
	if err != nil {
		return nil, err
	}
	c.logger.Info("accounts_loaded", zap.Int("count", len(accounts)))
	return accounts, nil
}

// SetSymbol records a symbol edit.
func (c *Coordinator) SetSymbol(ctx context.Context, symbol string) error {
	return c.loop.Do(ctx, func() { c.checker.SetSymbol(symbol) })
}

// Select narrows the account selection to ids.
func (c *Coordinator) Select(ctx context.Context, ids []model.AccountID) ([]model.AccountID, error) {
	var out []model.AccountID
	var selErr error
	if err := c.loop.Do(ctx, func() { out, selErr = c.checker.Select(ids) }); err != nil {
		return nil, err
	}
	return out, selErr
}

// UpdateOrder replaces the user-edited order fields.
func (c *Coordinator) UpdateOrder(ctx context.Context, p OrderParams) (model.OrderSpec, error) {
	var spec model.OrderSpec
	err := c.loop.Do(ctx, func() {
		spec = c.orders.Spec()
		spec.Direction = p.Direction
		spec.SLPrice = p.SLPrice
		spec.TPPrice = p.TPPrice
		spec.RiskType = p.RiskType
		spec.RiskValue = p.RiskValue
		c.orders.UpdateSpec(spec)
	})
	return spec, err
}

// Preview sizes the current order for every selected account.
func (c *Coordinator) Preview(ctx context.Context) (model.PreviewResult, error) {
	type reply struct {
		preview model.PreviewResult
		err     error
	}
	done := make(chan reply, 1)
	err := c.loop.Do(ctx, func() {
		c.metrics.Previews++
		c.orders.RequestPreview(func(p model.PreviewResult, err error) { done <- reply{p, err} })
	})
	if err != nil {
		return model.PreviewResult{}, err
	}
	select {
	case r := <-done:
		return r.preview, r.err
	case <-ctx.Done():
		return model.PreviewResult{}, ctx.Err()
	}
}

// Summary returns the confirmation summary of the current preview.
func (c *Coordinator) Summary(ctx context.Context) (order.Summary, error) {
	var s order.Summary
	var sumErr error
	if err := c.loop.Do(ctx, func() { s, sumErr = c.orders.Summary() }); err != nil {
		return order.Summary{}, err
	}
	return s, sumErr
}

// Execute sends the batch for previewID when confirmed is true. A previewID
// that no longer names the current preview fails with model.ErrStale.
func (c *Coordinator) Execute(ctx context.Context, previewID uuid.UUID, confirmed bool) (model.ExecutionResult, error) {
	type reply struct {
		res model.ExecutionResult
		err error
	}
	done := make(chan reply, 1)
	err := c.loop.Do(ctx, func() {
		mismatch := false
		gate := func(s order.Summary) bool {
			if s.PreviewID != previewID {
				mismatch = true
				return false
			}
			return confirmed
		}
		c.orders.ConfirmAndExecute(gate, func(res model.ExecutionResult, err error) {
			if mismatch {
				err = model.ErrStale
			}
			if err == nil {
				c.metrics.Executions++
			}
			done <- reply{res, err}
		})
	})
	if err != nil {
		return model.ExecutionResult{}, err
	}
	select {
	case r := <-done:
		return r.res, r.err
	case <-ctx.Done():
		return model.ExecutionResult{}, ctx.Err()
	}
}

// Status returns the full coordinator view.
func (c *Coordinator) Status(ctx context.Context) (Status, error) {
	var s Status
	err := c.loop.Do(ctx, func() {
		st, account := c.session.State()
		s = Status{
			Time:          time.Now(),
			StartedAt:     c.started,
			Connection:    c.conn.Current(),
			Stream:        st.String(),
			StreamAccount: account,
			Accounts:      slices.Clone(c.accounts),
			Availability:  c.checker.Snapshot(),
			Order:         c.orders.Snapshot(),
			Metrics:       c.metrics,
		}
	})
	return s, err
}

// Close stops the telemetry session and any pending availability work.
func (c *Coordinator) Close(ctx context.Context) error {
	return c.loop.Do(ctx, func() {
		c.checker.Stop()
		c.session.Stop()
	})
}

func (c *Coordinator) knownAccount(id model.AccountID) bool {
	for _, a := range c.accounts {
		if a.ID == id {
			return true
		}
	}
	return false
}

func (c *Coordinator) onStreamState(st stream.State, account model.AccountID) {
	switch st {
	case stream.StateStreaming:
		c.metrics.StreamConnects++
	case stream.StateClosed:
		c.metrics.StreamCloses++
	}
	c.publish(TopicStream, map[string]any{"state": st.String(), "account_id": account})
}

func (c *Coordinator) onTelemetry() {
	c.metrics.TelemetryUpdates++
	c.metrics.LastUpdateAt = time.Now()
	c.publish(TopicTelemetry, c.telemetry.Snapshot())
}

// onAvailability keeps the order draft's symbol and accounts in step with the checker.
func (c *Coordinator) onAvailability(s availability.Snapshot) {
	spec := c.orders.Spec()
	spec.Symbol = s.Symbol
	spec.AccountIDs = s.Selection
	c.orders.UpdateSpec(spec)
	c.publish(TopicAvailability, s)
}

func (c *Coordinator) publish(topic string, data any) {
	c.bus.Publish(topic, model.WSMessage{
		Type:      strings.TrimPrefix(topic, "desk:"),
		Data:      data,
		Timestamp: time.Now(),
	})
}
