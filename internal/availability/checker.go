// Package availability decides which accounts can trade the symbol being
// edited. Input changes are debounced; each probe carries a token, and only the
// latest token's response is ever applied.
package availability

import (
	"context"
	"slices"
	"strings"
	"time"

	"trade-desk/internal/eventloop"
	"trade-desk/internal/model"

	"go.uber.org/zap"
)

// DefaultDebounce is the quiet period after the last input change before a probe.
const DefaultDebounce = 800 * time.Millisecond

// Prober performs one availability check against the upstream service.
type Prober interface {
	CheckSymbol(ctx context.Context, symbol string, ids []model.AccountID) (model.AvailabilityResult, error)
}

// Snapshot is the presentation view of the checker.
type Snapshot struct {
	Symbol          string                   `json:"symbol"`
	DebouncedSymbol string                   `json:"debounced_symbol"`
	Accounts        []model.AccountID        `json:"accounts"`
	Checking        bool                     `json:"checking"`
	SymbolChecked   bool                     `json:"symbol_checked"`
	Available       map[model.AccountID]bool `json:"available"`
	AvailableCount  int                      `json:"available_count"`
	Total           int                      `json:"total"`
	Selection       []model.AccountID        `json:"selection"`
	Tick            *model.Tick              `json:"tick,omitempty"`
}

// Options configure a Checker. All callbacks run on the loop.
type Options struct {
	Debounce time.Duration
	// OnInputChange runs synchronously on every effective input change, after
	// the derived state has been cleared.
	OnInputChange func()
	// OnDebounced runs when the debounce window elapses, with the settled symbol.
	OnDebounced func(symbol string)
	// OnResult runs whenever availability or selection is replaced.
	OnResult func(Snapshot)
}

// Checker owns the availability result and the default account selection. All
// methods must be called from the event loop.
type Checker struct {
	sched  eventloop.Scheduler
	prober Prober
	opts   Options
	logger *zap.Logger

	symbol    string
	accounts  []model.AccountID
	debounced string
	timer     eventloop.Timer

	token    uint64
	cancel   context.CancelFunc
	checking bool

	checked   bool
	available map[model.AccountID]bool
	tick      *model.Tick
	selection []model.AccountID
}

// NewChecker creates a checker with empty inputs.
func NewChecker(sched eventloop.Scheduler, prober Prober, opts Options) *Checker {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	return &Checker{
		sched:     sched,
		prober:    prober,
		opts:      opts,
		logger:    zap.NewNop(),
		available: map[model.AccountID]bool{},
	}
}

// SetLogger sets the structured logger for the checker.
func (c *Checker) SetLogger(logger *zap.Logger) {
	if logger != nil {
		c.logger = logger
	}
}

// SetSymbol records a symbol edit. The text is upper-cased; an unchanged value is ignored.
func (c *Checker) SetSymbol(symbol string) {
	symbol = strings.ToUpper(symbol)
	if symbol == c.symbol {
		return
	}
	c.symbol = symbol
	c.inputChanged()
}

// SetAccounts records the account registry's current ID set. Reordering or
// duplicates alone are not a change.
func (c *Checker) SetAccounts(ids []model.AccountID) {
	ids = model.NormalizeAccounts(ids)
	if slices.Equal(ids, c.accounts) {
		return
	}
	c.accounts = ids
	c.inputChanged()
}

// Select narrows the selection. Every id must be currently available.
func (c *Checker) Select(ids []model.AccountID) ([]model.AccountID, error) {
	ids = model.NormalizeAccounts(ids)
	for _, id := range ids {
		if !c.available[id] {
			return nil, &model.ValidationError{Field: "account_ids", AccountID: id, Reason: "is not available for " + c.symbol}
		}
	}
	c.selection = ids
	c.notify()
	return slices.Clone(ids), nil
}

// Selectable returns the accounts currently reported available, ascending.
func (c *Checker) Selectable() []model.AccountID {
	return model.AvailabilityResult{Available: c.available}.AvailableIDs()
}

// Selection returns the current account selection.
func (c *Checker) Selection() []model.AccountID {
	return slices.Clone(c.selection)
}

// Tick returns the reference quote from the last applied probe.
func (c *Checker) Tick() *model.Tick {
	if c.tick == nil {
		return nil
	}
	t := *c.tick
	return &t
}

// Symbol returns the symbol as currently edited.
func (c *Checker) Symbol() string {
	return c.symbol
}

// Snapshot returns a copy of the checker state.
func (c *Checker) Snapshot() Snapshot {
	available := make(map[model.AccountID]bool, len(c.available))
	count := 0
	for id, ok := range c.available {
		available[id] = ok
		if ok {
			count++
		}
	}
	return Snapshot{
		Symbol:          c.symbol,
		DebouncedSymbol: c.debounced,
		Accounts:        slices.Clone(c.accounts),
		Checking:        c.checking,
		SymbolChecked:   c.checked,
		Available:       available,
		AvailableCount:  count,
		Total:           len(available),
		Selection:       slices.Clone(c.selection),
		Tick:            c.Tick(),
	}
}

// Stop cancels the debounce timer and any probe in flight.
func (c *Checker) Stop() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.cancelProbe()
}

func (c *Checker) inputChanged() {
	c.cancelProbe()
	c.clearResult()
	if c.opts.OnInputChange != nil {
		c.opts.OnInputChange()
	}
	c.notify()

	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = c.sched.AfterFunc(c.opts.Debounce, c.fire)
}

func (c *Checker) cancelProbe() {
	c.token++
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.checking = false
}

func (c *Checker) clearResult() {
	c.checked = false
	c.available = map[model.AccountID]bool{}
	c.tick = nil
	c.selection = nil
}

func (c *Checker) fire() {
	c.timer = nil
	c.debounced = c.symbol
	if c.opts.OnDebounced != nil {
		c.opts.OnDebounced(c.debounced)
	}

	symbol := strings.TrimSpace(c.symbol)
	if symbol == "" || len(c.accounts) == 0 {
		c.clearResult()
		c.notify()
		return
	}
	c.probe(symbol, slices.Clone(c.accounts))
}

func (c *Checker) probe(symbol string, ids []model.AccountID) {
	c.cancelProbe()
	token := c.token
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.checking = true
	c.notify()

	c.logger.Debug("availability_probe", zap.String("symbol", symbol), zap.Int("accounts", len(ids)))
	c.sched.Go(func() {
		res, err := c.prober.CheckSymbol(ctx, symbol, ids)
		c.sched.Post(func() { c.onProbe(token, symbol, ids, res, err) })
	})
}

// onProbe applies a result for the accounts the probe asked about. Ids the
// service adds are ignored; ids it leaves out count as unavailable.
func (c *Checker) onProbe(token uint64, symbol string, ids []model.AccountID, res model.AvailabilityResult, err error) {
	if token != c.token {
		c.logger.Debug("availability_probe_stale", zap.String("symbol", symbol))
		return
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.checking = false

	if err != nil {
		c.logger.Warn("availability_probe_failed", zap.String("symbol", symbol), zap.Error(err))
		c.clearResult()
		c.notify()
		return
	}

	available := make(map[model.AccountID]bool, len(ids))
	for _, id := range ids {
		available[id] = res.Available[id]
	}
	c.available = available
	c.checked = true
	c.tick = nil
	if res.Tick != nil {
		t := *res.Tick
		c.tick = &t
	}
	c.selection = c.Selectable()
	c.logger.Info("availability_applied",
		zap.String("symbol", symbol),
		zap.Int("available", len(c.selection)),
		zap.Int("total", len(available)),
	)
	c.notify()
}

func (c *Checker) notify() {
	if c.opts.OnResult != nil {
		c.opts.OnResult(c.Snapshot())
	}
}
