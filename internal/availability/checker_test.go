package availability

import (
	"context"
	"errors"
	"testing"
	"time"

	"trade-desk/internal/eventloop/looptest"
	"trade-desk/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type probeCall struct {
	symbol string
	ids    []model.AccountID
	ctx    context.Context
}

type fakeProber struct {
	calls   []probeCall
	results map[string]model.AvailabilityResult
	err     error
}

func (p *fakeProber) CheckSymbol(ctx context.Context, symbol string, ids []model.AccountID) (model.AvailabilityResult, error) {
	p.calls = append(p.calls, probeCall{symbol: symbol, ids: ids, ctx: ctx})
	if p.err != nil {
		return model.AvailabilityResult{}, p.err
	}
	return p.results[symbol], nil
}

func newChecker(t *testing.T) (*Checker, *looptest.Scheduler, *fakeProber, *[]Snapshot) {
	t.Helper()
	sched := looptest.New()
	prober := &fakeProber{results: map[string]model.AvailabilityResult{
		"EURUSD": {
			Symbol:    "EURUSD",
			Available: map[model.AccountID]bool{1: true, 2: true, 3: false},
			Tick:      &model.Tick{Bid: 1.0841, Ask: 1.0843},
		},
		"GBPUSD": {
			Symbol:    "GBPUSD",
			Available: map[model.AccountID]bool{1: false, 2: true, 3: true},
			Tick:      &model.Tick{Bid: 1.2641, Ask: 1.2644},
		},
	}}
	var snaps []Snapshot
	c := NewChecker(sched, prober, Options{
		OnResult: func(s Snapshot) { snaps = append(snaps, s) },
	})
	return c, sched, prober, &snaps
}

func TestDebounceIssuesOneProbeWithLastValue(t *testing.T) {
	c, sched, prober, _ := newChecker(t)
	c.SetAccounts([]model.AccountID{3, 1, 2})

	for _, s := range []string{"e", "eu", "eur", "eurus", "eurusd"} {
		c.SetSymbol(s)
		sched.Advance(300 * time.Millisecond)
	}
	assert.Zero(t, sched.Jobs(), "no probe while edits keep arriving")

	sched.Advance(DefaultDebounce - 300*time.Millisecond)
	sched.Settle()

	require.Len(t, prober.calls, 1)
	assert.Equal(t, "EURUSD", prober.calls[0].symbol)
	assert.Equal(t, []model.AccountID{1, 2, 3}, prober.calls[0].ids)
	assert.Equal(t, "EURUSD", c.Snapshot().DebouncedSymbol)
}

func TestSelectionFollowsProbeAndClearsOnEdit(t *testing.T) {
	c, sched, _, _ := newChecker(t)
	var inputChanges int
	c.opts.OnInputChange = func() { inputChanges++ }

	c.SetAccounts([]model.AccountID{1, 2, 3})
	c.SetSymbol("EURUSD")
	sched.Advance(DefaultDebounce)
	sched.Settle()

	snap := c.Snapshot()
	assert.True(t, snap.SymbolChecked)
	assert.Equal(t, []model.AccountID{1, 2}, snap.Selection)
	assert.Equal(t, []model.AccountID{1, 2}, c.Selectable())
	assert.Equal(t, map[model.AccountID]bool{1: true, 2: true, 3: false}, snap.Available)
	assert.Equal(t, 2, snap.AvailableCount)
	assert.Equal(t, 3, snap.Total)
	require.NotNil(t, snap.Tick)
	assert.Equal(t, 1.0843, snap.Tick.Ask)

	c.SetSymbol("GBPUSD")
	snap = c.Snapshot()
	assert.False(t, snap.SymbolChecked)
	assert.Empty(t, snap.Selection)
	assert.Empty(t, c.Selectable())
	assert.Nil(t, snap.Tick)
	assert.Equal(t, 3, inputChanges)

	sched.Advance(DefaultDebounce)
	sched.Settle()
	assert.Equal(t, []model.AccountID{2, 3}, c.Selection())
}

func TestResultLimitedToRequestedAccounts(t *testing.T) {
	c, sched, prober, _ := newChecker(t)
	prober.results["XAUUSD"] = model.AvailabilityResult{
		Symbol:    "XAUUSD",
		Available: map[model.AccountID]bool{1: true, 3: true, 9: true},
	}
	c.SetAccounts([]model.AccountID{1, 2, 3})
	c.SetSymbol("XAUUSD")
	sched.Advance(DefaultDebounce)
	sched.Settle()

	snap := c.Snapshot()
	assert.Equal(t, map[model.AccountID]bool{1: true, 2: false, 3: true}, snap.Available)
	assert.Equal(t, []model.AccountID{1, 3}, snap.Selection)
	assert.Equal(t, 3, snap.Total)

	_, err := c.Select([]model.AccountID{9})
	assert.Error(t, err)
}

func TestSupersededProbeNeverApplies(t *testing.T) {
	c, sched, prober, snaps := newChecker(t)
	c.SetAccounts([]model.AccountID{1, 2, 3})
	c.SetSymbol("EURUSD")
	sched.Advance(DefaultDebounce)
	require.Equal(t, 1, sched.Jobs(), "probe A queued")

	c.SetSymbol("GBPUSD")
	sched.Advance(DefaultDebounce)
	require.Equal(t, 2, sched.Jobs(), "probe B queued")

	// B resolves first.
	sched.RunJob(1)
	sched.Flush()
	assert.Equal(t, []model.AccountID{2, 3}, c.Selection())
	before := len(*snaps)

	// A resolves afterwards, successfully.
	sched.RunJob(0)
	sched.Flush()
	assert.Equal(t, []model.AccountID{2, 3}, c.Selection())
	assert.Len(t, *snaps, before, "stale probe must not notify")

	require.Len(t, prober.calls, 2)
	assert.Equal(t, "GBPUSD", prober.calls[0].symbol)
	assert.Equal(t, "EURUSD", prober.calls[1].symbol)
	for _, call := range prober.calls {
		assert.ErrorIs(t, call.ctx.Err(), context.Canceled)
	}
}

func TestCancelledProbeFailureIsIgnored(t *testing.T) {
	c, sched, prober, _ := newChecker(t)
	c.SetAccounts([]model.AccountID{1, 2, 3})
	c.SetSymbol("EURUSD")
	sched.Advance(DefaultDebounce)
	require.True(t, c.Snapshot().Checking)

	c.SetSymbol("GBPUSD")
	sched.Advance(DefaultDebounce)
	sched.RunJob(1)
	sched.Flush()

	prober.err = errors.New("aborted")
	sched.RunJob(0)
	sched.Flush()

	snap := c.Snapshot()
	assert.True(t, snap.SymbolChecked)
	assert.False(t, snap.Checking)
	assert.Equal(t, []model.AccountID{2, 3}, snap.Selection)
}

func TestInputChangeCancelsInFlightProbe(t *testing.T) {
	c, sched, prober, _ := newChecker(t)
	c.SetAccounts([]model.AccountID{1, 2})
	c.SetSymbol("EURUSD")
	sched.Advance(DefaultDebounce)
	require.Equal(t, 1, sched.Jobs())

	c.SetSymbol("EURUS")
	assert.False(t, c.Snapshot().Checking)

	sched.Settle()
	require.Len(t, prober.calls, 1)
	assert.ErrorIs(t, prober.calls[0].ctx.Err(), context.Canceled)
	assert.False(t, c.Snapshot().SymbolChecked)
	assert.Empty(t, c.Selection())
}

func TestEmptyInputsSkipProbe(t *testing.T) {
	c, sched, prober, _ := newChecker(t)

	c.SetSymbol("EURUSD")
	sched.Advance(DefaultDebounce)
	sched.Settle()
	assert.Empty(t, prober.calls, "no accounts")

	c.SetAccounts([]model.AccountID{1})
	c.SetSymbol("   ")
	sched.Advance(DefaultDebounce)
	sched.Settle()
	assert.Empty(t, prober.calls, "blank symbol")
	assert.False(t, c.Snapshot().SymbolChecked)
}

func TestProbeFailureMeansNothingAvailable(t *testing.T) {
	c, sched, prober, _ := newChecker(t)
	c.SetAccounts([]model.AccountID{1, 2, 3})
	c.SetSymbol("EURUSD")
	sched.Advance(DefaultDebounce)
	sched.Settle()
	require.Equal(t, []model.AccountID{1, 2}, c.Selection())

	prober.err = &model.TransportError{Op: "check symbol", Err: errors.New("connection refused")}
	c.SetAccounts([]model.AccountID{1, 2, 3, 4})
	sched.Advance(DefaultDebounce)
	sched.Settle()

	snap := c.Snapshot()
	assert.False(t, snap.SymbolChecked)
	assert.False(t, snap.Checking)
	assert.Empty(t, snap.Selection)
	assert.Nil(t, snap.Tick)
}

func TestUnchangedInputsDoNotRestartDebounce(t *testing.T) {
	c, sched, prober, _ := newChecker(t)
	c.SetAccounts([]model.AccountID{1, 2, 3})
	c.SetSymbol("EURUSD")
	sched.Advance(DefaultDebounce)
	sched.Settle()
	require.Len(t, prober.calls, 1)

	c.SetAccounts([]model.AccountID{3, 2, 1, 1})
	c.SetSymbol("eurusd")
	assert.Zero(t, sched.PendingTimers())
	assert.Equal(t, []model.AccountID{1, 2}, c.Selection())
}

func TestSelectNarrowsWithinAvailable(t *testing.T) {
	c, sched, _, _ := newChecker(t)
	c.SetAccounts([]model.AccountID{1, 2, 3})
	c.SetSymbol("EURUSD")
	sched.Advance(DefaultDebounce)
	sched.Settle()

	got, err := c.Select([]model.AccountID{2})
	require.NoError(t, err)
	assert.Equal(t, []model.AccountID{2}, got)
	assert.Equal(t, []model.AccountID{1, 2}, c.Selectable())

	_, err = c.Select([]model.AccountID{1, 3})
	var verr *model.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, model.AccountID(3), verr.AccountID)
	assert.Equal(t, []model.AccountID{2}, c.Selection())
}

func TestStopCancelsPendingWork(t *testing.T) {
	c, sched, prober, _ := newChecker(t)
	c.SetAccounts([]model.AccountID{1})
	c.SetSymbol("EURUSD")
	c.Stop()

	sched.Advance(time.Minute)
	sched.Settle()
	assert.Empty(t, prober.calls)
}
