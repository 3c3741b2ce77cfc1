package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"trade-desk/internal/availability"
	"trade-desk/internal/eventloop"
	"trade-desk/internal/model"
	"trade-desk/internal/order"
	"trade-desk/internal/stream"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeUpstream struct {
	mu         sync.Mutex
	status     model.ConnectionStatus
	accounts   []model.Account
	available  map[string]map[model.AccountID]bool
	connected  []model.AccountID
	probes     []string
	executed   []model.OrderSpec
	connectErr error
}

func (u *fakeUpstream) Connect(ctx context.Context, id model.AccountID) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.connectErr != nil {
		return u.connectErr
	}
	u.connected = append(u.connected, id)
	return nil
}

func (u *fakeUpstream) Disconnect(ctx context.Context) error { return nil }

func (u *fakeUpstream) Status(ctx context.Context) (model.ConnectionStatus, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.status, nil
}

func (u *fakeUpstream) Accounts(ctx context.Context) ([]model.Account, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.accounts, nil
}

func (u *fakeUpstream) CheckSymbol(ctx context.Context, symbol string, ids []model.AccountID) (model.AvailabilityResult, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.probes = append(u.probes, symbol)
	res := model.AvailabilityResult{Symbol: symbol, Available: map[model.AccountID]bool{}, Tick: &model.Tick{Bid: 1.1, Ask: 1.2}}
	for _, id := range ids {
		res.Available[id] = u.available[symbol][id]
	}
	return res, nil
}

func (u *fakeUpstream) CalculatePositions(ctx context.Context, spec model.OrderSpec) ([]model.AccountPreview, error) {
	rows := make([]model.AccountPreview, 0, len(spec.AccountIDs))
	for _, id := range spec.AccountIDs {
		rows = append(rows, model.AccountPreview{AccountID: id, Calculation: &model.PositionCalculation{LotSize: 0.25}})
	}
	return rows, nil
}

func (u *fakeUpstream) ExecuteBatch(ctx context.Context, spec model.OrderSpec) (model.ExecutionResult, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.executed = append(u.executed, spec)
	return model.ExecutionResult{Total: len(spec.AccountIDs), Successful: len(spec.AccountIDs)}, nil
}

type chanConn struct {
	frames chan []byte
	closed chan struct{}
	once   sync.Once
}

func (c *chanConn) ReadMessage() ([]byte, error) {
	select {
	case f := <-c.frames:
		return f, nil
	case <-c.closed:
		return nil, errors.New("closed")
	}
}

func (c *chanConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

type chanDialer struct {
	conns chan *chanConn
}

func (d *chanDialer) Dial(ctx context.Context, url string) (stream.Conn, error) {
	c := &chanConn{frames: make(chan []byte, 16), closed: make(chan struct{})}
	d.conns <- c
	return c, nil
}

func newTestCoordinator(t *testing.T) (*Coordinator, *fakeUpstream, *chanDialer) {
	t.Helper()
	loop := eventloop.New(0)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go loop.Run(ctx)

	up := &fakeUpstream{
		accounts: []model.Account{{ID: 1, Login: "5001"}, {ID: 2, Login: "5002"}, {ID: 3, Login: "5003"}},
		available: map[string]map[model.AccountID]bool{
			"EURUSD": {1: true, 2: true, 3: false},
			"GBPUSD": {3: true},
		},
	}
	dialer := &chanDialer{conns: make(chan *chanConn, 8)}
	c := New(loop, up, Options{
		StreamURL:      "ws://upstream/api/mt5/stream",
		Dialer:         dialer,
		ReconnectDelay: 20 * time.Millisecond,
		Debounce:       20 * time.Millisecond,
		Location:       time.UTC,
	})
	return c, up, dialer
}

func waitChecked(t *testing.T, c *Coordinator, want []model.AccountID) Status {
	t.Helper()
	var st Status
	require.Eventually(t, func() bool {
		var err error
		st, err = c.Status(context.Background())
		return err == nil && st.Availability.SymbolChecked && !st.Availability.Checking
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, want, st.Availability.Selection)
	return st
}

func TestOrderFlowThroughCoordinator(t *testing.T) {
	c, up, _ := newTestCoordinator(t)
	ctx := context.Background()

	_, err := c.RefreshAccounts(ctx)
	require.NoError(t, err)
	require.NoError(t, c.SetSymbol(ctx, "eurusd"))

	st := waitChecked(t, c, []model.AccountID{1, 2})
	assert.Equal(t, "EURUSD", st.Order.Spec.Symbol)
	assert.Equal(t, []model.AccountID{1, 2}, st.Order.Spec.AccountIDs)

	_, err = c.UpdateOrder(ctx, OrderParams{Direction: model.SideSell, SLPrice: 1.095, RiskType: model.RiskPercent, RiskValue: 1})
	require.NoError(t, err)

	preview, err := c.Preview(ctx)
	require.NoError(t, err)
	require.Len(t, preview.Results, 2)

	summary, err := c.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, "0.50", summary.TotalLots.StringFixed(2))

	_, err = c.Execute(ctx, uuid.New(), true)
	assert.ErrorIs(t, err, model.ErrStale)
	_, err = c.Execute(ctx, preview.ID, false)
	assert.ErrorIs(t, err, model.ErrDeclined)

	res, err := c.Execute(ctx, preview.ID, true)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Successful)
	require.Len(t, up.executed, 1)
	assert.Equal(t, model.SideSell, up.executed[0].Direction)

	st, err = c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, order.StateDone.String(), st.Order.State)
	assert.Nil(t, st.Order.Preview)
	assert.EqualValues(t, 1, st.Metrics.Executions)
}

func TestSymbolEditClearsSelectionAndPreviewImmediately(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	ctx := context.Background()
	_, err := c.RefreshAccounts(ctx)
	require.NoError(t, err)
	require.NoError(t, c.SetSymbol(ctx, "EURUSD"))
	waitChecked(t, c, []model.AccountID{1, 2})

	_, err = c.UpdateOrder(ctx, OrderParams{Direction: model.SideBuy, SLPrice: 1.085, RiskType: model.RiskPercent, RiskValue: 1})
	require.NoError(t, err)
	_, err = c.Preview(ctx)
	require.NoError(t, err)

	require.NoError(t, c.SetSymbol(ctx, "GBPUSD"))
	st, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Empty(t, st.Availability.Selection)
	assert.Empty(t, st.Order.Spec.AccountIDs)
	assert.Nil(t, st.Order.Preview)
	assert.Equal(t, order.StateEditing.String(), st.Order.State)

	waitChecked(t, c, []model.AccountID{3})
}

func TestSelectNarrowsOrderAccounts(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	ctx := context.Background()
	_, err := c.RefreshAccounts(ctx)
	require.NoError(t, err)
	require.NoError(t, c.SetSymbol(ctx, "EURUSD"))
	waitChecked(t, c, []model.AccountID{1, 2})

	got, err := c.Select(ctx, []model.AccountID{2})
	require.NoError(t, err)
	assert.Equal(t, []model.AccountID{2}, got)

	_, err = c.Select(ctx, []model.AccountID{3})
	assert.True(t, model.IsValidation(err))

	st, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, []model.AccountID{2}, st.Order.Spec.AccountIDs)
}

func update(account model.AccountID, equity float64) []byte {
	return []byte(fmt.Sprintf(`{"type":"update","connected_account_id":%d,"account_info":{"balance":10000,"equity":%g},"positions":[],"timestamp":"2026-03-02T10:15:00"}`, account, equity))
}

func TestConnectStreamsAndDisconnectClears(t *testing.T) {
	c, up, dialer := newTestCoordinator(t)
	ctx := context.Background()

	err := c.Connect(ctx, 2)
	assert.True(t, model.IsValidation(err), "accounts not loaded yet")

	_, err = c.RefreshAccounts(ctx)
	require.NoError(t, err)
	require.NoError(t, c.Connect(ctx, 2))
	assert.Equal(t, []model.AccountID{2}, up.connected)
	assert.Equal(t, model.ConnectionStatus{Connected: true, AccountID: 2}, c.Connection().Current())

	conn := <-dialer.conns
	conn.frames <- update(2, 9950)
	require.Eventually(t, func() bool {
		return len(c.Telemetry().EquityHistory) == 1
	}, 2*time.Second, 5*time.Millisecond)

	// A dropped transport reconnects for the same account.
	conn.Close()
	select {
	case next := <-dialer.conns:
		next.frames <- update(2, 9960)
	case <-time.After(2 * time.Second):
		t.Fatal("no reconnect")
	}
	require.Eventually(t, func() bool {
		return len(c.Telemetry().EquityHistory) == 2
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, c.Disconnect(ctx))
	assert.False(t, c.Connection().Current().Connected)
	assert.Empty(t, c.Telemetry().EquityHistory)
	st, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, stream.StateIdle.String(), st.Stream)
}

func TestConnectFailureLeavesStateUntouched(t *testing.T) {
	c, up, _ := newTestCoordinator(t)
	ctx := context.Background()
	_, err := c.RefreshAccounts(ctx)
	require.NoError(t, err)

	up.connectErr = &model.TransportError{Op: "connect", Err: errors.New("terminal offline")}
	err = c.Connect(ctx, 1)
	assert.True(t, model.IsTransport(err))
	assert.False(t, c.Connection().Current().Connected)
}

func TestResyncNormalisesMissingAccount(t *testing.T) {
	c, up, dialer := newTestCoordinator(t)
	up.status = model.ConnectionStatus{Connected: true}

	status, err := c.Resync(context.Background())
	require.NoError(t, err)
	assert.False(t, status.Connected)
	assert.Empty(t, dialer.conns)

	up.status = model.ConnectionStatus{Connected: true, AccountID: 3}
	status, err = c.Resync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.AccountID(3), status.AccountID)
	select {
	case <-dialer.conns:
	case <-time.After(2 * time.Second):
		t.Fatal("resync did not start the stream")
	}
}

func TestBusCarriesAvailability(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	ctx := context.Background()

	got := make(chan model.WSMessage, 16)
	require.NoError(t, c.Bus().Subscribe(TopicAvailability, func(msg model.WSMessage) {
		select {
		case got <- msg:
		default:
		}
	}))

	_, err := c.RefreshAccounts(ctx)
	require.NoError(t, err)
	require.NoError(t, c.SetSymbol(ctx, "EURUSD"))

	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg := <-got:
			assert.Equal(t, "availability", msg.Type)
			assert.IsType(t, availability.Snapshot{}, msg.Data)
			return
		case <-deadline:
			t.Fatal("no availability notification")
		}
	}
}
