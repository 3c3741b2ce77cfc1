package sim

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"trade-desk/internal/model"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Defaults for Options.
const (
	DefaultPushInterval = time.Second
	DefaultTickInterval = 500 * time.Millisecond
)

// streamTimeLayout is a zone-less timestamp, as the real service emits it.
const streamTimeLayout = "2006-01-02T15:04:05.000000"

// Options configures a Service.
type Options struct {
	PushInterval time.Duration
	TickInterval time.Duration
	Seed         int64
}

// Service is an in-process stand-in for the execution service.
type Service struct {
	mu         sync.Mutex
	quotes     map[string]*quote
	accounts   []*account
	connected  model.AccountID
	rng        *rand.Rand
	step       int
	nextTicket int64

	opts     Options
	router   *mux.Router
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// New creates a Service seeded with demo accounts and quotes.
func New(opts Options) *Service {
	if opts.PushInterval <= 0 {
		opts.PushInterval = DefaultPushInterval
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = DefaultTickInterval
	}
	if opts.Seed == 0 {
		opts.Seed = time.Now().UnixNano()
	}
	s := &Service{
		quotes:     seedQuotes(),
		accounts:   seedAccounts(time.Now()),
		rng:        rand.New(rand.NewSource(opts.Seed)),
		nextTicket: 200001,
		opts:       opts,
		router:     mux.NewRouter(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: zap.NewNop(),
	}
	for _, a := range s.accounts {
		revalue(a, s.quotes)
	}
	s.registerRoutes()
	return s
}

// SetLogger sets the structured logger for the service.
func (s *Service) SetLogger(logger *zap.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// Handler returns the HTTP handler serving the REST endpoints and the stream.
func (s *Service) Handler() http.Handler {
	return s.router
}

func (s *Service) registerRoutes() {
	r := s.router.PathPrefix("/api").Subrouter()
	r.HandleFunc("/mt5/connect", s.handleConnect).Methods(http.MethodPost)
	r.HandleFunc("/mt5/disconnect", s.handleDisconnect).Methods(http.MethodPost)
	r.HandleFunc("/mt5/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/mt5/stream", s.handleStream).Methods(http.MethodGet)
	r.HandleFunc("/accounts", s.handleAccounts).Methods(http.MethodGet)
	r.HandleFunc("/trading/check-symbol", s.handleCheckSymbol).Methods(http.MethodPost)
	r.HandleFunc("/trading/calculate-position", s.handleCalculate).Methods(http.MethodPost)
	r.HandleFunc("/trading/execute-batch", s.handleExecute).Methods(http.MethodPost)
}

// Step advances every quote one random-walk step and revalues open positions.
func (s *Service) Step() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.step++
	walk(s.quotes, s.rng, s.step)
	for _, a := range s.accounts {
		revalue(a, s.quotes)
	}
}

// Run serves on address and moves the market until ctx is done.
func (s *Service) Run(ctx context.Context, address string) error {
	srv := &http.Server{
		Addr:              address,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("sim_started", zap.String("address", address))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	ticker := time.NewTicker(s.opts.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutCtx)
		case err := <-errCh:
			return err
		case <-ticker.C:
			s.Step()
		}
	}
}

func (s *Service) find(id model.AccountID) *account {
	for _, a := range s.accounts {
		if a.ID == id {
			return a
		}
	}
	return nil
}

type connectRequest struct {
	AccountID model.AccountID `json:"account_id"`
}

func (s *Service) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if !decode(w, r, &req) {
		return
	}
	s.mu.Lock()
	a := s.find(req.AccountID)
	if a == nil {
		s.mu.Unlock()
		detail(w, http.StatusNotFound, "Account not found")
		return
	}
	s.connected = a.ID
	s.mu.Unlock()

	s.logger.Info("sim_connected", zap.Int64("account_id", int64(a.ID)), zap.String("login", a.Login))
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"account_id": a.ID,
		"message":    fmt.Sprintf("Connected to %s@%s", a.Login, a.Server),
	})
}

func (s *Service) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.connected = 0
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"message": "Disconnected"})
}

type statusResponse struct {
	Connected bool             `json:"connected"`
	AccountID *model.AccountID `json:"account_id"`
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	id := s.connected
	s.mu.Unlock()
	out := statusResponse{Connected: id != 0}
	if id != 0 {
		out.AccountID = &id
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Service) handleAccounts(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	out := make([]model.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		acc := a.Account
		ai := info(a)
		acc.Balance, acc.Equity, acc.Profit = &ai.Balance, &ai.Equity, &ai.Profit
		out = append(out, acc)
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

type checkRequest struct {
	Symbol     string            `json:"symbol"`
	AccountIDs []model.AccountID `json:"account_ids"`
}

type checkResult struct {
	ID        model.AccountID `json:"id"`
	Available bool            `json:"available"`
}

func (s *Service) handleCheckSymbol(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if !decode(w, r, &req) {
		return
	}
	symbol := strings.ToUpper(strings.TrimSpace(req.Symbol))

	s.mu.Lock()
	results := make([]checkResult, 0, len(req.AccountIDs))
	for _, id := range req.AccountIDs {
		a := s.find(id)
		results = append(results, checkResult{ID: id, Available: a != nil && a.trades(symbol)})
	}
	var tick *model.Tick
	if q, ok := s.quotes[symbol]; ok {
		t := q.tick()
		tick = &t
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{"results": results, "tick": tick})
}

type orderRequest struct {
	Symbol     string            `json:"symbol"`
	Direction  model.Side        `json:"direction"`
	SLPrice    float64           `json:"sl_price"`
	TPPrice    *float64          `json:"tp_price"`
	RiskType   model.RiskType    `json:"risk_type"`
	RiskValue  float64           `json:"risk_value"`
	AccountIDs []model.AccountID `json:"account_ids"`
}

// Result rows name accounts by broker login, not registry id.
type previewRow struct {
	Login       string                     `json:"account_id"`
	Balance     float64                    `json:"balance"`
	Calculation *model.PositionCalculation `json:"calculation,omitempty"`
	Error       string                     `json:"error,omitempty"`
}

type outcomeRow struct {
	Login   string `json:"account_id"`
	Success bool   `json:"success"`
	Order   int64  `json:"order,omitempty"`
	Error   string `json:"error,omitempty"`
}

type executeResponse struct {
	Total      int          `json:"total"`
	Successful int          `json:"successful"`
	Failed     int          `json:"failed"`
	Results    []outcomeRow `json:"results"`
}

// calculate sizes req for one account; the account is nil when id is unknown.
// The caller holds s.mu.
func (s *Service) calculate(req orderRequest, id model.AccountID) (*account, model.PositionCalculation, error) {
	a := s.find(id)
	if a == nil {
		return nil, model.PositionCalculation{}, fmt.Errorf("account %d not found", id)
	}
	q, ok := s.quotes[req.Symbol]
	if !ok || !a.trades(req.Symbol) {
		return a, model.PositionCalculation{}, fmt.Errorf("symbol %s not available on %s", req.Symbol, a.Login)
	}
	t := q.tick()
	entry := t.Ask
	if req.Direction == model.SideSell {
		entry = t.Bid
	}
	in := sizingInput{
		direction: req.Direction,
		entry:     entry,
		sl:        req.SLPrice,
		riskType:  req.RiskType,
		riskValue: req.RiskValue,
		balance:   a.balance,
	}
	if req.TPPrice != nil {
		in.tp = *req.TPPrice
	}
	calc, err := size(q, in)
	return a, calc, err
}

func (s *Service) handleCalculate(w http.ResponseWriter, r *http.Request) {
	var req orderRequest
	if !decodeOrder(w, r, &req) {
		return
	}
	s.mu.Lock()
	results := make([]previewRow, 0, len(req.AccountIDs))
	for _, id := range req.AccountIDs {
		a, calc, err := s.calculate(req, id)
		if a == nil {
			continue
		}
		row := previewRow{Login: a.Login, Balance: a.balance}
		if err != nil {
			row.Error = err.Error()
		} else {
			row.Calculation = &calc
		}
		results = append(results, row)
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Service) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req orderRequest
	if !decodeOrder(w, r, &req) {
		return
	}
	s.mu.Lock()
	out := executeResponse{Results: make([]outcomeRow, 0, len(req.AccountIDs))}
	for _, id := range req.AccountIDs {
		a, calc, err := s.calculate(req, id)
		if a == nil {
			continue
		}
		out.Total++
		if err != nil {
			out.Failed++
			out.Results = append(out.Results, outcomeRow{Login: a.Login, Error: err.Error()})
			continue
		}
		ticket := s.nextTicket
		s.nextTicket++
		a.positions = append(a.positions, model.Position{
			Ticket:    ticket,
			Symbol:    req.Symbol,
			Type:      req.Direction,
			Volume:    calc.LotSize,
			PriceOpen: calc.EntryPrice,
			SL:        calc.SLPrice,
			TP:        calc.TPPrice,
			Time:      time.Now().Format("2006-01-02T15:04:05"),
		})
		out.Successful++
		out.Results = append(out.Results, outcomeRow{Login: a.Login, Success: true, Order: ticket})
	}
	s.mu.Unlock()

	s.logger.Info("sim_batch_executed",
		zap.String("symbol", req.Symbol),
		zap.String("direction", string(req.Direction)),
		zap.Int("successful", out.Successful),
		zap.Int("failed", out.Failed),
	)
	writeJSON(w, http.StatusOK, out)
}

// frame builds the telemetry frame for the connected account, or reports false
// when nothing is connected.
func (s *Service) frame(now time.Time) (model.StreamMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.find(s.connected)
	if a == nil {
		return model.StreamMessage{}, false
	}
	ai := info(a)
	positions := make([]model.Position, len(a.positions))
	copy(positions, a.positions)
	return model.StreamMessage{
		Type:               model.StreamMessageUpdate,
		ConnectedAccountID: a.ID,
		AccountInfo:        &ai,
		Positions:          positions,
		Timestamp:          now.Format(streamTimeLayout),
	}, true
}

func (s *Service) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("sim_upgrade_failed", zap.Error(err))
		return
	}
	defer conn.Close()

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.opts.PushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case now := <-ticker.C:
			msg, ok := s.frame(now)
			if !ok {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(msg); err != nil {
				s.logger.Debug("sim_stream_write_failed", zap.Error(err))
				return
			}
		}
	}
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		detail(w, http.StatusUnprocessableEntity, "invalid JSON: "+err.Error())
		return false
	}
	return true
}

func decodeOrder(w http.ResponseWriter, r *http.Request, req *orderRequest) bool {
	if !decode(w, r, req) {
		return false
	}
	req.Symbol = strings.ToUpper(strings.TrimSpace(req.Symbol))
	if req.Symbol == "" || len(req.AccountIDs) == 0 {
		detail(w, http.StatusUnprocessableEntity, "symbol and account_ids are required")
		return false
	}
	return true
}

func detail(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"detail": msg})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
