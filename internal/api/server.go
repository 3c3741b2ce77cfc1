// Package api serves the dashboard: REST endpoints over the coordinator and a
// WebSocket feed of its notifications.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"trade-desk/internal/coordinator"
	"trade-desk/internal/model"
	"trade-desk/internal/order"

	"github.com/asaskevich/EventBus"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Desk is the coordinator surface the API drives.
type Desk interface {
	Status(ctx context.Context) (coordinator.Status, error)
	Telemetry() model.TelemetrySnapshot
	Connect(ctx context.Context, id model.AccountID) error
	Disconnect(ctx context.Context) error
	RefreshAccounts(ctx context.Context) ([]model.Account, error)
	SetSymbol(ctx context.Context, symbol string) error
	Select(ctx context.Context, ids []model.AccountID) ([]model.AccountID, error)
	UpdateOrder(ctx context.Context, p coordinator.OrderParams) (model.OrderSpec, error)
	Preview(ctx context.Context) (model.PreviewResult, error)
	Summary(ctx context.Context) (order.Summary, error)
	Execute(ctx context.Context, previewID uuid.UUID, confirmed bool) (model.ExecutionResult, error)
	Bus() EventBus.Bus
}

var topics = []string{
	coordinator.TopicConnection,
	coordinator.TopicStream,
	coordinator.TopicTelemetry,
	coordinator.TopicAccounts,
	coordinator.TopicAvailability,
	coordinator.TopicOrder,
}

// Server is the REST API + WebSocket server.
type Server struct {
	desk    Desk
	hub     *Hub
	logger  *zap.Logger
	router  *mux.Router
	srv     *http.Server
	address string
	baseCtx context.Context
	forward func(model.WSMessage)
}

// NewServer creates an API server.
func NewServer(address string, desk Desk, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		desk:    desk,
		hub:     NewHub(logger),
		logger:  logger,
		router:  mux.NewRouter(),
		address: address,
		baseCtx: context.Background(),
	}
	s.forward = s.hub.Broadcast
	s.registerRoutes()
	return s
}

// Handler returns the HTTP handler with middleware applied.
func (s *Server) Handler() http.Handler {
	return corsMiddleware(s.router)
}

// Hub returns the WebSocket hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

func (s *Server) registerRoutes() {
	r := s.router.PathPrefix("/api").Subrouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/telemetry", s.handleTelemetry).Methods(http.MethodGet)
	r.HandleFunc("/connect", s.handleConnect).Methods(http.MethodPost)
	r.HandleFunc("/disconnect", s.handleDisconnect).Methods(http.MethodPost)
	r.HandleFunc("/accounts/refresh", s.handleRefreshAccounts).Methods(http.MethodPost)
	r.HandleFunc("/symbol", s.handleSymbol).Methods(http.MethodPut)
	r.HandleFunc("/selection", s.handleSelection).Methods(http.MethodPut)
	r.HandleFunc("/order", s.handleOrder).Methods(http.MethodPut)
	r.HandleFunc("/preview", s.handlePreview).Methods(http.MethodPost)
	r.HandleFunc("/execute/summary", s.handleSummary).Methods(http.MethodGet)
	r.HandleFunc("/execute", s.handleExecute).Methods(http.MethodPost)
	s.router.HandleFunc("/ws", s.handleWebSocket).Methods(http.MethodGet)
}

// Subscribe forwards coordinator notifications to WebSocket clients in
// publish order. Delivery runs on the publisher's goroutine; Broadcast only
// encodes and enqueues.
func (s *Server) Subscribe() error {
	bus := s.desk.Bus()
	for _, topic := range topics {
		if err := bus.Subscribe(topic, s.forward); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) unsubscribe() {
	bus := s.desk.Bus()
	for _, topic := range topics {
		_ = bus.Unsubscribe(topic, s.forward)
	}
}

// Run starts the HTTP server and the WebSocket hub.
func (s *Server) Run(ctx context.Context) error {
	s.baseCtx = ctx
	go s.hub.Run(ctx)
	if err := s.Subscribe(); err != nil {
		return err
	}
	defer s.unsubscribe()

	s.srv = &http.Server{
		Addr:              s.address,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api_server_started", zap.String("address", s.address))
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, map[string]any{"status": "ok", "ws_clients": s.hub.ClientCount()})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.desk.Status(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, status)
}

func (s *Server) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, s.desk.Telemetry())
}

type connectRequest struct {
	AccountID model.AccountID `json:"account_id"`
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.desk.Connect(r.Context(), req.AccountID); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, model.ConnectionStatus{Connected: true, AccountID: req.AccountID})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.desk.Disconnect(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, model.ConnectionStatus{})
}

func (s *Server) handleRefreshAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.desk.RefreshAccounts(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, accounts)
}

type symbolRequest struct {
	Symbol string `json:"symbol"`
}

func (s *Server) handleSymbol(w http.ResponseWriter, r *http.Request) {
	var req symbolRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.desk.SetSymbol(r.Context(), req.Symbol); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusAccepted, req)
}

type selectionRequest struct {
	AccountIDs []model.AccountID `json:"account_ids"`
}

func (s *Server) handleSelection(w http.ResponseWriter, r *http.Request) {
	var req selectionRequest
	if !s.decode(w, r, &req) {
		return
	}
	ids, err := s.desk.Select(r.Context(), req.AccountIDs)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, selectionRequest{AccountIDs: ids})
}

func (s *Server) handleOrder(w http.ResponseWriter, r *http.Request) {
	var req coordinator.OrderParams
	if !s.decode(w, r, &req) {
		return
	}
	spec, err := s.desk.UpdateOrder(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, spec)
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	preview, err := s.desk.Preview(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, preview)
}

type summaryResponse struct {
	order.Summary
	Text string `json:"text"`
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.desk.Summary(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, summaryResponse{Summary: summary, Text: summary.String()})
}

type executeRequest struct {
	PreviewID uuid.UUID `json:"preview_id"`
	Confirmed bool      `json:"confirmed"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.desk.Execute(r.Context(), req.PreviewID, req.Confirmed)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("api_execute",
		zap.Stringer("preview_id", req.PreviewID),
		zap.Int("total", res.Total),
		zap.Int("successful", res.Successful),
	)
	writeData(w, http.StatusOK, res)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.hub.HandleUpgrade(s.baseCtx, w, r)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, model.APIResponse{
			Error:     "invalid JSON: " + err.Error(),
			Timestamp: time.Now(),
		})
		return false
	}
	return true
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.logger.Warn("api_request_failed", zap.String("path", r.URL.Path), zap.Int("status", code), zap.Error(err))
	}
	writeJSON(w, code, model.APIResponse{Error: err.Error(), Timestamp: time.Now()})
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrStale), errors.Is(err, model.ErrNotPreviewed):
		return http.StatusConflict
	case errors.Is(err, model.ErrDeclined):
		return http.StatusPreconditionFailed
	case model.IsValidation(err):
		return http.StatusBadRequest
	case model.IsTransport(err):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, model.ErrLoopStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, model.APIResponse{Data: data, Timestamp: time.Now()})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
