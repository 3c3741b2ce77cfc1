// Package bridge is the client side of the upstream execution service: the REST
// operations for connection control, symbol checks, sizing and batch execution,
// plus the address of the telemetry stream.
package bridge

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"trade-desk/internal/model"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RequestIDHeader carries a per-request identifier for upstream log correlation.
const RequestIDHeader = "X-Request-ID"

// Endpoint paths exposed by the execution service.
const (
	pathConnect    = "/api/mt5/connect"
	pathDisconnect = "/api/mt5/disconnect"
	pathStatus     = "/api/mt5/status"
	pathAccounts   = "/api/accounts"
	pathCheck      = "/api/trading/check-symbol"
	pathCalculate  = "/api/trading/calculate-position"
	pathExecute    = "/api/trading/execute-batch"
)

// Client talks to the execution service over HTTP.
type Client struct {
	http    *resty.Client
	baseURL string
	logger  *zap.Logger

	// Result rows name accounts by login; logins maps them back to registry
	// ids and is refreshed by Accounts.
	mu     sync.Mutex
	logins map[string]model.AccountID
}

// NewClient creates a client for the service at baseURL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	baseURL = strings.TrimSuffix(baseURL, "/")
	return &Client{
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(timeout).
			SetHeader("Content-Type", "application/json").
			SetHeader("Accept", "application/json"),
		baseURL: baseURL,
		logger:  zap.NewNop(),
		logins:  map[string]model.AccountID{},
	}
}

// SetLogger sets the structured logger for the client.
func (c *Client) SetLogger(logger *zap.Logger) {
	if logger != nil {
		c.logger = logger
	}
}

// StreamURL returns the websocket address of the telemetry stream at path.
func (c *Client) StreamURL(path string) (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("parsing base URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	return u.String(), nil
}

// Close releases idle connections.
func (c *Client) Close() {
	c.http.GetClient().CloseIdleConnections()
}

type apiError struct {
	Detail string `json:"detail"`
}

type connectRequest struct {
	AccountID model.AccountID `json:"account_id"`
}

type statusResponse struct {
	Connected bool             `json:"connected"`
	AccountID *model.AccountID `json:"account_id"`
}

type checkRequest struct {
	Symbol     string            `json:"symbol"`
	AccountIDs []model.AccountID `json:"account_ids"`
}

type checkResponse struct {
	Results []struct {
		ID        model.AccountID `json:"id"`
		Available bool            `json:"available"`
	} `json:"results"`
	Tick *model.Tick `json:"tick"`
}

// orderRequest is the wire form of an OrderSpec; a missing take profit is sent as null.
type orderRequest struct {
	Symbol     string            `json:"symbol"`
	Direction  model.Side        `json:"direction"`
	SLPrice    float64           `json:"sl_price"`
	TPPrice    *float64          `json:"tp_price"`
	RiskType   model.RiskType    `json:"risk_type"`
	RiskValue  float64           `json:"risk_value"`
	AccountIDs []model.AccountID `json:"account_ids"`
}

func newOrderRequest(spec model.OrderSpec) orderRequest {
	req := orderRequest{
		Symbol:     strings.TrimSpace(spec.Symbol),
		Direction:  spec.Direction,
		SLPrice:    spec.SLPrice,
		RiskType:   spec.RiskType,
		RiskValue:  spec.RiskValue,
		AccountIDs: spec.AccountIDs,
	}
	if spec.TPPrice != 0 {
		tp := spec.TPPrice
		req.TPPrice = &tp
	}
	return req
}

// Connect logs the service into the given account.
func (c *Client) Connect(ctx context.Context, id model.AccountID) error {
	return c.post(ctx, "connect", pathConnect, connectRequest{AccountID: id}, nil)
}

// Disconnect shuts down the active account session. It succeeds when nothing is connected.
func (c *Client) Disconnect(ctx context.Context) error {
	return c.post(ctx, "disconnect", pathDisconnect, nil, nil)
}

// Status reports the service's view of the connection.
func (c *Client) Status(ctx context.Context) (model.ConnectionStatus, error) {
	var out statusResponse
	if err := c.get(ctx, "status", pathStatus, &out); err != nil {
		return model.ConnectionStatus{}, err
	}
	status := model.ConnectionStatus{Connected: out.Connected}
	if out.AccountID != nil {
		status.AccountID = *out.AccountID
	}
	if status.AccountID == 0 {
		status.Connected = false
	}
	return status, nil
}

// Accounts lists the account registry.
func (c *Client) Accounts(ctx context.Context) ([]model.Account, error) {
	var out []model.Account
	if err := c.get(ctx, "list accounts", pathAccounts, &out); err != nil {
		return nil, err
	}
	c.remember(out)
	return out, nil
}

// CheckSymbol asks which accounts can trade symbol and for a reference tick.
func (c *Client) CheckSymbol(ctx context.Context, symbol string, ids []model.AccountID) (model.AvailabilityResult, error) {
	var out checkResponse
	req := checkRequest{Symbol: strings.TrimSpace(symbol), AccountIDs: ids}
	if err := c.post(ctx, "check symbol", pathCheck, req, &out); err != nil {
		return model.AvailabilityResult{}, err
	}
	res := model.AvailabilityResult{
		Symbol:    req.Symbol,
		Available: make(map[model.AccountID]bool, len(out.Results)),
		Tick:      out.Tick,
	}
	for _, r := range out.Results {
		res.Available[r.ID] = r.Available
	}
	return res, nil
}

// CalculatePositions requests a sizing preview for every account of spec.
func (c *Client) CalculatePositions(ctx context.Context, spec model.OrderSpec) ([]model.AccountPreview, error) {
	var out calculateResponse
	if err := c.post(ctx, "calculate positions", pathCalculate, newOrderRequest(spec), &out); err != nil {
		return nil, err
	}
	refs := make([]string, len(out.Results))
	for i, r := range out.Results {
		refs[i] = string(r.Account)
	}
	resolve := c.resolver(ctx, refs)

	rows := make([]model.AccountPreview, 0, len(out.Results))
	for _, r := range out.Results {
		id, login := resolve(string(r.Account))
		rows = append(rows, model.AccountPreview{
			AccountID:   id,
			Login:       login,
			Balance:     r.Balance,
			Calculation: r.Calculation,
			Error:       r.Error,
		})
	}
	return rows, nil
}

// ExecuteBatch places one order per account of spec. Once the service has
// answered, rows are always returned; a row whose login cannot be mapped keeps
// a zero AccountID and its login.
func (c *Client) ExecuteBatch(ctx context.Context, spec model.OrderSpec) (model.ExecutionResult, error) {
	var out executeResponse
	if err := c.post(ctx, "execute batch", pathExecute, newOrderRequest(spec), &out); err != nil {
		return model.ExecutionResult{}, err
	}
	refs := make([]string, len(out.Results))
	for i, r := range out.Results {
		refs[i] = string(r.Account)
	}
	resolve := c.resolver(ctx, refs)

	res := model.ExecutionResult{
		Total:      out.Total,
		Successful: out.Successful,
		Failed:     out.Failed,
		Results:    make([]model.ExecutionOutcome, 0, len(out.Results)),
	}
	for _, r := range out.Results {
		id, login := resolve(string(r.Account))
		res.Results = append(res.Results, model.ExecutionOutcome{
			AccountID: id,
			Login:     login,
			Success:   r.Success,
			Order:     r.Order,
			Error:     r.Error,
		})
	}
	if res.Failed == 0 {
		res.Failed = res.Total - res.Successful
	}
	return res, nil
}

func (c *Client) get(ctx context.Context, op, path string, result any) error {
	req := c.request(ctx)
	if result != nil {
		req.SetResult(result)
	}
	resp, err := req.Get(path)
	return c.check(op, path, resp, err)
}

func (c *Client) post(ctx context.Context, op, path string, body, result any) error {
	req := c.request(ctx)
	if body != nil {
		req.SetBody(body)
	}
	if result != nil {
		req.SetResult(result)
	}
	resp, err := req.Post(path)
	return c.check(op, path, resp, err)
}

func (c *Client) request(ctx context.Context) *resty.Request {
	return c.http.R().
		SetContext(ctx).
		SetHeader(RequestIDHeader, uuid.NewString()).
		SetError(&apiError{})
}

func (c *Client) check(op, path string, resp *resty.Response, err error) error {
	if err != nil {
		c.logger.Warn("upstream_request_failed", zap.String("op", op), zap.String("path", path), zap.Error(err))
		return &model.TransportError{Op: op, Err: err}
	}
	if resp.IsError() {
		detail := resp.Status()
		if e, ok := resp.Error().(*apiError); ok && e.Detail != "" {
			detail = e.Detail
		}
		c.logger.Warn("upstream_request_rejected",
			zap.String("op", op),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode()),
			zap.String("detail", detail),
		)
		return &model.TransportError{Op: op, Err: fmt.Errorf("status %d: %s", resp.StatusCode(), detail)}
	}
	c.logger.Debug("upstream_request",
		zap.String("op", op),
		zap.String("path", path),
		zap.Duration("elapsed", resp.Time()),
	)
	return nil
}
