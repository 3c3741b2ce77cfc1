// Package model defines shared data types used across the trade desk modules.
package model

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

// AccountID is the registry identifier of a trading account (not the broker login).
type AccountID int64

// Side represents a trading direction.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Valid reports whether s is one of the known directions.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// RiskType selects how RiskValue is interpreted when sizing a position.
type RiskType string

const (
	RiskPercent RiskType = "pct"   // percent of balance
	RiskFixed   RiskType = "fixed" // fixed amount in account currency
)

// Valid reports whether r is one of the known risk types.
func (r RiskType) Valid() bool {
	return r == RiskPercent || r == RiskFixed
}

// AccountType distinguishes prop-firm fund accounts from personal ones.
type AccountType string

const (
	AccountFund     AccountType = "fund"
	AccountPersonal AccountType = "personal"
)

// Account is a read-only snapshot of an account from the registry.
type Account struct {
	ID            AccountID   `json:"id"`
	Login         string      `json:"account_id"`
	Server        string      `json:"server"`
	Type          AccountType `json:"account_type"`
	FundProgramID *int64      `json:"fund_program_id,omitempty"`
	CurrentPhase  string      `json:"current_phase,omitempty"`
	Name          string      `json:"mt5_name,omitempty"`
	Balance       *float64    `json:"balance,omitempty"`
	Equity        *float64    `json:"equity,omitempty"`
	Profit        *float64    `json:"profit,omitempty"`
}

// AccountInfo is the live terminal view of the connected account.
type AccountInfo struct {
	Login       int64   `json:"login"`
	Name        string  `json:"name"`
	Balance     float64 `json:"balance"`
	Equity      float64 `json:"equity"`
	Margin      float64 `json:"margin"`
	MarginFree  float64 `json:"margin_free"`
	MarginLevel float64 `json:"margin_level"`
	Profit      float64 `json:"profit"`
	Currency    string  `json:"currency"`
}

// Position represents an open position on the connected account.
type Position struct {
	Ticket    int64   `json:"ticket"`
	Symbol    string  `json:"symbol"`
	Type      Side    `json:"type"`
	Volume    float64 `json:"volume"`
	PriceOpen float64 `json:"price_open"`
	SL        float64 `json:"sl"`
	TP        float64 `json:"tp"`
	Profit    float64 `json:"profit"`
	Time      string  `json:"time"`
}

// StreamMessage is one frame pushed by the telemetry stream.
type StreamMessage struct {
	Type               string       `json:"type"`
	ConnectedAccountID AccountID    `json:"connected_account_id"`
	AccountInfo        *AccountInfo `json:"account_info"`
	Positions          []Position   `json:"positions"`
	Timestamp          string       `json:"timestamp"`
}

// StreamMessageUpdate is the only stream message kind that is applied.
const StreamMessageUpdate = "update"

// EquityPoint is one sample of the equity curve.
type EquityPoint struct {
	Time    time.Time `json:"time"`
	Label   string    `json:"label"`
	Balance float64   `json:"balance"`
	Equity  float64   `json:"equity"`
}

// TelemetrySnapshot is a point-in-time copy of the streamed account state.
type TelemetrySnapshot struct {
	AccountInfo   *AccountInfo  `json:"account_info"`
	Positions     []Position    `json:"positions"`
	EquityHistory []EquityPoint `json:"equity_history"`
}

// ConnectionStatus reports whether a telemetry session is active and for which account.
// AccountID is non-zero if and only if Connected is true.
type ConnectionStatus struct {
	Connected bool      `json:"connected"`
	AccountID AccountID `json:"account_id,omitempty"`
}

// Tick is a reference bid/ask quote.
type Tick struct {
	Bid float64 `json:"bid"`
	Ask float64 `json:"ask"`
}

// AvailabilityResult maps each probed account to its tradability for one symbol.
type AvailabilityResult struct {
	Symbol    string             `json:"symbol"`
	Available map[AccountID]bool `json:"available"`
	Tick      *Tick              `json:"tick,omitempty"`
}

// AvailableIDs returns the accounts reported available, in ascending order.
func (r AvailabilityResult) AvailableIDs() []AccountID {
	out := make([]AccountID, 0, len(r.Available))
	for id, ok := range r.Available {
		if ok {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}

// OrderSpec describes one multi-account order. A zero SLPrice means the stop loss
// has not been entered; a zero TPPrice means no take profit.
type OrderSpec struct {
	Symbol     string      `json:"symbol"`
	Direction  Side        `json:"direction"`
	SLPrice    float64     `json:"sl_price"`
	TPPrice    float64     `json:"tp_price,omitempty"`
	RiskType   RiskType    `json:"risk_type"`
	RiskValue  float64     `json:"risk_value"`
	AccountIDs []AccountID `json:"account_ids"`
}

// Clone returns a deep copy with a normalised (sorted, deduplicated) account set.
func (s OrderSpec) Clone() OrderSpec {
	s.AccountIDs = NormalizeAccounts(s.AccountIDs)
	return s
}

// Equal compares two specs field by field, treating AccountIDs as a set.
func (s OrderSpec) Equal(o OrderSpec) bool {
	if s.Symbol != o.Symbol ||
		s.Direction != o.Direction ||
		s.SLPrice != o.SLPrice ||
		s.TPPrice != o.TPPrice ||
		s.RiskType != o.RiskType ||
		s.RiskValue != o.RiskValue {
		return false
	}
	return slices.Equal(NormalizeAccounts(s.AccountIDs), NormalizeAccounts(o.AccountIDs))
}

// NormalizeAccounts returns a sorted copy of ids without duplicates.
func NormalizeAccounts(ids []AccountID) []AccountID {
	out := slices.Clone(ids)
	slices.Sort(out)
	return slices.Compact(out)
}

// PositionCalculation is the sizing result for one account.
type PositionCalculation struct {
	LotSize      float64 `json:"lot_size"`
	EntryPrice   float64 `json:"entry_price"`
	SLPrice      float64 `json:"sl_price"`
	TPPrice      float64 `json:"tp_price"`
	SLPips       float64 `json:"sl_pips"`
	TPPips       float64 `json:"tp_pips"`
	RiskAmount   float64 `json:"risk_amount"`
	RiskPct      float64 `json:"risk_pct"`
	RewardAmount float64 `json:"reward_amount"`
	RRRatio      float64 `json:"rr_ratio"`
}

// AccountPreview is one row of a preview: either a calculation or an error.
// AccountID is zero when the row's login matches no registry account.
type AccountPreview struct {
	AccountID   AccountID            `json:"account_id"`
	Login       string               `json:"login,omitempty"`
	Balance     float64              `json:"balance,omitempty"`
	Calculation *PositionCalculation `json:"calculation,omitempty"`
	Error       string               `json:"error,omitempty"`
}

// OK reports whether the row carries a usable calculation.
func (p AccountPreview) OK() bool {
	return p.Calculation != nil && p.Error == ""
}

// PreviewResult is a computed, not yet executed batch. It is only valid for Spec.
type PreviewResult struct {
	ID      uuid.UUID        `json:"id"`
	Spec    OrderSpec        `json:"spec"`
	Results []AccountPreview `json:"results"`
}

// ExecutionOutcome is the per-account result of a batch execution.
type ExecutionOutcome struct {
	AccountID AccountID `json:"account_id"`
	Login     string    `json:"login,omitempty"`
	Success   bool      `json:"success"`
	Order     int64     `json:"order,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// ExecutionResult aggregates a batch execution.
type ExecutionResult struct {
	Total      int                `json:"total"`
	Successful int                `json:"successful"`
	Failed     int                `json:"failed"`
	Results    []ExecutionOutcome `json:"results"`
}

// WSMessage represents a WebSocket message sent to dashboard clients.
type WSMessage struct {
	Type      string    `json:"type"` // connection, stream, telemetry, availability, order
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// APIResponse is the standard REST API response envelope.
type APIResponse struct {
	Data      any       `json:"data,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
