package model

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrderSpecEqual(t *testing.T) {
	base := OrderSpec{
		Symbol:     "EURUSD",
		Direction:  SideBuy,
		SLPrice:    1.085,
		RiskType:   RiskPercent,
		RiskValue:  1,
		AccountIDs: []AccountID{2, 1},
	}

	t.Run("account order does not matter", func(t *testing.T) {
		other := base
		other.AccountIDs = []AccountID{1, 2, 2}
		assert.True(t, base.Equal(other))
	})

	mutations := map[string]func(*OrderSpec){
		"symbol":     func(s *OrderSpec) { s.Symbol = "GBPUSD" },
		"direction":  func(s *OrderSpec) { s.Direction = SideSell },
		"sl":         func(s *OrderSpec) { s.SLPrice = 1.084 },
		"tp":         func(s *OrderSpec) { s.TPPrice = 1.09 },
		"risk type":  func(s *OrderSpec) { s.RiskType = RiskFixed },
		"risk value": func(s *OrderSpec) { s.RiskValue = 2 },
		"accounts":   func(s *OrderSpec) { s.AccountIDs = []AccountID{1} },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			other := base.Clone()
			mutate(&other)
			assert.False(t, base.Equal(other))
		})
	}
}

func TestCloneDoesNotAlias(t *testing.T) {
	spec := OrderSpec{AccountIDs: []AccountID{3, 1}}
	clone := spec.Clone()
	clone.AccountIDs[0] = 9

	assert.Equal(t, []AccountID{3, 1}, spec.AccountIDs)
}

func TestAvailableIDs(t *testing.T) {
	r := AvailabilityResult{Available: map[AccountID]bool{3: false, 2: true, 1: true}}
	assert.Equal(t, []AccountID{1, 2}, r.AvailableIDs())
}

func TestErrorClassification(t *testing.T) {
	verr := fmt.Errorf("preview: %w", &ValidationError{Field: "account_ids", AccountID: 2, Reason: "is not available"})
	require.True(t, IsValidation(verr))
	assert.False(t, IsTransport(verr))
	assert.Contains(t, verr.Error(), "account 2 is not available")

	cause := errors.New("connection refused")
	terr := &TransportError{Op: "check symbol", Err: cause}
	assert.True(t, IsTransport(terr))
	assert.ErrorIs(t, terr, cause)
}
