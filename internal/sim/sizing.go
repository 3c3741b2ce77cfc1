package sim

import (
	"errors"
	"fmt"

	"trade-desk/internal/model"

	"github.com/shopspring/decimal"
)

var (
	minLot  = decimal.RequireFromString("0.01")
	maxLot  = decimal.NewFromInt(100)
	lotStep = decimal.RequireFromString("0.01")
	hundred = decimal.NewFromInt(100)
)

type sizingInput struct {
	direction model.Side
	entry     float64
	sl        float64
	tp        float64
	riskType  model.RiskType
	riskValue float64
	balance   float64
}

// size computes the lot size that risks the requested amount between entry
// and stop loss.
func size(q *quote, in sizingInput) (model.PositionCalculation, error) {
	entry := decimal.NewFromFloat(in.entry)
	sl := decimal.NewFromFloat(in.sl)
	balance := decimal.NewFromFloat(in.balance)

	switch in.direction {
	case model.SideBuy:
		if !sl.LessThan(entry) {
			return model.PositionCalculation{}, errors.New("stop loss must be below entry for BUY")
		}
	case model.SideSell:
		if !sl.GreaterThan(entry) {
			return model.PositionCalculation{}, errors.New("stop loss must be above entry for SELL")
		}
	default:
		return model.PositionCalculation{}, fmt.Errorf("unknown direction %q", in.direction)
	}

	var risk decimal.Decimal
	switch in.riskType {
	case model.RiskPercent:
		risk = balance.Mul(decimal.NewFromFloat(in.riskValue)).Div(hundred)
	case model.RiskFixed:
		risk = decimal.NewFromFloat(in.riskValue)
	default:
		return model.PositionCalculation{}, fmt.Errorf("unknown risk type %q", in.riskType)
	}
	if !risk.IsPositive() {
		return model.PositionCalculation{}, errors.New("risk amount must be positive")
	}

	pip := q.pip()
	slPips := entry.Sub(sl).Abs().Div(pip).Round(1)
	if !slPips.IsPositive() {
		return model.PositionCalculation{}, errors.New("stop loss is too close to entry")
	}

	lot := risk.Div(slPips.Mul(q.pipValue))
	lot = lot.Div(lotStep).Floor().Mul(lotStep)
	if lot.LessThan(minLot) {
		lot = minLot
	}
	if lot.GreaterThan(maxLot) {
		lot = maxLot
	}
	actualRisk := slPips.Mul(q.pipValue).Mul(lot).Round(2)

	out := model.PositionCalculation{}
	out.LotSize, _ = lot.Float64()
	out.EntryPrice = in.entry
	out.SLPrice = in.sl
	out.SLPips, _ = slPips.Float64()
	out.RiskAmount, _ = actualRisk.Float64()
	if balance.IsPositive() {
		out.RiskPct, _ = actualRisk.Div(balance).Mul(hundred).Round(2).Float64()
	}
	if in.tp > 0 {
		tp := decimal.NewFromFloat(in.tp)
		tpPips := tp.Sub(entry).Abs().Div(pip).Round(1)
		out.TPPrice = in.tp
		out.TPPips, _ = tpPips.Float64()
		out.RewardAmount, _ = tpPips.Mul(q.pipValue).Mul(lot).Round(2).Float64()
		out.RRRatio, _ = tpPips.Div(slPips).Round(2).Float64()
	}
	return out, nil
}
