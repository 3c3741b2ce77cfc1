// Package sim is a simulated execution service for demo mode and integration
// tests. It serves the same REST endpoints and telemetry stream as the real
// service, backed by seeded accounts and a random-walk quote feed.
package sim

import (
	"math"
	"math/rand"
	"slices"
	"strconv"
	"time"

	"trade-desk/internal/model"

	"github.com/shopspring/decimal"
)

type quote struct {
	symbol   string
	bid      float64
	spread   float64
	digits   int32
	pipValue decimal.Decimal // account currency per pip per lot
}

func (q *quote) tick() model.Tick {
	pow := math.Pow(10, float64(q.digits))
	return model.Tick{
		Bid: math.Round(q.bid*pow) / pow,
		Ask: math.Round((q.bid+q.spread)*pow) / pow,
	}
}

// pip is ten points for five and three digit quotes, one point otherwise.
func (q *quote) pip() decimal.Decimal {
	point := decimal.New(1, -q.digits)
	if q.digits == 5 || q.digits == 3 {
		return point.Mul(decimal.NewFromInt(10))
	}
	return point
}

type account struct {
	model.Account
	balance   float64
	symbols   []string
	positions []model.Position
}

func (a *account) trades(symbol string) bool {
	return slices.Contains(a.symbols, symbol)
}

func seedQuotes() map[string]*quote {
	qs := []*quote{
		{symbol: "EURUSD", bid: 1.08342, spread: 0.00012, digits: 5, pipValue: decimal.NewFromInt(10)},
		{symbol: "GBPUSD", bid: 1.26185, spread: 0.00016, digits: 5, pipValue: decimal.NewFromInt(10)},
		{symbol: "USDJPY", bid: 151.823, spread: 0.018, digits: 3, pipValue: decimal.RequireFromString("6.59")},
		{symbol: "XAUUSD", bid: 2024.50, spread: 0.60, digits: 2, pipValue: decimal.NewFromInt(1)},
		{symbol: "USDCHF", bid: 0.87645, spread: 0.00018, digits: 5, pipValue: decimal.RequireFromString("11.41")},
	}
	out := make(map[string]*quote, len(qs))
	for _, q := range qs {
		out[q.symbol] = q
	}
	return out
}

func seedAccounts(now time.Time) []*account {
	phase := "phase_1"
	program := int64(7)
	stamp := func(d time.Duration) string { return now.Add(-d).Format("2006-01-02T15:04:05") }
	return []*account{
		{
			Account: model.Account{ID: 1, Login: "25289974", Server: "TickmillEU-Demo", Type: model.AccountFund, FundProgramID: &program, CurrentPhase: phase, Name: "Demo Fund A"},
			balance: 10000,
			symbols: []string{"EURUSD", "GBPUSD", "USDJPY", "XAUUSD", "USDCHF"},
			positions: []model.Position{
				{Ticket: 100001, Symbol: "EURUSD", Type: model.SideBuy, Volume: 0.01, PriceOpen: 1.08250, Time: stamp(2 * time.Hour)},
				{Ticket: 100002, Symbol: "EURUSD", Type: model.SideBuy, Volume: 0.02, PriceOpen: 1.08150, Time: stamp(90 * time.Minute)},
				{Ticket: 100004, Symbol: "GBPUSD", Type: model.SideBuy, Volume: 0.01, PriceOpen: 1.26100, Time: stamp(45 * time.Minute)},
				{Ticket: 100006, Symbol: "EURUSD", Type: model.SideSell, Volume: 0.03, PriceOpen: 1.08400, Time: stamp(15 * time.Minute)},
				{Ticket: 100007, Symbol: "USDJPY", Type: model.SideSell, Volume: 0.01, PriceOpen: 151.900, Time: stamp(5 * time.Minute)},
			},
		},
		{
			Account: model.Account{ID: 2, Login: "25289975", Server: "TickmillEU-Demo", Type: model.AccountFund, FundProgramID: &program, CurrentPhase: phase, Name: "Demo Fund B"},
			balance: 25000,
			symbols: []string{"EURUSD", "GBPUSD", "XAUUSD"},
		},
		{
			Account: model.Account{ID: 3, Login: "5011223", Server: "ICMarkets-Demo", Type: model.AccountPersonal, Name: "Personal"},
			balance: 5000,
			symbols: []string{"EURUSD", "USDJPY"},
		},
	}
}

// walk moves every quote one random-walk step.
func walk(quotes map[string]*quote, rng *rand.Rand, step int) {
	i := 0
	for _, sym := range sortedSymbols(quotes) {
		q := quotes[sym]
		delta := (rng.Float64() - 0.5) * q.spread * 3
		wave := math.Sin(float64(step)/20.0+float64(i)*1.5) * q.spread * 0.5
		q.bid += delta + wave
		i++
	}
}

func sortedSymbols(quotes map[string]*quote) []string {
	out := make([]string, 0, len(quotes))
	for s := range quotes {
		out = append(out, s)
	}
	slices.Sort(out)
	return out
}

// revalue recomputes floating profit of every position at the current quotes.
func revalue(a *account, quotes map[string]*quote) {
	for i := range a.positions {
		p := &a.positions[i]
		q, ok := quotes[p.Symbol]
		if !ok {
			continue
		}
		t := q.tick()
		exit := t.Bid
		dir := decimal.NewFromInt(1)
		if p.Type == model.SideSell {
			exit = t.Ask
			dir = dir.Neg()
		}
		pips := decimal.NewFromFloat(exit).Sub(decimal.NewFromFloat(p.PriceOpen)).Div(q.pip()).Mul(dir)
		profit := pips.Mul(q.pipValue).Mul(decimal.NewFromFloat(p.Volume)).Round(2)
		p.Profit, _ = profit.Float64()
	}
}

func info(a *account) model.AccountInfo {
	login, _ := strconv.ParseInt(a.Login, 10, 64)
	profit := decimal.Zero
	for _, p := range a.positions {
		profit = profit.Add(decimal.NewFromFloat(p.Profit))
	}
	balance := decimal.NewFromFloat(a.balance)
	equity := balance.Add(profit)
	margin := decimal.NewFromInt(int64(len(a.positions))).Mul(decimal.RequireFromString("62.5"))
	free := equity.Sub(margin)
	out := model.AccountInfo{
		Login:    login,
		Name:     a.Name,
		Currency: "USD",
	}
	out.Balance, _ = balance.Float64()
	out.Equity, _ = equity.Round(2).Float64()
	out.Profit, _ = profit.Round(2).Float64()
	out.Margin, _ = margin.Float64()
	out.MarginFree, _ = free.Round(2).Float64()
	if margin.IsPositive() {
		out.MarginLevel, _ = equity.Div(margin).Mul(decimal.NewFromInt(100)).Round(2).Float64()
	}
	return out
}
