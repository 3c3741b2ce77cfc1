package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"trade-desk/internal/model"

	"go.uber.org/zap"
)

// login is the account reference carried by result rows. The service sends
// the broker login as a string; a bare number is accepted too.
type login string

func (l *login) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*l = ""
		return nil
	case len(data) > 0 && data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*l = login(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("account reference %s: %w", data, err)
	}
	if _, err := strconv.ParseInt(n.String(), 10, 64); err != nil {
		return fmt.Errorf("account reference %s: not an integer", data)
	}
	*l = login(n.String())
	return nil
}

type previewRow struct {
	Account     login                      `json:"account_id"`
	Balance     float64                    `json:"balance"`
	Calculation *model.PositionCalculation `json:"calculation"`
	Error       string                     `json:"error"`
}

type calculateResponse struct {
	Results []previewRow `json:"results"`
}

type outcomeRow struct {
	Account login  `json:"account_id"`
	Success bool   `json:"success"`
	Order   int64  `json:"order"`
	Error   string `json:"error"`
}

type executeResponse struct {
	Total      int          `json:"total"`
	Successful int          `json:"successful"`
	Failed     int          `json:"failed"`
	Results    []outcomeRow `json:"results"`
}

func (c *Client) remember(accounts []model.Account) {
	m := make(map[string]model.AccountID, len(accounts))
	for _, a := range accounts {
		if a.Login != "" {
			m[a.Login] = a.ID
		}
	}
	c.mu.Lock()
	c.logins = m
	c.mu.Unlock()
}

// resolver returns a lookup from row login to registry id. When a login is
// unknown the registry is reloaded once; a failed reload only leaves those
// rows unmapped.
func (c *Client) resolver(ctx context.Context, refs []string) func(string) (model.AccountID, string) {
	c.mu.Lock()
	logins := c.logins
	missing := 0
	for _, ref := range refs {
		if _, ok := logins[ref]; !ok && ref != "" {
			missing++
		}
	}
	c.mu.Unlock()

	if missing > 0 {
		if _, err := c.Accounts(ctx); err != nil {
			c.logger.Warn("account_logins_unresolved", zap.Int("rows", missing), zap.Error(err))
		}
		c.mu.Lock()
		logins = c.logins
		c.mu.Unlock()
	}
	return func(ref string) (model.AccountID, string) {
		id, ok := logins[ref]
		if !ok && ref != "" {
			c.logger.Warn("account_login_unmapped", zap.String("login", ref))
		}
		return id, ref
	}
}
