package stream

import (
	"testing"
	"time"

	"trade-desk/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeNaiveTimestampIsLocal(t *testing.T) {
	loc := time.FixedZone("UTC+3", 3*60*60)
	u, account, err := Decode([]byte(`{
		"type":"update",
		"connected_account_id":7,
		"account_info":{"balance":1000,"equity":990.5},
		"positions":null,
		"timestamp":"2026-03-02T10:15:30.123456"
	}`), loc)
	require.NoError(t, err)

	assert.Equal(t, model.AccountID(7), account)
	require.NotNil(t, u.AccountInfo)
	assert.Equal(t, 990.5, u.AccountInfo.Equity)
	assert.Nil(t, u.Positions)
	assert.Equal(t, loc, u.Time.Location())
	assert.Equal(t, "10:15:30", u.Time.Format("15:04:05"))
}

func TestDecodeZonedTimestampConvertsToDisplayZone(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*60*60)
	u, _, err := Decode([]byte(`{"type":"update","timestamp":"2026-03-02T10:00:00Z"}`), loc)
	require.NoError(t, err)
	assert.Equal(t, "12:00:00", u.Time.Format("15:04:05"))
}

func TestDecodeRejects(t *testing.T) {
	_, _, err := Decode([]byte(`{"type":"ping"}`), time.UTC)
	assert.ErrorIs(t, err, errNotUpdate)

	_, _, err = Decode([]byte(`{"type":`), time.UTC)
	assert.Error(t, err)

	_, _, err = Decode([]byte(`{"type":"update","timestamp":""}`), time.UTC)
	assert.ErrorContains(t, err, "timestamp")
}
