package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"trade-desk/internal/model"
	"trade-desk/internal/state"
)

var errNotUpdate = errors.New("not an update frame")

// naiveLayouts cover timestamps sent without a zone, which are read as local time.
var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// Decode turns one stream frame into a telemetry update stamped in loc. It
// returns the account the frame was produced for; frames that are not updates
// or cannot be parsed return an error and must be dropped.
func Decode(data []byte, loc *time.Location) (state.TelemetryUpdate, model.AccountID, error) {
	var msg model.StreamMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return state.TelemetryUpdate{}, 0, fmt.Errorf("decoding frame: %w", err)
	}
	if msg.Type != model.StreamMessageUpdate {
		return state.TelemetryUpdate{}, 0, errNotUpdate
	}
	at, err := parseTimestamp(msg.Timestamp, loc)
	if err != nil {
		return state.TelemetryUpdate{}, 0, err
	}
	return state.TelemetryUpdate{
		AccountInfo: msg.AccountInfo,
		Positions:   msg.Positions,
		Time:        at,
	}, msg.ConnectedAccountID, nil
}

func parseTimestamp(s string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.In(loc), nil
	}
	for _, layout := range naiveLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", s)
}
