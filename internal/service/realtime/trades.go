package realtime

import (
	"encoding/json"

	"MarketPulse/internal/domain/models"
)

type tradeFrame struct {
	Type string `json:"type"`
	Data []struct {
		S string  `json:"s"`
		P float64 `json:"p"`
		V float64 `json:"v"`
		T int64   `json:"t"` // ms
	} `json:"data"`
}

// ParseTrades extracts ticks from a trade frame. Other frames yield nil.
func ParseTrades(msg Message) []models.Tick {
	if msg.Type != "trade" || len(msg.Raw) == 0 {
		return nil
	}
	var f tradeFrame
	if err := json.Unmarshal(msg.Raw, &f); err != nil {
		return nil
	}
	out := make([]models.Tick, 0, len(f.Data))
	for _, d := range f.Data {
		if d.S == "" || d.P <= 0 {
			continue
		}
		out = append(out, models.Tick{Symbol: d.S, Price: d.P, Volume: d.V, Timestamp: d.T})
	}
	return out
}
