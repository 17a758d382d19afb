// Package ingest turns raw options-flow feed records into model.Signal
// values. It is intentionally thin: sourcing and scoring the flow feed
// itself is out of scope for this engine, which only consumes records
// already carrying a symbol, premium, and timestamp.
package ingest

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Rajchodisetti/options-flow-engine/internal/clock"
	"github.com/Rajchodisetti/options-flow-engine/internal/model"
	"github.com/Rajchodisetti/options-flow-engine/internal/strategy"
)

// Record is the wire shape of one inbound options-flow record.
type Record struct {
	Symbol       string   `json:"symbol"`
	PremiumUSD   float64  `json:"premium_usd"`
	Ask          *float64 `json:"ask,omitempty"`
	ContractID   *string  `json:"contract_id,omitempty"`
	Strike       *float64 `json:"strike,omitempty"`
	OptionPrice  *float64 `json:"option_price,omitempty"`
	TimestampUTC string   `json:"timestamp_utc"`
}

// Parse decodes a single JSON record and derives its Eastern signal time
// and deterministic signal id.
func Parse(raw []byte) (model.Signal, error) {
	var r Record
	if err := json.Unmarshal(raw, &r); err != nil {
		return model.Signal{}, fmt.Errorf("ingest: decode record: %w", err)
	}
	if r.Symbol == "" {
		return model.Signal{}, fmt.Errorf("ingest: record missing symbol")
	}
	ts, err := time.Parse(time.RFC3339, r.TimestampUTC)
	if err != nil {
		return model.Signal{}, fmt.Errorf("ingest: bad timestamp_utc %q: %w", r.TimestampUTC, err)
	}
	eastern := ts.In(clock.Eastern)

	id := strategy.SignalFingerprint(r.Symbol, eastern, r.PremiumUSD, r.Ask, r.ContractID)

	return model.Signal{
		SignalID:          id,
		Symbol:            r.Symbol,
		PremiumUSD:        r.PremiumUSD,
		Ask:               r.Ask,
		ContractID:        r.ContractID,
		Strike:            r.Strike,
		OptionPrice:       r.OptionPrice,
		SignalTimeSource:  ts,
		SignalTimeEastern: eastern,
	}, nil
}

// ParseBatch decodes newline-delimited JSON records, skipping (and
// counting) any that fail to parse rather than aborting the whole batch.
func ParseBatch(lines [][]byte) (signals []model.Signal, skipped int) {
	for _, line := range lines {
		if len(line) == 0 {
			continue
		}
		sig, err := Parse(line)
		if err != nil {
			skipped++
			continue
		}
		signals = append(signals, sig)
	}
	return signals, skipped
}
