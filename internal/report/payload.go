package report

import (
	"encoding/json"
	"time"

	"github.com/raaihank/pii-tokenizer/internal/run"
)

// Payload is the status document written to the metadata store and served
// by the status API
type Payload struct {
	RunID         string           `json:"run_id"`
	StartedAt     string           `json:"started_at"`
	EndedAt       *string          `json:"ended_at"`
	Platform      string           `json:"platform"`
	Columns       []string         `json:"columns"`
	RowsUpdated   int64            `json:"rows_updated"`
	RowsSkipped   int64            `json:"rows_skipped"`
	RowsPerColumn map[string]int64 `json:"rows_per_column,omitempty"`
	Status        string           `json:"status"`
	Message       string           `json:"message"`
}

// NewPayload renders r with RFC 3339 timestamps
func NewPayload(r run.Run) Payload {
	p := Payload{
		RunID:       r.ID,
		StartedAt:   r.StartedAt.UTC().Format(time.RFC3339),
		Platform:    r.Platform,
		Columns:     r.Columns,
		RowsUpdated: r.RowsUpdated,
		RowsSkipped: r.RowsSkipped,
		Status:      string(r.State),
		Message:     r.Message,

		RowsPerColumn: r.ColumnsUpdated,
	}
	if p.Columns == nil {
		p.Columns = []string{}
	}
	if r.EndedAt != nil {
		ended := r.EndedAt.UTC().Format(time.RFC3339)
		p.EndedAt = &ended
	}
	return p
}

// JSON encodes the payload
func (p Payload) JSON() ([]byte, error) {
	return json.Marshal(p)
}
