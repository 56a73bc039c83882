// Package protocol implements the newline-delimited JSON event protocol
// spoken by scan workers on stdout. Each line is one JSON object; the decoder
// is bound to the worker identity the orchestrator spawned, and that binding
// always wins over whatever identity the line claims.
package protocol

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/sentinelsec/sentinel/internal/domain/scanning"
)

// ErrOversizedLine is returned by line streams when a single protocol line
// exceeds the configured size ceiling. The line is discarded and the stream
// remains usable.
var ErrOversizedLine = errors.New("protocol line exceeds size ceiling")

// Decoder turns raw protocol lines from one worker into event records. It is
// bound at construction to the identity the orchestrator assigned; decoded
// records always carry that identity regardless of what the line claims, so a
// worker cannot impersonate another worker or another scan.
type Decoder struct {
	scanID   string
	workerID int
	role     string
}

// NewDecoder binds a decoder to one spawned worker.
func NewDecoder(scanID string, workerID int, role scanning.WorkerRole) *Decoder {
	return &Decoder{scanID: scanID, workerID: workerID, role: string(role)}
}

// wireEvent is the subset of the line the decoder trusts. Identity fields on
// the wire are deliberately ignored.
type wireEvent struct {
	Type      string         `json:"type"`
	Data      map[string]any `json:"data"`
	Timestamp float64        `json:"timestamp"`
}

// Decode parses one protocol line into an event record. Decoding never fails:
// a line that is not valid JSON, or that carries no event type, is wrapped
// into a worker.log record holding the raw text, so no worker output is
// silently dropped.
func (d *Decoder) Decode(line []byte) scanning.EventRecord {
	var wire wireEvent
	if err := json.Unmarshal(line, &wire); err != nil || wire.Type == "" {
		return d.logLine(line)
	}

	rec := scanning.EventRecord{
		Type:      scanning.EventKind(wire.Type),
		WorkerID:  d.workerID,
		Role:      d.role,
		ScanID:    d.scanID,
		Data:      wire.Data,
		Timestamp: wire.Timestamp,
		RawSize:   len(line),
	}
	if rec.Data == nil {
		rec.Data = map[string]any{}
	}
	if rec.Timestamp == 0 {
		rec.Timestamp = unixNow()
	}
	return rec
}

// logLine wraps an undecodable raw line as free-form worker output.
func (d *Decoder) logLine(line []byte) scanning.EventRecord {
	rec := scanning.NewEventRecord(scanning.EventKindLog, d.workerID, d.role, d.scanID, map[string]any{
		"raw": string(line),
	})
	rec.RawSize = len(line)
	return rec
}

// Oversized builds the bookkeeping record for a line that blew the size
// ceiling and was discarded unread.
func (d *Decoder) Oversized(limit int) scanning.EventRecord {
	return scanning.NewEventRecord(scanning.EventKindOversizedLine, d.workerID, d.role, d.scanID, map[string]any{
		"limit": limit,
	})
}

// Encode renders a record as one protocol line, without the trailing newline.
func Encode(rec scanning.EventRecord) ([]byte, error) {
	return json.Marshal(rec)
}

func unixNow() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}
