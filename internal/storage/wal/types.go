package wal

import (
	"time"

	"github.com/ChuLiYu/fieldsync/pkg/types"
)

// ============================================================================
// Journal Type Definitions
// Responsibility: Define the operation transition events written to the journal
// ============================================================================

// EventType defines journal event types
type EventType string

const (
	EventEnqueue  EventType = "ENQUEUE"  // Operation recorded locally
	EventDispatch EventType = "DISPATCH" // Submission started
	EventAck      EventType = "ACK"      // Server acknowledged
	EventRetry    EventType = "RETRY"    // Retryable failure, backoff scheduled
	EventFailed   EventType = "FAILED"   // Terminal failure (permanent or exhausted)
	EventConflict EventType = "CONFLICT" // Server reported concurrent modification
	EventDiscard  EventType = "DISCARD"  // User discarded a failed operation
	EventPurge    EventType = "PURGE"    // Completed operation dropped by retention
)

// Event represents one journal line
type Event struct {
	Seq         uint64              `json:"seq"` // monotonically increasing within one file
	Type        EventType           `json:"type"`
	OperationID types.OperationID   `json:"operation_id"`
	OpType      types.OperationType `json:"op_type,omitempty"`
	RetryCount  int                 `json:"retry_count"`
	Message     string              `json:"message,omitempty"`
	Timestamp   int64               `json:"timestamp"` // Unix milliseconds
	Checksum    uint32              `json:"checksum"`  // CRC32
}

// Time returns the event timestamp.
func (e Event) Time() time.Time {
	return time.UnixMilli(e.Timestamp).UTC()
}

// EventHandler is called for each event during Replay
type EventHandler func(event Event) error
