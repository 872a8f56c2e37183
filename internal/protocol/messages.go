package protocol

import "time"

// Transcript is decoded text broadcast on the bus. Partial fragments carry
// only the newly decoded text; the final message carries the whole chunk.
type Transcript struct {
	SessionID string    `json:"session_id"`
	ChunkSeq  uint64    `json:"chunk_seq"`
	Text      string    `json:"text"`
	Partial   bool      `json:"partial"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// SlotRequest asks the accelerator broker for an admission lease.
type SlotRequest struct {
	HolderID string `json:"holder_id"`
	Priority int    `json:"priority"`
	// WaitMS bounds how long the broker may queue the request.
	WaitMS int `json:"wait_ms"`
}

// SlotGrant answers a SlotRequest.
type SlotGrant struct {
	LeaseID string `json:"lease_id,omitempty"`
	Granted bool   `json:"granted"`
	Reason  string `json:"reason,omitempty"`
}

type SlotRelease struct {
	HolderID string `json:"holder_id"`
	LeaseID  string `json:"lease_id"`
}

// HolderHeartbeat keeps a holder's leases alive. Leases lists the ids the
// holder still believes it owns.
type HolderHeartbeat struct {
	HolderID  string    `json:"holder_id"`
	Leases    []string  `json:"leases,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectTranscriptPartial = "stt.text.partial"
	SubjectTranscriptFinal   = "stt.text.final"

	SubjectSlotAcquire           = "accel.slot.acquire"
	SubjectSlotRelease           = "accel.slot.release"
	SubjectHolderHeartbeatPrefix = "accel.holder.heartbeat"
)
