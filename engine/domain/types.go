// Package domain defines the core types of the lost & found matching
// engine: report kinds, queued job payloads, stored job and result
// records, and the per-vector metadata that rides alongside the index.
package domain

// ReportKind partitions reports into the two populations. A lost report
// can only ever match a found report and vice versa.
type ReportKind string

const (
	KindLost  ReportKind = "lost"
	KindFound ReportKind = "found"
)

// Valid reports whether k is one of the two known kinds.
func (k ReportKind) Valid() bool {
	return k == KindLost || k == KindFound
}

// Opposite returns the kind a report of kind k searches against.
func (k ReportKind) Opposite() ReportKind {
	if k == KindLost {
		return KindFound
	}
	return KindLost
}

// Job and result statuses. A result record that does not exist yet reads
// as StatusPending to clients; the worker only ever writes terminal
// statuses (StatusMatched, StatusNoMatch).
const (
	StatusQueued  = "queued"
	StatusPending = "pending"
	StatusMatched = "matched"
	StatusNoMatch = "no_match"
)

// User-facing outcome messages, kept verbatim from the product copy.
const (
	MsgHighMatch        = "Match found! Please report to Lost & Found department."
	MsgMediumMatch      = "Potential match found! Please check with Lost & Found department."
	MsgNoMatchLost      = "No match found; complaint has been added."
	MsgNoMatchFound     = "No match found; found item has been added to the database."
	MsgCounterpartLost  = "A matching found item has been reported. Please report to Lost & Found department."
	MsgCounterpartFound = "A matching lost-item complaint has been filed against this item."
)

// NoMatchMessage returns the no-match message for a report of the given kind.
func NoMatchMessage(kind ReportKind) string {
	if kind == KindFound {
		return MsgNoMatchFound
	}
	return MsgNoMatchLost
}

// CounterpartMessage returns the message written to a report of the
// given kind when a later report of the opposite kind matches it.
func CounterpartMessage(kind ReportKind) string {
	if kind == KindFound {
		return MsgCounterpartFound
	}
	return MsgCounterpartLost
}

// JobPayload is the message enqueued at submission time and consumed by
// the processing loop. The image travels base64-encoded so the payload is
// plain JSON end to end.
type JobPayload struct {
	JobID         string     `json:"job_id"`
	Kind          ReportKind `json:"kind"`
	ImageB64      string     `json:"image_b64"`
	Location      string     `json:"location,omitempty"`
	Date          string     `json:"date,omitempty"`
	ItemName      string     `json:"item_name,omitempty"`
	SubmitterID   string     `json:"submitter_id,omitempty"`
	SubmitterName string     `json:"submitter_name,omitempty"`
	Timestamp     float64    `json:"timestamp"`
}

// Job is the per-report record held in the job store. Created by the
// submission layer, mutated by the worker (Status, ProcessedAt) and by
// reconciliation (Status, Message).
type Job struct {
	JobID         string     `json:"job_id"`
	Kind          ReportKind `json:"kind"`
	Location      string     `json:"location,omitempty"`
	Date          string     `json:"date,omitempty"`
	ItemName      string     `json:"item_name,omitempty"`
	SubmitterID   string     `json:"submitter_id,omitempty"`
	SubmitterName string     `json:"submitter_name,omitempty"`
	Timestamp     float64    `json:"timestamp"`
	Status        string     `json:"status"`
	ProcessedAt   float64    `json:"processed_at,omitempty"`
	Message       string     `json:"message,omitempty"`
}

// VectorMeta is the metadata record stored positionally alongside one
// vector in the index. Position i in the index always corresponds to
// position i in the metadata sequence; entries are never removed or
// reordered, only tombstoned via Deleted.
type VectorMeta struct {
	JobID         string     `json:"job_id" msgpack:"job_id"`
	Kind          ReportKind `json:"kind" msgpack:"kind"`
	Location      string     `json:"location,omitempty" msgpack:"location"`
	Date          string     `json:"date,omitempty" msgpack:"date"`
	ItemName      string     `json:"item_name,omitempty" msgpack:"item_name"`
	SubmitterID   string     `json:"submitter_id,omitempty" msgpack:"submitter_id"`
	SubmitterName string     `json:"submitter_name,omitempty" msgpack:"submitter_name"`
	Timestamp     float64    `json:"timestamp" msgpack:"timestamp"`
	Deleted       bool       `json:"deleted,omitempty" msgpack:"deleted"`
}

// MatchCandidate is a scored query hit: a snapshot of the matched
// vector's metadata plus the combined score in [0,1]. Candidates are only
// ever persisted embedded inside a Result.
type MatchCandidate struct {
	Meta  VectorMeta `json:"meta"`
	Score float64    `json:"score"`
}

// Result is the per-report outcome record. Overwritten by the worker;
// reconciliation may later strip match entries that reference a deleted
// job and downgrade Status accordingly.
type Result struct {
	Status  string           `json:"status"`
	Matches []MatchCandidate `json:"matches,omitempty"`
	Message string           `json:"message"`
}
