// Package protocol defines the events published on the message bus.
package protocol

import "time"

// VerseScore is one per-verse score carried in events.
type VerseScore struct {
	VerseID string  `json:"verse"`
	Score   float64 `json:"score"`
}

// SubmissionRecorded is emitted after a submission has been graded and written to the ledger.
type SubmissionRecorded struct {
	SubmissionID  string       `json:"submission_id"`
	SubmitterName string       `json:"name"`
	Language      string       `json:"lang"`
	VerseScope    string       `json:"verse_scope"`
	PartitionKey  string       `json:"week,omitempty"`
	Transcript    string       `json:"transcript"`
	Scores        []VerseScore `json:"scores"`
	Passed        bool         `json:"passed"`
	Threshold     float64      `json:"threshold"`
	RemoteLink    string       `json:"file,omitempty"`
	Archived      bool         `json:"archived"`
	Timestamp     time.Time    `json:"timestamp"`
}

const (
	SubjectSubmissionPrefix   = "memcheck.submission"
	SubjectSubmissionRecorded = SubjectSubmissionPrefix + ".recorded"
)
