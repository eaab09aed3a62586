package progress

import "time"

type Kind string

const (
	// KindStatus is a human-readable status line.
	KindStatus Kind = "status"
	// KindCounts is a {total, successful, failed} snapshot of a running batch.
	KindCounts Kind = "counts"
	// KindConnection reports a session connectivity transition.
	KindConnection Kind = "connection"
	// KindSummary is emitted once when a batch finishes (or faults).
	KindSummary Kind = "summary"
)

// Counts is the counter triple of a dispatch job.
type Counts struct {
	Total      int `json:"total"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
}

// Event is one progress notification. Only the fields relevant to Kind are set.
type Event struct {
	Kind     Kind      `json:"type"`
	Time     time.Time `json:"ts"`
	Identity string    `json:"identity,omitempty"`
	JobID    string    `json:"job,omitempty"`

	Text   string  `json:"text,omitempty"`
	Counts *Counts `json:"counts,omitempty"`

	// Connection events.
	State  string `json:"state,omitempty"`
	Reason string `json:"reason,omitempty"`

	// Summary events.
	Err string `json:"error,omitempty"`
}

func Status(identity, jobID, text string) Event {
	return Event{Kind: KindStatus, Identity: identity, JobID: jobID, Text: text}
}

func Snapshot(identity, jobID string, c Counts) Event {
	return Event{Kind: KindCounts, Identity: identity, JobID: jobID, Counts: &c}
}

func Connection(identity, state, reason string) Event {
	return Event{Kind: KindConnection, Identity: identity, State: state, Reason: reason}
}

func Summary(identity, jobID string, c Counts, err error) Event {
	e := Event{Kind: KindSummary, Identity: identity, JobID: jobID, Counts: &c}
	if err != nil {
		e.Err = err.Error()
	}
	return e
}
