package domain

// Transcript is the audit record written once a chat request reaches a
// terminal state.
type Transcript struct {
	PK            string
	SK            string
	CorrelationID string
	Question      string
	Professors    []string
	Fragments     int
	Status        string
	CreatedAt     string
	TTL           int64
}
