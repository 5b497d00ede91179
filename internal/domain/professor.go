package domain

// ProfessorMatch is a single vector index hit. Metadata holds whatever the
// index stored for the record, typically review, subject and stars.
type ProfessorMatch struct {
	ID       string
	Metadata map[string]any
}
