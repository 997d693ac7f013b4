package api

import "github.com/google/uuid"

type (
	// EventID is a unique identifier for an accepted event
	EventID string

	// RunID is a unique identifier for a workflow run
	RunID string

	// FunctionID is a unique identifier for a registered function
	FunctionID string

	// StepName is the handler-declared name of a step within a run
	StepName string
)

// runNamespace scopes deterministic run IDs so they cannot collide with
// other uuid5 users sharing the DNS namespace
var runNamespace = uuid.NewSHA1(uuid.NameSpaceDNS, []byte("ledgerflow.run"))

// NewEventID generates a random identifier for an accepted event
func NewEventID() EventID {
	return EventID(uuid.NewString())
}

// NewDLQID generates a random identifier for a dead-letter record
func NewDLQID() string {
	return uuid.NewString()
}

// RunIDFor derives the run identifier for a function handling an event.
// The derivation is deterministic so redelivery of the same event resumes
// the same run and observes the same step memos.
func RunIDFor(fn FunctionID, event EventID) RunID {
	name := string(fn) + "/" + string(event)
	return RunID(uuid.NewSHA1(runNamespace, []byte(name)).String())
}
