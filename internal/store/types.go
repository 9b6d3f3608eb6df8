package store

import "time"

// TicketState is the lifecycle state of a ticket (invariant I2: a ticket is
// in exactly one of these at any time).
type TicketState string

const (
	StateOpen    TicketState = "open"
	StateClaimed TicketState = "claimed"
	StateOnHold  TicketState = "on_hold"
	StateClosed  TicketState = "closed"
)

// Project is a coordinator-registered unit of work with its own pipeline.
type Project struct {
	ID           string
	Path         string
	Rules        string
	Patterns     string
	PipelineJSON string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// WorkerType configures the subprocess spawned for a given (project, stage).
// Command and ArgsJSON describe the executable to invoke; SystemPrompt is
// passed to it over stdin so the binary itself can stay argument-free.
type WorkerType struct {
	ProjectID      string
	Stage          string
	Command        string
	ArgsJSON       string
	SystemPrompt   string
	PermissionMode string
	TimeoutSeconds int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Ticket is a single unit of coordinator-submitted work moving through a
// project's pipeline.
type Ticket struct {
	ID                string
	ProjectID         string
	CurrentStage      string
	State             TicketState
	ClaimWorkerID     *string
	ClaimAcquiredAt   *time.Time
	Resolution        *string
	HoldReason        *string
	CreatedAt         time.Time
	UpdatedAt         time.Time
	LastTransitionedAt time.Time
}

// Comment is an append-only note attached to a ticket (worker rationale,
// operator annotation).
type Comment struct {
	ID        int64
	TicketID  string
	Body      string
	CreatedAt time.Time
}

// EventRow is a durable row in the event log, written before any broadcast
// (C8's DB-first-broadcast-second ordering).
type EventRow struct {
	ID        int64
	Type      string
	TicketID  string
	WorkerID  string
	Stage     string
	Message   string
	CreatedAt time.Time
}

// ClaimOutcome reports the result of an AcquireClaim attempt.
type ClaimOutcome int

const (
	ClaimAcquired ClaimOutcome = iota
	ClaimAlreadyHeld
	ClaimTicketNotFound
	ClaimTicketNotOpen
)

// ReleaseOutcome reports the result of a ReleaseClaim/transition attempt.
type ReleaseOutcome int

const (
	ReleaseOK ReleaseOutcome = iota
	ReleaseNotHeldByCaller
	ReleaseTicketNotFound
)
