// Package outcome defines the worker completion outcome document: the
// single structured result a per-stage worker subprocess reports on stdout,
// and the schema used to validate it before the Completion Processor (C7)
// ever sees it. A worker that cannot produce a valid outcome document is a
// validation error, routed to on_hold rather than silently discarded.
package outcome

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Sentinel prefixes the single line of stdout carrying the outcome
// document. Workers may write arbitrary diagnostic output to stdout before
// and after this line; only the sentinel line is parsed.
const Sentinel = "<<<TICKETD:OUTCOME>>>"

// Command names the worker's requested transition. Exactly one of these is
// valid per outcome document.
type Command string

const (
	CommandAdvanceToStage             Command = "advance_to_stage"
	CommandReturnToStage              Command = "return_to_stage"
	CommandCompleteTicket             Command = "complete_ticket"
	CommandCompletePlanning           Command = "complete_planning"
	CommandRequestCoordinatorAttention Command = "request_coordinator_attention"
)

// TicketSpec describes a ticket to create, reported by a planning-stage
// worker's complete_planning outcome. Stage is optional: a planning worker
// that omits it leaves the new ticket's stage for the Queue Manager to
// assign to the project's first pipeline stage.
type TicketSpec struct {
	Stage       string `json:"stage,omitempty"`
	Description string `json:"description,omitempty"`
}

// WorkerTypeSpec describes a worker type to provision, reported alongside
// tickets_to_create when a pipeline stage has none configured yet.
type WorkerTypeSpec struct {
	Stage          string `json:"stage"`
	SystemPrompt   string `json:"system_prompt,omitempty"`
	PermissionMode string `json:"permission_mode,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

// Document is the decoded, schema-valid worker outcome.
type Document struct {
	Command           Command          `json:"command"`
	Comment           string           `json:"comment,omitempty"`
	Reason            string           `json:"reason,omitempty"`
	Resolution        string           `json:"resolution,omitempty"`
	TicketsToCreate   []TicketSpec     `json:"tickets_to_create,omitempty"`
	WorkerTypesNeeded []WorkerTypeSpec `json:"worker_types_needed,omitempty"`
}

const schemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"$id": "https://ticketd.internal/schemas/outcome.json",
	"type": "object",
	"required": ["command"],
	"properties": {
		"command": {
			"type": "string",
			"enum": [
				"advance_to_stage",
				"return_to_stage",
				"complete_ticket",
				"complete_planning",
				"request_coordinator_attention"
			]
		},
		"comment": {"type": "string"},
		"reason": {"type": "string"},
		"resolution": {"type": "string"},
		"tickets_to_create": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"stage": {"type": "string", "minLength": 1},
					"description": {"type": "string"}
				}
			}
		},
		"worker_types_needed": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["stage"],
				"properties": {
					"stage": {"type": "string", "minLength": 1},
					"system_prompt": {"type": "string"},
					"permission_mode": {"type": "string"},
					"timeout_seconds": {"type": "integer", "minimum": 0}
				}
			}
		}
	},
	"allOf": [
		{
			"if": {"properties": {"command": {"const": "request_coordinator_attention"}}, "required": ["command"]},
			"then": {"required": ["reason"]}
		},
		{
			"if": {"properties": {"command": {"const": "complete_ticket"}}, "required": ["command"]},
			"then": {"required": ["resolution"]}
		}
	]
}`

// Validator compiles the outcome document schema once and validates decoded
// JSON instances against it.
type Validator struct {
	schema *jsonschema.Schema
}

// NewValidator compiles the embedded outcome schema.
func NewValidator() (*Validator, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("outcome: unmarshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	const resourceID = "https://ticketd.internal/schemas/outcome.json"
	if err := c.AddResource(resourceID, doc); err != nil {
		return nil, fmt.Errorf("outcome: add schema resource: %w", err)
	}
	sch, err := c.Compile(resourceID)
	if err != nil {
		return nil, fmt.Errorf("outcome: compile schema: %w", err)
	}
	return &Validator{schema: sch}, nil
}

// ErrValidation wraps a schema validation failure so callers (the Process
// Supervisor) can route it to on_hold rather than treating it as a spawn
// failure.
type ErrValidation struct {
	Cause error
}

func (e *ErrValidation) Error() string {
	return fmt.Sprintf("outcome: document failed schema validation: %v", e.Cause)
}

func (e *ErrValidation) Unwrap() error {
	return e.Cause
}

// ErrNoOutcomeLine means the subprocess stdout never contained a sentinel
// line, distinguished from a malformed outcome so callers can report a
// clearer diagnostic.
var ErrNoOutcomeLine = fmt.Errorf("outcome: no %s line found in worker output", Sentinel)

// Extract scans r for the sentinel line and returns the raw JSON payload
// that follows it on the same line. It scans the entire stream so a worker
// may emit diagnostic chatter before the outcome line.
func Extract(r io.Reader) (string, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if idx := strings.Index(line, Sentinel); idx != -1 {
			return strings.TrimSpace(line[idx+len(Sentinel):]), nil
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("outcome: scan worker output: %w", err)
	}
	return "", ErrNoOutcomeLine
}

// Parse validates raw JSON against the schema and decodes it into a
// Document. It is the sole entry point the Process Supervisor uses to turn
// captured stdout into a trusted outcome.
func (v *Validator) Parse(raw string) (Document, error) {
	var instance interface{}
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()
	if err := dec.Decode(&instance); err != nil {
		return Document{}, fmt.Errorf("outcome: decode json: %w", err)
	}

	if err := v.schema.Validate(instance); err != nil {
		return Document{}, &ErrValidation{Cause: err}
	}

	var doc Document
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return Document{}, fmt.Errorf("outcome: decode into document: %w", err)
	}
	return doc, nil
}

// ExtractAndParse is the convenience path: scan r for the sentinel line,
// then validate and decode it.
func (v *Validator) ExtractAndParse(r io.Reader) (Document, error) {
	raw, err := Extract(r)
	if err != nil {
		return Document{}, err
	}
	return v.Parse(raw)
}
