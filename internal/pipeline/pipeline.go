// Package pipeline is the Pipeline Resolver (C2): it holds each project's
// ordered stage sequence and answers next/previous/validity queries over it.
// It is pure and stateless beyond the per-project stage list — no store or
// network access — so it can be called synchronously from the hot path of
// completion processing without risk of blocking.
package pipeline

import (
	"encoding/json"
	"fmt"
)

// Pipeline is an ordered, non-empty sequence of stage names for one project.
// Stage names are case-sensitive and must be unique within a pipeline.
type Pipeline struct {
	stages []string
	index  map[string]int
}

// New builds a Pipeline from an ordered stage list. It rejects empty lists,
// duplicate stage names, and blank stage names.
func New(stages []string) (*Pipeline, error) {
	if len(stages) == 0 {
		return nil, fmt.Errorf("pipeline: stage list must not be empty")
	}
	index := make(map[string]int, len(stages))
	for i, s := range stages {
		if s == "" {
			return nil, fmt.Errorf("pipeline: stage name at position %d is empty", i)
		}
		if _, dup := index[s]; dup {
			return nil, fmt.Errorf("pipeline: duplicate stage name %q", s)
		}
		index[s] = i
	}
	cp := make([]string, len(stages))
	copy(cp, stages)
	return &Pipeline{stages: cp, index: index}, nil
}

// FromJSON parses the serialized stage list the store persists alongside a
// project (Project.PipelineJSON).
func FromJSON(raw string) (*Pipeline, error) {
	var stages []string
	if err := json.Unmarshal([]byte(raw), &stages); err != nil {
		return nil, fmt.Errorf("pipeline: decode stage list: %w", err)
	}
	return New(stages)
}

// ToJSON serializes the stage list for storage.
func (p *Pipeline) ToJSON() (string, error) {
	b, err := json.Marshal(p.stages)
	if err != nil {
		return "", fmt.Errorf("pipeline: encode stage list: %w", err)
	}
	return string(b), nil
}

// Stages returns the ordered stage list. Callers must not mutate it.
func (p *Pipeline) Stages() []string {
	return p.stages
}

// First returns the pipeline's entry stage.
func (p *Pipeline) First() string {
	return p.stages[0]
}

// Last returns the pipeline's terminal stage.
func (p *Pipeline) Last() string {
	return p.stages[len(p.stages)-1]
}

// IsValidStage reports whether stage is a known stage of this pipeline.
func (p *Pipeline) IsValidStage(stage string) bool {
	_, ok := p.index[stage]
	return ok
}

// ErrUnknownStage is returned by Next/Previous when the given stage is not
// part of the pipeline. Unlike an end-of-pipeline condition, this is always
// an error: an unknown stage name signals a bug in a worker outcome or a
// stale pipeline definition, never a legitimate terminal state.
type ErrUnknownStage struct {
	Stage string
}

func (e *ErrUnknownStage) Error() string {
	return fmt.Sprintf("pipeline: unknown stage %q", e.Stage)
}

// Next returns the stage after the given stage. atEnd is true when stage is
// the pipeline's last stage (there is no next stage, but this is not an
// error — it signals the caller should close the ticket instead).
func (p *Pipeline) Next(stage string) (next string, atEnd bool, err error) {
	i, ok := p.index[stage]
	if !ok {
		return "", false, &ErrUnknownStage{Stage: stage}
	}
	if i == len(p.stages)-1 {
		return "", true, nil
	}
	return p.stages[i+1], false, nil
}

// Previous returns the stage before the given stage. atStart is true when
// stage is the pipeline's first stage.
func (p *Pipeline) Previous(stage string) (prev string, atStart bool, err error) {
	i, ok := p.index[stage]
	if !ok {
		return "", false, &ErrUnknownStage{Stage: stage}
	}
	if i == 0 {
		return "", true, nil
	}
	return p.stages[i-1], false, nil
}

// Resolver caches parsed pipelines per project so the hot path does not
// re-parse the stored JSON on every lookup.
type Resolver struct {
	pipelines map[string]*Pipeline
}

// NewResolver creates an empty Resolver.
func NewResolver() *Resolver {
	return &Resolver{pipelines: make(map[string]*Pipeline)}
}

// Register parses and caches projectID's pipeline.
func (r *Resolver) Register(projectID string, stages []string) error {
	p, err := New(stages)
	if err != nil {
		return err
	}
	r.pipelines[projectID] = p
	return nil
}

// Get returns the cached pipeline for projectID.
func (r *Resolver) Get(projectID string) (*Pipeline, error) {
	p, ok := r.pipelines[projectID]
	if !ok {
		return nil, fmt.Errorf("pipeline: no pipeline registered for project %q", projectID)
	}
	return p, nil
}

// Forget drops a project's cached pipeline (e.g. project deletion).
func (r *Resolver) Forget(projectID string) {
	delete(r.pipelines, projectID)
}
