// Package config provides declarative pipeline files for stage graphs.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// EndTarget is the terminal marker usable as an edge target.
const EndTarget = "end"

// FaultPolicy values accepted in pipeline files.
const (
	FaultPolicyAbort    = "abort"
	FaultPolicyContinue = "continue"
)

// BatchSpec sizes a batch sub-stage.
type BatchSpec struct {
	Workers   int `yaml:"workers" json:"workers" validate:"min=1"`
	BatchSize int `yaml:"batch_size" json:"batch_size" validate:"min=1"`
}

// StageSpec declares a stage. Func is the registry key of the stage
// function and defaults to Name.
type StageSpec struct {
	Name           string     `yaml:"name" json:"name" validate:"required"`
	Func           string     `yaml:"func,omitempty" json:"func,omitempty"`
	FaultPolicy    string     `yaml:"fault_policy,omitempty" json:"fault_policy,omitempty" validate:"omitempty,oneof=abort continue"`
	TimeoutSeconds int        `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty" validate:"min=0"`
	Batch          *BatchSpec `yaml:"batch,omitempty" json:"batch,omitempty"`
}

// FuncName returns the registry key of the stage function.
func (s StageSpec) FuncName() string {
	if s.Func != "" {
		return s.Func
	}
	return s.Name
}

// EdgeSpec is an unconditional transition.
type EdgeSpec struct {
	From string `yaml:"from" json:"from" validate:"required"`
	To   string `yaml:"to" json:"to" validate:"required"`
}

// ConditionalSpec routes by the label returned from a named router.
type ConditionalSpec struct {
	From   string            `yaml:"from" json:"from" validate:"required"`
	Router string            `yaml:"router" json:"router" validate:"required"`
	Labels map[string]string `yaml:"labels" json:"labels" validate:"required,min=1"`
}

// GateSpec attaches a gate after a stage with its retry and continue targets.
type GateSpec struct {
	Gate       string `yaml:"gate" json:"gate" validate:"required"`
	After      string `yaml:"after" json:"after" validate:"required"`
	Retry      string `yaml:"retry" json:"retry" validate:"required"`
	Continue   string `yaml:"continue" json:"continue" validate:"required"`
	Enabled    *bool  `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	MaxRetries *int   `yaml:"max_retries,omitempty" json:"max_retries,omitempty" validate:"omitempty,min=0"`
}

// PipelineFile is the declarative form of a stage graph.
type PipelineFile struct {
	Name        string            `yaml:"name" json:"name" validate:"required"`
	Entry       string            `yaml:"entry" json:"entry" validate:"required"`
	Stages      []StageSpec       `yaml:"stages" json:"stages" validate:"required,min=1,dive"`
	Edges       []EdgeSpec        `yaml:"edges,omitempty" json:"edges,omitempty" validate:"dive"`
	Conditional []ConditionalSpec `yaml:"conditional,omitempty" json:"conditional,omitempty" validate:"dive"`
	Gates       []GateSpec        `yaml:"gates,omitempty" json:"gates,omitempty" validate:"dive"`
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// ParsePipelineFile decodes and validates YAML. Unknown fields are rejected.
func ParsePipelineFile(data []byte) (*PipelineFile, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var p PipelineFile
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("failed to parse pipeline file: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// LoadPipelineFile reads and parses a pipeline file from disk.
func LoadPipelineFile(path string) (*PipelineFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pipeline file: %w", err)
	}
	return ParsePipelineFile(data)
}

// Validate checks field constraints and references between sections.
// Graph-level rules (reachability, guarded cycles, one outgoing edge per
// stage) are enforced when the graph is built.
func (p *PipelineFile) Validate() error {
	if err := structValidator().Struct(p); err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) {
			msgs := make([]string, 0, len(validationErrors))
			for _, fe := range validationErrors {
				msgs = append(msgs, fmt.Sprintf("%s failed '%s'", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid pipeline file: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid pipeline file: %w", err)
	}

	names := make(map[string]bool, len(p.Stages))
	for _, s := range p.Stages {
		if s.Name == EndTarget {
			return fmt.Errorf("stage name '%s' is reserved", EndTarget)
		}
		if names[s.Name] {
			return fmt.Errorf("duplicate stage name: %s", s.Name)
		}
		names[s.Name] = true
	}

	isTarget := func(name string) bool { return names[name] || name == EndTarget }

	if !names[p.Entry] {
		return fmt.Errorf("entry '%s' is not a declared stage", p.Entry)
	}
	for _, e := range p.Edges {
		if !names[e.From] {
			return fmt.Errorf("edge from unknown stage '%s'", e.From)
		}
		if !isTarget(e.To) {
			return fmt.Errorf("edge '%s' routes to unknown target '%s'", e.From, e.To)
		}
	}
	for _, c := range p.Conditional {
		if !names[c.From] {
			return fmt.Errorf("conditional edge from unknown stage '%s'", c.From)
		}
		for label, target := range c.Labels {
			if !isTarget(target) {
				return fmt.Errorf("conditional edge '%s' label '%s' routes to unknown target '%s'", c.From, label, target)
			}
		}
	}
	for _, g := range p.Gates {
		if !names[g.After] {
			return fmt.Errorf("gate '%s' attached after unknown stage '%s'", g.Gate, g.After)
		}
		if !names[g.Retry] {
			return fmt.Errorf("gate '%s' retry target '%s' is not a declared stage", g.Gate, g.Retry)
		}
		if !isTarget(g.Continue) {
			return fmt.Errorf("gate '%s' continue target '%s' not found", g.Gate, g.Continue)
		}
	}
	return nil
}

// Stage returns the stage spec by name.
func (p *PipelineFile) Stage(name string) (StageSpec, bool) {
	for _, s := range p.Stages {
		if s.Name == name {
			return s, true
		}
	}
	return StageSpec{}, false
}

// StageOrder returns the declared stage names.
func (p *PipelineFile) StageOrder() []string {
	order := make([]string, len(p.Stages))
	for i, s := range p.Stages {
		order[i] = s.Name
	}
	return order
}
