// Package models contains domain types for assay-engine.
package models

import (
	"context"
)

// ProvenanceSource represents how a change was made.
type ProvenanceSource string

const (
	SourceManual    ProvenanceSource = "manual"    // Operator action via CLI
	SourceOptimizer ProvenanceSource = "optimizer" // Parameters chosen by the blank/scale search
	SourceJob       ProvenanceSource = "job"       // Background job worker
)

// String returns the string representation of a ProvenanceSource.
func (s ProvenanceSource) String() string {
	return string(s)
}

// IsValid returns true if the source is a valid provenance source.
func (s ProvenanceSource) IsValid() bool {
	switch s {
	case SourceManual, SourceOptimizer, SourceJob:
		return true
	default:
		return false
	}
}

// ProvenanceContext carries source and actor information through operations.
type ProvenanceContext struct {
	Source ProvenanceSource
	// Actor names the operator or process recorded on change batches.
	Actor string
}

type provenanceKey struct{}

// WithProvenance returns a new context with provenance information attached.
func WithProvenance(ctx context.Context, p ProvenanceContext) context.Context {
	return context.WithValue(ctx, provenanceKey{}, p)
}

// GetProvenance retrieves provenance information from the context.
func GetProvenance(ctx context.Context) (ProvenanceContext, bool) {
	p, ok := ctx.Value(provenanceKey{}).(ProvenanceContext)
	return p, ok
}

// ProvenanceOrDefault returns the context provenance, or a manual provenance
// attributed to "system" when none is set.
func ProvenanceOrDefault(ctx context.Context) ProvenanceContext {
	if p, ok := GetProvenance(ctx); ok {
		if p.Actor == "" {
			p.Actor = "system"
		}
		return p
	}
	return ProvenanceContext{Source: SourceManual, Actor: "system"}
}

// WithManualProvenance returns a context with manual provenance for actor.
func WithManualProvenance(ctx context.Context, actor string) context.Context {
	return WithProvenance(ctx, ProvenanceContext{
		Source: SourceManual,
		Actor:  actor,
	})
}

// WithJobProvenance returns a context with job provenance for actor.
func WithJobProvenance(ctx context.Context, actor string) context.Context {
	return WithProvenance(ctx, ProvenanceContext{
		Source: SourceJob,
		Actor:  actor,
	})
}
