package models

import (
	"fmt"
	"time"
)

// VizStatus is the lifecycle state of one visualization run.
type VizStatus string

const (
	VizPending    VizStatus = "pending"
	VizProcessing VizStatus = "processing"
	VizCompleted  VizStatus = "completed"
	VizFailed     VizStatus = "failed"
)

// Visualization is one reduction/clustering run over an embedded dataset.
// A row transitions pending -> processing -> completed|failed and is never
// reopened; re-triggering creates a new row, preserving history.
type Visualization struct {
	ID              int64      `json:"id"`
	TransformID     int64      `json:"transform_id"`
	Status          VizStatus  `json:"status"`
	PointCount      int        `json:"point_count"`
	ClusterCount    int        `json:"cluster_count"`
	HTMLArtifactKey string     `json:"html_artifact_key,omitempty"`
	StatsJSON       string     `json:"stats_json,omitempty"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	ErrorMessage    string     `json:"error_message,omitempty"`
}

// CanTransition reports whether moving to next respects the monotonic
// pending -> processing -> terminal order.
func (v Visualization) CanTransition(next VizStatus) bool {
	switch v.Status {
	case VizPending:
		return next == VizProcessing || next == VizFailed
	case VizProcessing:
		return next == VizCompleted || next == VizFailed
	default:
		return false
	}
}

// Transition validates and applies a status change.
func (v *Visualization) Transition(next VizStatus) error {
	if !v.CanTransition(next) {
		return fmt.Errorf("visualization %d: invalid transition %s -> %s", v.ID, v.Status, next)
	}
	v.Status = next
	return nil
}
