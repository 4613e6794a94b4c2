// Package services holds the persistence-facing domain services consumed by
// the search pipeline: quota accounting and search session audit rows.
package services

import "errors"

// Sentinel errors surfaced to the pipeline.
var (
	ErrQuotaExceeded = errors.New("monthly search quota exceeded")
	ErrPlanNotFound  = errors.New("no active plan for user")
	ErrNotFound      = errors.New("not found")
)
