// Package models - API request types and validation.
// Request types validate and normalize themselves before any service logic
// runs, so handlers and services never see malformed input.
package models

import (
	"fmt"
	"strings"
)

// Metered service identifiers. The cost calculator prices each one from the
// plan configuration; unknown services are rejected at validation time only
// when a plan has no pricing for them.
const (
	ServiceTextToSpeech    = "text_to_speech"
	ServiceMusicGeneration = "music_generation"
	ServiceVoiceClone      = "voice_clone"
)

// ReserveCreditsRequest asks for a credit hold before a metered operation.
// OperationID is the caller-supplied idempotency key for the whole
// reserve/commit/release protocol.
type ReserveCreditsRequest struct {
	UserID      string        `json:"user_id"`
	Service     string        `json:"service"`
	OperationID string        `json:"operation_id"`
	Params      ServiceParams `json:"params"`
}

// ServiceParams is the service-specific parameter bag the cost calculator
// consumes: character counts for TTS, durations for audio, fixed-cost flags.
type ServiceParams struct {
	Characters      int64   `json:"characters,omitempty"`
	DurationSeconds float64 `json:"duration_seconds,omitempty"`
	Fixed           bool    `json:"fixed,omitempty"`
}

// Validate checks the reserve request for required fields.
func (r *ReserveCreditsRequest) Validate() error {
	if r.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	if r.Service == "" {
		return fmt.Errorf("service is required")
	}
	if r.OperationID == "" {
		return fmt.Errorf("operation_id is required")
	}
	if r.Params.Characters < 0 {
		return fmt.Errorf("characters must not be negative")
	}
	if r.Params.DurationSeconds < 0 {
		return fmt.Errorf("duration_seconds must not be negative")
	}
	return nil
}

// Normalize canonicalizes free-form fields.
func (r *ReserveCreditsRequest) Normalize() {
	r.UserID = strings.TrimSpace(r.UserID)
	r.Service = strings.ToLower(strings.TrimSpace(r.Service))
	r.OperationID = strings.TrimSpace(r.OperationID)
}

// CommitCreditsRequest finalizes a reservation after the operation succeeded.
type CommitCreditsRequest struct {
	UserID      string            `json:"user_id"`
	OperationID string            `json:"operation_id"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

func (r *CommitCreditsRequest) Validate() error {
	if r.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	if r.OperationID == "" {
		return fmt.Errorf("operation_id is required")
	}
	return nil
}

func (r *CommitCreditsRequest) Normalize() {
	r.UserID = strings.TrimSpace(r.UserID)
	r.OperationID = strings.TrimSpace(r.OperationID)
}

// ReleaseCreditsRequest cancels a reservation after a failed or abandoned
// operation. Releasing an unknown or already-terminal reservation succeeds.
type ReleaseCreditsRequest struct {
	UserID      string `json:"user_id"`
	OperationID string `json:"operation_id"`
	Reason      string `json:"reason,omitempty"`
}

func (r *ReleaseCreditsRequest) Validate() error {
	if r.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	if r.OperationID == "" {
		return fmt.Errorf("operation_id is required")
	}
	return nil
}

func (r *ReleaseCreditsRequest) Normalize() {
	r.UserID = strings.TrimSpace(r.UserID)
	r.OperationID = strings.TrimSpace(r.OperationID)
	r.Reason = strings.TrimSpace(r.Reason)
}

// AddCreditsRequest is the administrative top-up.
type AddCreditsRequest struct {
	UserID   string            `json:"user_id"`
	Amount   int64             `json:"amount"`
	Reason   string            `json:"reason"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (r *AddCreditsRequest) Validate() error {
	if r.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	if r.Amount <= 0 {
		return fmt.Errorf("amount must be positive")
	}
	if r.Reason == "" {
		return fmt.Errorf("reason is required")
	}
	return nil
}

func (r *AddCreditsRequest) Normalize() {
	r.UserID = strings.TrimSpace(r.UserID)
	r.Reason = strings.TrimSpace(r.Reason)
}

// CreateAccountRequest provisions a credit account for a new user.
type CreateAccountRequest struct {
	UserID string `json:"user_id"`
	Plan   string `json:"plan"`
}

func (r *CreateAccountRequest) Validate() error {
	if r.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	if r.Plan == "" {
		return fmt.Errorf("plan is required")
	}
	return nil
}

func (r *CreateAccountRequest) Normalize() {
	r.UserID = strings.TrimSpace(r.UserID)
	r.Plan = strings.ToLower(strings.TrimSpace(r.Plan))
}

// ResetCreditsRequest starts a new billing period for a user. The new
// allotment and rollover policy come from the account's plan.
type ResetCreditsRequest struct {
	UserID string `json:"user_id"`
}

func (r *ResetCreditsRequest) Validate() error {
	if r.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	return nil
}

func (r *ResetCreditsRequest) Normalize() {
	r.UserID = strings.TrimSpace(r.UserID)
}
