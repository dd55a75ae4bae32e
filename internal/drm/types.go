// Package drm implements the DRM session manager: a bounded pool of
// decrypt sessions keyed by content key ID, license acquisition with
// dedup and retry, and fragment decryption for the fetchers.
package drm

import (
	"errors"
	"fmt"
	"time"
)

// SessionState is the lifecycle state of one session slot.
type SessionState int

const (
	// StateError means license acquisition failed.
	StateError SessionState = iota
	// StateInit means the slot was allocated but no challenge exists yet.
	StateInit
	// StatePending means a license request is in flight.
	StatePending
	// StateKeyAcquisitionTimedOut means a waiter gave up on a pending
	// session.
	StateKeyAcquisitionTimedOut
	// StateEmptySessionID means the DRM system returned no session.
	StateEmptySessionID
	// StateReady means the key is derived and the slot can decrypt.
	StateReady
)

func (s SessionState) String() string {
	switch s {
	case StateError:
		return "error"
	case StateInit:
		return "init"
	case StatePending:
		return "pending"
	case StateKeyAcquisitionTimedOut:
		return "key_acquisition_timed_out"
	case StateEmptySessionID:
		return "empty_session_id"
	case StateReady:
		return "ready"
	default:
		return "unknown"
	}
}

// FailureCode classifies DRM failures for the event surface. Retry
// eligibility is part of the contract: HDCP, authorization, provisioning
// and corrupt-metadata failures are never retried automatically.
type FailureCode int

const (
	// CodeNone means no failure.
	CodeNone FailureCode = iota
	// CodeChallenge is a challenge-generation failure.
	CodeChallenge
	// CodeAuthorization is a rejected or unobtainable auth token.
	CodeAuthorization
	// CodeHDCP is an output-protection compliance failure.
	CodeHDCP
	// CodeCorruptMetadata means the key metadata blob could not be parsed.
	CodeCorruptMetadata
	// CodeNotProvisioned means the device lacks DRM provisioning.
	CodeNotProvisioned
	// CodeNetwork is a license-server network failure.
	CodeNetwork
	// CodeTimeout is a bounded-wait expiry.
	CodeTimeout
)

func (c FailureCode) String() string {
	switch c {
	case CodeNone:
		return "none"
	case CodeChallenge:
		return "challenge"
	case CodeAuthorization:
		return "authorization"
	case CodeHDCP:
		return "hdcp"
	case CodeCorruptMetadata:
		return "corrupt_metadata"
	case CodeNotProvisioned:
		return "not_provisioned"
	case CodeNetwork:
		return "network"
	case CodeTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Retryable reports whether a caller's retune logic may retry the failure.
func (c FailureCode) Retryable() bool {
	switch c {
	case CodeNetwork, CodeTimeout:
		return true
	default:
		return false
	}
}

// Error carries the DRM failure taxonomy upstream.
type Error struct {
	Code     FailureCode
	HTTPCode int
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("drm %s failure: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("drm %s failure", e.Code)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// newError builds a taxonomy error.
func newError(code FailureCode, httpCode int, err error) *Error {
	return &Error{Code: code, HTTPCode: httpCode, Err: err}
}

// Sentinel errors.
var (
	// ErrSessionNotFound means no slot holds the requested key.
	ErrSessionNotFound = errors.New("no session for key")
	// ErrKeyFailed short-circuits lookups for a key whose acquisition
	// already failed, until Reset.
	ErrKeyFailed = errors.New("key previously failed")
	// ErrCancelled means a decrypt wait was released by teardown.
	ErrCancelled = errors.New("key wait cancelled")
)

// ChallengeInfo is the input to license challenge generation.
type ChallengeInfo struct {
	// InitData is the PSSH or key blob from the playlist.
	InitData []byte
	// KeyID identifies the content key.
	KeyID []byte
	// AuthToken is the session token, empty when the app supplied none.
	AuthToken string
}

// LicenseRequest describes the outgoing license exchange.
type LicenseRequest struct {
	// URL of the license server (or key URI for external-license systems).
	URL string
	// Method is GET or POST.
	Method string
	// Body is the challenge payload for POST exchanges.
	Body []byte
	// Headers are system-specific request headers.
	Headers map[string]string
	// Timeout bounds the exchange.
	Timeout time.Duration
}
