// Copyright (C) 2026 Parley Labs (dev@parleyhq.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package fault defines the typed error taxonomy shared by the coordinator
// components.
//
// Every rejection produced by the session state store, the broadcast hub,
// the roster coordinator, or the response consistency engine carries one of
// the codes below. The HTTP and WebSocket layers translate codes into
// user-facing statuses; no component returns a bare generic error for a
// condition a caller must distinguish.
package fault

import (
	"errors"
	"fmt"
	"net/http"
)

// Code classifies a coordinator rejection.
type Code string

const (
	// NotFound means a session, activity, participant, or response is absent.
	NotFound Code = "not_found"

	// NotLive means the action requires an in_progress (or paused) activity
	// that is not currently present in the session state.
	NotLive Code = "not_live"

	// ScopeDenied means the participant is outside the resolved roster scope.
	ScopeDenied Code = "scope_denied"

	// CapExceeded means a per-participant total or per-choice ceiling was hit.
	CapExceeded Code = "cap_exceeded"

	// PolicyDenied means a disabled feature was requested, such as retraction
	// on an activity with retraction turned off.
	PolicyDenied Code = "policy_denied"

	// ConfigLocked means a structural configuration field was edited after
	// response data already exists for the activity.
	ConfigLocked Code = "config_locked"

	// Conflict means an idempotency-key replay with a different payload, or
	// a roster collision with another running activity.
	Conflict Code = "conflict"

	// Internal means an unexpected failure. Callers should treat it as a bug.
	Internal Code = "internal"
)

// Fault is the concrete error type carried across component boundaries.
// Details holds structured context the transport layer forwards verbatim
// (e.g., the locked field list, the colliding participants).
type Fault struct {
	Code    Code
	Message string
	Details map[string]any
}

// Error implements the error interface.
func (f *Fault) Error() string {
	return fmt.Sprintf("%s: %s", f.Code, f.Message)
}

// New creates a Fault with the given code and message.
func New(code Code, message string) *Fault {
	return &Fault{Code: code, Message: message}
}

// Newf creates a Fault with a formatted message.
func Newf(code Code, format string, args ...any) *Fault {
	return &Fault{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithDetails attaches structured context and returns the same Fault.
func (f *Fault) WithDetails(details map[string]any) *Fault {
	f.Details = details
	return f
}

// CodeOf extracts the Code from err, unwrapping as needed.
// Non-Fault errors map to Internal; nil maps to the empty code.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var f *Fault
	if errors.As(err, &f) {
		return f.Code
	}
	return Internal
}

// DetailsOf extracts structured details from err, or nil.
func DetailsOf(err error) map[string]any {
	var f *Fault
	if errors.As(err, &f) {
		return f.Details
	}
	return nil
}

// HTTPStatus maps a Code to the HTTP status the control surface returns.
func HTTPStatus(code Code) int {
	switch code {
	case NotFound:
		return http.StatusNotFound
	case NotLive:
		return http.StatusConflict
	case ScopeDenied:
		return http.StatusForbidden
	case CapExceeded:
		return http.StatusUnprocessableEntity
	case PolicyDenied:
		return http.StatusForbidden
	case ConfigLocked:
		return http.StatusConflict
	case Conflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
