// SPDX-License-Identifier: AGPL-3.0-or-later
// SPDX-FileCopyrightText: 2025 OpenCloudMesh Authors

// Package api provides common HTTP API utilities including error handling.
package api

import (
	"encoding/json"
	"net/http"
)

// Reason codes. Peers and clients branch on them, so existing values never
// change.
const (
	// Validation
	ReasonInvalidJSON         = "INVALID_JSON"
	ReasonInvalidBundle       = "INVALID_BUNDLE"
	ReasonUnsupportedProtocol = "UNSUPPORTED_PROTOCOL_VERSION"
	ReasonSenderMismatch      = "SENDER_MISMATCH"
	ReasonNoLocalRecipient    = "NO_LOCAL_RECIPIENT"
	ReasonInvalidRequest      = "INVALID_REQUEST"
	ReasonInvalidTrustLevel   = "INVALID_TRUST_LEVEL"
	ReasonInvalidStatus       = "INVALID_STATUS"
	ReasonMissingQuery        = "MISSING_QUERY"
	ReasonWrongMode           = "WRONG_MODE"
	ReasonPayloadTooLarge     = "PAYLOAD_TOO_LARGE"

	// Integrity
	ReasonHashMismatch = "HASH_MISMATCH"

	// Authentication, authorization and trust
	ReasonUnauthenticated    = "UNAUTHENTICATED"
	ReasonTokenInvalid       = "TOKEN_INVALID"
	ReasonSessionExpired     = "SESSION_EXPIRED"
	ReasonInvalidCredentials = "INVALID_CREDENTIALS"
	ReasonSenderBlocked      = "SENDER_BLOCKED"
	ReasonSenderNotTrusted   = "SENDER_NOT_TRUSTED"
	ReasonInsufficientScope  = "INSUFFICIENT_SCOPE"
	ReasonSpokeInactive      = "SPOKE_INACTIVE"
	ReasonInviteInvalid      = "INVITE_INVALID"
	ReasonInviteRequired     = "INVITE_REQUIRED"
	ReasonForbidden          = "FORBIDDEN"

	// Transient
	ReasonHubUnreachable = "HUB_UNREACHABLE"
	ReasonRateLimited    = "RATE_LIMITED"
	ReasonInternalError  = "INTERNAL_ERROR"

	// Conflict
	ReasonAlreadyJoined    = "ALREADY_JOINED"
	ReasonAlreadyConnected = "ALREADY_CONNECTED"
	ReasonConflict         = "CONFLICT"

	// Lookup
	ReasonNotFound = "NOT_FOUND"
)

// ErrorEnvelope is the body of every error response, local or federated.
type ErrorEnvelope struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	// Code is the HTTP status text, e.g. "Forbidden".
	Code       string `json:"code"`
	ReasonCode string `json:"reason_code"`
	Message    string `json:"message"`
}

// WriteError writes an ErrorEnvelope with the given status.
func WriteError(w http.ResponseWriter, status int, reasonCode, message string) {
	WriteJSON(w, status, ErrorEnvelope{Error: ErrorDetail{
		Code:       http.StatusText(status),
		ReasonCode: reasonCode,
		Message:    message,
	}})
}

// ParseError extracts the envelope from a peer's error body. ok is false when
// the body is not an envelope or carries no reason code.
func ParseError(body []byte) (ErrorDetail, bool) {
	var env ErrorEnvelope
	if err := json.Unmarshal(body, &env); err != nil || env.Error.ReasonCode == "" {
		return ErrorDetail{}, false
	}
	return env.Error, true
}

func WriteUnauthorized(w http.ResponseWriter, reason, msg string) {
	WriteError(w, http.StatusUnauthorized, reason, msg)
}

func WriteForbidden(w http.ResponseWriter, reason, msg string) {
	WriteError(w, http.StatusForbidden, reason, msg)
}

func WriteBadRequest(w http.ResponseWriter, reason, msg string) {
	WriteError(w, http.StatusBadRequest, reason, msg)
}

func WriteConflict(w http.ResponseWriter, reason, msg string) {
	WriteError(w, http.StatusConflict, reason, msg)
}

func WriteBadGateway(w http.ResponseWriter, reason, msg string) {
	WriteError(w, http.StatusBadGateway, reason, msg)
}

func WriteNotFound(w http.ResponseWriter, msg string) {
	WriteError(w, http.StatusNotFound, ReasonNotFound, msg)
}

func WriteTooManyRequests(w http.ResponseWriter, msg string) {
	WriteError(w, http.StatusTooManyRequests, ReasonRateLimited, msg)
}

// WriteInternalError answers 500. msg goes to the client as is, so keep
// internals out of it.
func WriteInternalError(w http.ResponseWriter, msg string) {
	WriteError(w, http.StatusInternalServerError, ReasonInternalError, msg)
}
