// Package core provides the domain model and pure pipeline steps for PQR ingestion.
//
// # Error Codes Reference
//
// This file maps technical errors to operator-facing messages with codes, so a
// failed run report can be triaged without reading logs. Codes are grouped by
// category:
//
// # Database Errors (DB001-DB099)
//
//	DB001 - Duplicate key: record already stored under this fingerprint
//	        Patterns: "duplicate key", "violates unique"
//	DB002 - Connection refused: relational store unreachable
//	        Patterns: "connection refused"
//	DB003 - Connection reset: connection interrupted mid-operation
//	        Patterns: "connection reset", "unexpected eof"
//	DB004 - Authentication: credentials rejected
//	        Patterns: "password authentication failed", "sqlstate 28"
//	DB005 - Timeout: operation timed out
//	        Patterns: "timeout", "deadline exceeded"
//	DB006 - Deadlock or serialization: conflicting concurrent writes
//	        Patterns: "deadlock", "could not serialize"
//
// # Validation Errors (VAL001-VAL099)
//
//	VAL001 - Invalid date       Patterns: "invalid date"
//	VAL002 - Invalid number     Patterns: "invalid number"
//	VAL003 - Required field     Patterns: "required field"
//	VAL004 - Unparsable record  Patterns: "unparsable"
//	VAL005 - Unhashable record  Patterns: "unhashable"
//	VAL006 - Invalid contact    Patterns: "invalid email", "invalid phone"
//	VAL007 - Unknown company    Patterns: "unknown company"
//
// # File Errors (FILE001-FILE099)
//
//	FILE001 - File too large    Patterns: "too large"
//	FILE002 - File missing      Patterns: "no such file"
//	FILE003 - Permission denied Patterns: "permission denied"
//
// # Object Store Errors (OBJ001-OBJ099)
//
//	OBJ001 - Access denied      Patterns: "accessdenied", "invalidaccesskeyid", "signaturedoesnotmatch"
//	OBJ002 - Bucket missing     Patterns: "nosuchbucket"
//	OBJ003 - Throttled          Patterns: "slowdown", "throttl", "rate limit"
//	OBJ004 - Upload incomplete  Patterns: "multipart"
//
// # Run Errors (RUN001-RUN099)
//
//	RUN001 - Run cancelled      Patterns: "context canceled"
//	RUN002 - Run already active Patterns: "run already in progress"
//	RUN003 - Run not found      Patterns: "run not found"
//
// # API Errors (API001-API099)
//
//	API001 - Bad request        Patterns: "invalid request"
//
// # Default Error (ERR000)
//
// Fallback when no specific pattern matches. Check the logs for the original
// technical error.
//
// # Pattern Matching
//
// Error patterns are matched case-insensitively using strings.Contains.
// The first matching pattern wins, so more specific patterns come first.
package core

import (
	"fmt"
	"strings"
)

// UserMessage provides operator-friendly error information with actionable guidance.
type UserMessage struct {
	Message string `json:"message"` // What happened
	Action  string `json:"action"`  // What to do about it
	Code    string `json:"code"`    // Error code for support reference
}

// errorPattern defines a pattern to match and its corresponding user message.
type errorPattern struct {
	pattern string
	msg     UserMessage
}

// errorPatterns maps technical error patterns (case-insensitive) to user messages.
// The first matching pattern wins, so order matters.
var errorPatterns = []errorPattern{
	// Decoding errors in API requests can mention EOF; match them first.
	{"invalid request", UserMessage{"Request could not be understood", "Send a JSON body such as {\"company\": \"afinia\"}", "API001"}},

	// =========================================================================
	// Object store (before database: S3 messages also mention timeouts)
	// =========================================================================
	{"accessdenied", UserMessage{"Object store denied access", "Check the bucket policy and credentials", "OBJ001"}},
	{"invalidaccesskeyid", UserMessage{"Object store denied access", "Check the bucket policy and credentials", "OBJ001"}},
	{"signaturedoesnotmatch", UserMessage{"Object store denied access", "Check the bucket policy and credentials", "OBJ001"}},
	{"nosuchbucket", UserMessage{"Destination bucket does not exist", "Create the bucket or fix OBJECT_STORE_BUCKET", "OBJ002"}},
	{"slowdown", UserMessage{"Object store is throttling requests", "Retry later or lower UPLOAD_RATE_PER_SECOND", "OBJ003"}},
	{"throttl", UserMessage{"Object store is throttling requests", "Retry later or lower UPLOAD_RATE_PER_SECOND", "OBJ003"}},
	{"rate limit", UserMessage{"Object store is throttling requests", "Retry later or lower UPLOAD_RATE_PER_SECOND", "OBJ003"}},
	{"multipart", UserMessage{"Large upload did not complete", "Re-run the batch; the upload is idempotent", "OBJ004"}},

	// =========================================================================
	// Database
	// =========================================================================
	{"duplicate key", UserMessage{"Record already stored", "No action needed; duplicates are skipped", "DB001"}},
	{"violates unique", UserMessage{"Record already stored", "No action needed; duplicates are skipped", "DB001"}},
	{"connection refused", UserMessage{"Unable to connect to database", "Check DATABASE_URL and that the server is running", "DB002"}},
	{"connection reset", UserMessage{"Database connection was interrupted", "Re-run the batch later", "DB003"}},
	{"unexpected eof", UserMessage{"Database connection was interrupted", "Re-run the batch later", "DB003"}},
	{"password authentication failed", UserMessage{"Database rejected the credentials", "Fix the credentials in DATABASE_URL", "DB004"}},
	{"sqlstate 28", UserMessage{"Database rejected the credentials", "Fix the credentials in DATABASE_URL", "DB004"}},
	{"deadlock", UserMessage{"Database was busy with conflicting operations", "Re-run the batch", "DB006"}},
	{"could not serialize", UserMessage{"Database was busy with conflicting operations", "Re-run the batch", "DB006"}},

	// =========================================================================
	// Run lifecycle (before timeouts: cancellations are not timeouts)
	// =========================================================================
	{"context canceled", UserMessage{"Run was cancelled", "Start a new run when ready", "RUN001"}},
	{"run already in progress", UserMessage{"Another run is active", "Wait for it to finish", "RUN002"}},
	{"run not found", UserMessage{"Run not found", "Only recent runs are kept; check the run id", "RUN003"}},

	{"timeout", UserMessage{"Operation timed out", "Re-run the batch later", "DB005"}},
	{"deadline exceeded", UserMessage{"Operation timed out", "Re-run the batch later", "DB005"}},

	// =========================================================================
	// Validation
	// =========================================================================
	{"invalid date", UserMessage{"Invalid date format detected", "Use YYYY-MM-DD, DD/MM/YYYY, or YYYY-MM-DD HH:MM:SS", "VAL001"}},
	{"invalid number", UserMessage{"Invalid identifier detected", "Identifiers must contain digits only", "VAL002"}},
	{"required field", UserMessage{"Required field is missing or empty", "Re-extract the record from the portal", "VAL003"}},
	{"unparsable", UserMessage{"Record file is not valid JSON", "Re-extract the record from the portal", "VAL004"}},
	{"unhashable", UserMessage{"Record lacks the fields needed for deduplication", "Re-extract the record from the portal", "VAL005"}},
	{"invalid email", UserMessage{"Invalid contact details", "Review the record's email and phone fields", "VAL006"}},
	{"invalid phone", UserMessage{"Invalid contact details", "Review the record's email and phone fields", "VAL006"}},
	{"unknown company", UserMessage{"Record company could not be determined", "Place the file under an afinia/ or aire/ folder", "VAL007"}},

	// =========================================================================
	// Files
	// =========================================================================
	{"too large", UserMessage{"File exceeds maximum size limit", "Check the scraper output", "FILE001"}},
	{"no such file", UserMessage{"File disappeared before processing", "Re-run the batch", "FILE002"}},
	{"permission denied", UserMessage{"File could not be read", "Fix file permissions on the inbox", "FILE003"}},
}

// defaultMessage is returned when no pattern matches (ERR000).
var defaultMessage = UserMessage{
	Message: "An unexpected error occurred",
	Action:  "Check the logs for details",
	Code:    "ERR000",
}

// MapError converts a technical error to an operator-friendly message.
// It returns the first matching pattern, or ERR000 when none match.
func MapError(err error) UserMessage {
	if err == nil {
		return UserMessage{}
	}

	errStr := strings.ToLower(err.Error())

	for _, ep := range errorPatterns {
		if strings.Contains(errStr, ep.pattern) {
			return ep.msg
		}
	}

	return defaultMessage
}

// FormatUserError creates a formatted error string for display.
// The format is: "Message (Code: XXX). Action"
func FormatUserError(err error) string {
	msg := MapError(err)
	if msg.Message == "" {
		return ""
	}
	return fmt.Sprintf("%s (Code: %s). %s", msg.Message, msg.Code, msg.Action)
}

// IsUserFacing checks if an error matches a known pattern.
// Returns false for nil and for the generic ERR000 fallback.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}
	return MapError(err).Code != defaultMessage.Code
}
