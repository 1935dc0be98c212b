package core

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// Fingerprint is the content identity of a record: 32 lowercase hex characters.
type Fingerprint string

// Unhashable is the sentinel returned when a key field is missing.
const Unhashable Fingerprint = ""

// FingerprintLen is the length of a hex-encoded fingerprint.
const FingerprintLen = md5.Size * 2

// ErrUnhashable is returned when a record lacks a key field.
var ErrUnhashable = errors.New("unhashable record")

// fingerprintSep never occurs in scraped text.
const fingerprintSep = "\x1f"

func (f Fingerprint) String() string {
	return string(f)
}

// Short returns the first 8 characters for log output.
func (f Fingerprint) Short() string {
	if len(f) < 8 {
		return string(f)
	}
	return string(f[:8])
}

// Valid reports whether f has the expected shape.
func (f Fingerprint) Valid() bool {
	if len(f) != FingerprintLen {
		return false
	}
	_, err := hex.DecodeString(string(f))
	return err == nil
}

// KeyValues returns the normalized key fields in fingerprint order:
// company, business identifier, submission number, date.
func KeyValues(def CompanyDefinition, rec Record) ([]string, error) {
	keys := []struct {
		name  string
		value string
	}{
		{"company", rec.Company.Slug()},
		{def.BusinessField, rec.Get(def.BusinessField)},
		{def.SubmissionField, rec.Get(def.SubmissionField)},
		{def.DateField, rec.Get(def.DateField)},
	}

	if rec.Company == CompanyUnknown {
		return nil, fmt.Errorf("%w: unknown company", ErrUnhashable)
	}

	out := make([]string, 0, len(keys))
	var missing []string
	for i, k := range keys {
		if k.name == "" {
			continue
		}
		raw := k.value
		if spec, ok := def.Spec(k.name); ok && spec.Normalizer != nil && raw != "" {
			raw = spec.Normalizer(CleanValue(raw))
		}
		var v string
		if i == 3 {
			v = NormalizeDate(raw)
		} else {
			v = FoldValue(raw)
		}
		if v == "" {
			missing = append(missing, k.name)
			continue
		}
		out = append(out, v)
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: missing %s", ErrUnhashable, strings.Join(missing, ", "))
	}
	return out, nil
}

// ComputeFingerprint derives the record's fingerprint from its key fields.
// Identical normalized key fields always produce the same value, whatever the
// field order, whitespace, or case in the source JSON.
func ComputeFingerprint(def CompanyDefinition, rec Record) (Fingerprint, error) {
	values, err := KeyValues(def, rec)
	if err != nil {
		return Unhashable, err
	}
	sum := md5.Sum([]byte(strings.Join(values, fingerprintSep)))
	return Fingerprint(hex.EncodeToString(sum[:])), nil
}
