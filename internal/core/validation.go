package core

// validation.go checks decoded records against a company's field specifications.
//
// Validation happens in two passes over the field list:
//  1. Presence: every required field must exist and be non-empty
//  2. Format: numeric identifiers, email, phone, date, and enumerations
//
// Every violated rule is collected so a failing record yields a complete reason
// list. Unknown enumeration values are warnings only: portals occasionally
// introduce new PQR categories and those records must still be persisted.

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	emailRegex = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	phoneRegex = regexp.MustCompile(`^\+?[0-9][0-9\s().-]*$`)
)

// Phone numbers must carry between MinPhoneDigits and MaxPhoneDigits digits.
const (
	MinPhoneDigits = 7
	MaxPhoneDigits = 15
)

// Default numeric identifier bounds when a spec leaves them unset.
const (
	DefaultMinIDLen = 1
	DefaultMaxIDLen = 20
)

// Severity distinguishes blocking reasons from informational ones.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Reason is a single validation finding.
type Reason struct {
	Field    string   `json:"field,omitempty"`
	Value    string   `json:"value,omitempty"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

func (r Reason) Error() string {
	if r.Field != "" {
		return fmt.Sprintf("%s: %s", r.Field, r.Message)
	}
	return r.Message
}

// ValidationResult contains the verdict for one record.
type ValidationResult struct {
	OK      bool     `json:"ok"`
	Reasons []Reason `json:"reasons,omitempty"`
}

// Warnings returns the non-blocking reasons.
func (r ValidationResult) Warnings() []Reason {
	return r.filter(SeverityWarning)
}

// Errors returns the blocking reasons.
func (r ValidationResult) Errors() []Reason {
	return r.filter(SeverityError)
}

// Messages renders every reason as "field: message".
func (r ValidationResult) Messages() []string {
	out := make([]string, len(r.Reasons))
	for i, reason := range r.Reasons {
		out[i] = reason.Error()
	}
	return out
}

func (r ValidationResult) filter(sev Severity) []Reason {
	var out []Reason
	for _, reason := range r.Reasons {
		if reason.Severity == sev {
			out = append(out, reason)
		}
	}
	return out
}

func (r *ValidationResult) add(sev Severity, field, value, msg string) {
	r.Reasons = append(r.Reasons, Reason{Field: field, Value: value, Message: msg, Severity: sev})
	if sev == SeverityError {
		r.OK = false
	}
}

// Validate decodes raw JSON and validates it. It never panics: malformed input
// yields OK=false with the single reason "unparsable".
func Validate(def CompanyDefinition, raw []byte) ValidationResult {
	fields, err := DecodeFields(raw)
	if err != nil {
		return ValidationResult{
			OK:      false,
			Reasons: []Reason{{Message: ErrUnparsable.Error(), Severity: SeverityError}},
		}
	}
	return ValidateRecord(def, Record{Company: def.Company, Fields: fields})
}

// ValidateRecord validates a decoded record against the company's field specs.
func ValidateRecord(def CompanyDefinition, rec Record) ValidationResult {
	result := ValidationResult{OK: true}

	if rec.Company != CompanyUnknown && rec.Company != def.Company {
		result.add(SeverityError, "", string(rec.Company),
			fmt.Sprintf("record company does not match %s", def.Company))
	}

	// Pass 1: presence
	values := make(map[string]string, len(def.FieldSpecs))
	for _, spec := range def.FieldSpecs {
		raw := CleanValue(rec.Get(spec.Name))
		if spec.Normalizer != nil && raw != "" {
			raw = spec.Normalizer(raw)
		}
		values[spec.Name] = raw

		if raw == "" && spec.Required {
			if _, present := lookupField(rec, spec.Name); !present {
				result.add(SeverityError, spec.Name, "", "missing required field")
			} else if !spec.AllowEmpty {
				result.add(SeverityError, spec.Name, "", "required field is empty")
			}
		}
	}

	// Pass 2: formats
	for _, spec := range def.FieldSpecs {
		raw := values[spec.Name]
		if raw == "" {
			continue
		}
		sev, err := ValidateValue(raw, spec)
		if err != nil {
			result.add(sev, spec.Name, raw, err.Error())
		}
	}

	return result
}

// ValidateValue validates a single non-empty value against a field specification.
// Returns the severity to record along with the violation, or a nil error.
func ValidateValue(value string, spec FieldSpec) (Severity, error) {
	if value == "" {
		return "", nil
	}

	switch spec.Type {
	case FieldNumericID:
		minLen, maxLen := spec.MinLen, spec.MaxLen
		if minLen <= 0 {
			minLen = DefaultMinIDLen
		}
		if maxLen <= 0 {
			maxLen = DefaultMaxIDLen
		}
		if DigitsOnly(value) != value {
			return SeverityError, fmt.Errorf("invalid number: must contain digits only")
		}
		if len(value) < minLen || len(value) > maxLen {
			return SeverityError, fmt.Errorf("invalid number: length %d outside %d-%d", len(value), minLen, maxLen)
		}
	case FieldEmail:
		if !emailRegex.MatchString(value) {
			return SeverityError, fmt.Errorf("invalid email format")
		}
	case FieldPhone:
		if !phoneRegex.MatchString(value) {
			return SeverityError, fmt.Errorf("invalid phone: digits with optional separators expected")
		}
		if n := len(DigitsOnly(value)); n < MinPhoneDigits || n > MaxPhoneDigits {
			return SeverityError, fmt.Errorf("invalid phone: %d digits outside %d-%d", n, MinPhoneDigits, MaxPhoneDigits)
		}
	case FieldDate:
		if _, ok := ParseDate(value); !ok {
			return SeverityError, fmt.Errorf("invalid date format (use %s)", strings.Join(DateLayouts, ", "))
		}
	case FieldEnum:
		if len(spec.EnumValues) > 0 && !enumContains(spec.EnumValues, value) {
			return SeverityWarning, fmt.Errorf("unknown value, expected one of: %s", strings.Join(spec.EnumValues, ", "))
		}
	}
	return "", nil
}

func enumContains(values []string, v string) bool {
	folded := FoldValue(v)
	for _, ev := range values {
		if FoldValue(ev) == folded {
			return true
		}
	}
	return false
}

func lookupField(rec Record, name string) (string, bool) {
	if v, ok := rec.Fields[name]; ok {
		return v, true
	}
	for k, v := range rec.Fields {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return "", false
}
