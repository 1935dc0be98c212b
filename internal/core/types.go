// Package core provides the domain model and pure pipeline steps for PQR ingestion.
// This package has no I/O dependencies beyond reading record files and can be used
// by the CLI, the status server, or tests without modification.
package core

import (
	"path/filepath"
	"strings"
	"time"
)

// Company identifies the utility portal a record was extracted from.
// It is decided once at discovery and threaded explicitly through the pipeline.
type Company string

const (
	CompanyUnknown Company = ""
	CompanyAfinia  Company = "afinia"
	CompanyAire    Company = "aire"
)

// ParseCompany maps free-form input ("AFINIA", " Aire ") to a known Company.
// Unrecognized values return CompanyUnknown.
func ParseCompany(s string) Company {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "afinia":
		return CompanyAfinia
	case "aire":
		return CompanyAire
	default:
		return CompanyUnknown
	}
}

// Known reports whether c is a registered, non-empty company.
func (c Company) Known() bool {
	if c == CompanyUnknown {
		return false
	}
	_, ok := Lookup(c)
	return ok
}

// Slug returns the lower-case form used in storage keys and table names.
func (c Company) Slug() string {
	if c == CompanyUnknown {
		return "unknown"
	}
	return strings.ToLower(string(c))
}

func (c Company) String() string {
	return c.Slug()
}

// Record is one decoded unit of extracted PQR data.
// Records are read-only once constructed from disk.
type Record struct {
	Company     Company
	Fields      map[string]string
	SourceFile  string
	ExtractedAt time.Time
}

// Get returns the trimmed value of a field, or "" when absent.
func (r Record) Get(name string) string {
	if r.Fields == nil {
		return ""
	}
	if v, ok := r.Fields[name]; ok {
		return strings.TrimSpace(v)
	}
	// Field names from portals are not consistently cased.
	for k, v := range r.Fields {
		if strings.EqualFold(k, name) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// ArtifactKind classifies a file associated with a record.
type ArtifactKind string

const (
	KindPDF        ArtifactKind = "pdf"
	KindScreenshot ArtifactKind = "screenshot"
	KindJSON       ArtifactKind = "json"
	KindOther      ArtifactKind = "other"
)

// Valid reports whether k is one of the closed set of kinds.
func (k ArtifactKind) Valid() bool {
	switch k {
	case KindPDF, KindScreenshot, KindJSON, KindOther:
		return true
	}
	return false
}

// KindFromPath classifies a file by extension.
func KindFromPath(path string) ArtifactKind {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		return KindPDF
	case ".png", ".jpg", ".jpeg", ".webp", ".gif":
		return KindScreenshot
	case ".json":
		return KindJSON
	default:
		return KindOther
	}
}

// Artifact is a file destined for object storage, optionally linked to a record.
type Artifact struct {
	Company     Company
	Kind        ArtifactKind
	LocalPath   string
	Fingerprint Fingerprint // empty when not linked to a stored record
	BusinessKey string      // submission number of the linked record, if any
	Date        time.Time   // date used by date-partitioned layouts
}

// Filename returns the base name of the artifact's local path.
func (a Artifact) Filename() string {
	return filepath.Base(a.LocalPath)
}

// FieldType represents the expected format of a record field.
type FieldType int

const (
	FieldText FieldType = iota
	FieldNumericID
	FieldEmail
	FieldPhone
	FieldDate
	FieldEnum
)

// FieldSpec defines validation rules for a single record field.
type FieldSpec struct {
	Name       string              // JSON key as produced by the scraper
	DBColumn   string              // Database column name (defaults to Name)
	Type       FieldType           // Expected format
	Required   bool                // Field must be present
	AllowEmpty bool                // If true, empty values are allowed even when Required
	MinLen     int                 // FieldNumericID: minimum digit count
	MaxLen     int                 // FieldNumericID: maximum digit count
	EnumValues []string            // Known values for FieldEnum (unknown values only warn)
	Normalizer func(string) string // Optional transformation applied before validation
}

// Column returns the database column for the field.
func (f FieldSpec) Column() string {
	if f.DBColumn != "" {
		return f.DBColumn
	}
	return toDBColumnName(f.Name)
}

// CompanyDefinition contains everything needed to validate, fingerprint and store
// records for one company.
type CompanyDefinition struct {
	Company    Company
	Label      string      // Display name: "Afinia"
	Table      string      // Target table: "pqr_afinia"
	Directory  string      // Conventional inbox folder name
	FieldSpecs []FieldSpec // Ordered field list; drives validation and DDL

	SubmissionField string // Business key (radicado) field name
	BusinessField   string // Business identifier (account/NIC) field name
	DateField       string // Filing date field name
	TypeField       string // PQR type enumeration field name
}

// Spec returns the FieldSpec with the given name.
func (d CompanyDefinition) Spec(name string) (FieldSpec, bool) {
	for _, s := range d.FieldSpecs {
		if strings.EqualFold(s.Name, name) {
			return s, true
		}
	}
	return FieldSpec{}, false
}

// ItemState is a node of the per-item state machine.
type ItemState string

const (
	StateDiscovered       ItemState = "discovered"
	StateValidated        ItemState = "validated"
	StateRejected         ItemState = "rejected"
	StateHashed           ItemState = "hashed"
	StateStored           ItemState = "stored"
	StateSkippedDuplicate ItemState = "skipped_duplicate"
	StateUpdated          ItemState = "updated"
	StateStoreFailed      ItemState = "store_failed"
	StateUploaded         ItemState = "uploaded"
	StateUploadFailed     ItemState = "upload_failed"
	StateNoArtifact       ItemState = "no_artifact"
)
