// Package core provides the domain model and pure pipeline steps for PQR ingestion.
//
// This package holds everything about a record that does not touch the network:
// decoding, validation, identity, and the shared retry policy. The relational
// loader (package store), the object store uploader (package objectstore), and
// the batch orchestrator (package ingest) all build on it.
//
// # Company Registry
//
// Companies are registered at init time using [Register]. Each
// [CompanyDefinition] names the target table and the fields that matter:
//
//	core.Register(core.CompanyDefinition{
//	    Company:         core.CompanyAfinia,
//	    Table:           "pqr_afinia",
//	    SubmissionField: "numero_radicado",
//	    BusinessField:   "nic",
//	    DateField:       "fecha_radicacion",
//	    FieldSpecs: []core.FieldSpec{
//	        {Name: "numero_radicado", Type: core.FieldNumericID, Required: true},
//	        {Name: "correo", Type: core.FieldEmail},
//	    },
//	})
//
// Import package core/companies to register the built-in portals.
//
// # Validation
//
// [ValidateRecord] collects every violated rule. Unknown enumeration values are
// warnings, not errors, so new portal categories still get stored.
//
// # Identity
//
// [ComputeFingerprint] hashes the normalized key fields (company, business
// identifier, submission number, date) into a 32-character hex string. Equal
// keys always produce equal fingerprints regardless of JSON field order,
// whitespace, or case.
//
// # Retries
//
// [RetryPolicy] is the single retry implementation. Callers supply a
// [Classifier] that separates transient failures (retried with exponential
// backoff) from permanent ones (returned immediately).
package core
