package store

// schema.go builds the per-company DDL from the registered field specs.
//
// Each company gets one table. Key fields become typed columns so the table can
// be queried directly; the full decoded record is kept in a JSONB column so
// fields outside the spec list are never lost.

import (
	"fmt"
	"strings"

	"github.com/JonMunkholm/pqrsync/internal/core"
)

// Fixed columns present on every company table.
const (
	colID          = "id"
	colFingerprint = "fingerprint"
	colFields      = "fields"
	colSourceFile  = "source_file"
	colExtractedAt = "extracted_at"
	colProcessedAt = "processed_at"
	colUpdatedAt   = "updated_at"
)

// SchemaStatements returns the idempotent statements that create the table and
// its indexes for def. Statements are executed one at a time.
func SchemaStatements(def core.CompanyDefinition) []string {
	table := core.QuoteIdentifier(def.Table)

	cols := []string{
		colID + " BIGSERIAL PRIMARY KEY",
		colFingerprint + " TEXT NOT NULL",
	}
	for _, spec := range def.FieldSpecs {
		cols = append(cols, fmt.Sprintf("%s %s", core.QuoteIdentifier(spec.Column()), columnType(spec)))
	}
	cols = append(cols,
		colFields+" JSONB NOT NULL DEFAULT '{}'::jsonb",
		colSourceFile+" TEXT",
		colExtractedAt+" TIMESTAMPTZ",
		colProcessedAt+" TIMESTAMPTZ NOT NULL DEFAULT now()",
		colUpdatedAt+" TIMESTAMPTZ",
	)

	stmts := []string{
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)", table, strings.Join(cols, ",\n\t")),
		fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (%s)",
			core.QuoteIdentifier(def.Table+"_fingerprint_key"), table, colFingerprint),
	}

	if spec, ok := def.Spec(def.SubmissionField); ok {
		stmts = append(stmts, fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
			core.QuoteIdentifier(def.Table+"_"+spec.Column()+"_idx"), table, core.QuoteIdentifier(spec.Column())))
	}
	return stmts
}

func columnType(spec core.FieldSpec) string {
	if spec.Type == core.FieldDate {
		return "DATE"
	}
	return "TEXT"
}

// dataColumns lists the columns written on insert and update, in argument order.
func dataColumns(def core.CompanyDefinition) []string {
	cols := make([]string, 0, len(def.FieldSpecs)+4)
	for _, spec := range def.FieldSpecs {
		cols = append(cols, spec.Column())
	}
	return append(cols, colFingerprint, colFields, colSourceFile, colExtractedAt)
}

func insertSQL(def core.CompanyDefinition) string {
	cols := dataColumns(def)
	quoted := make([]string, len(cols))
	placeholders := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = core.QuoteIdentifier(c)
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	return fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO NOTHING RETURNING %s",
		core.QuoteIdentifier(def.Table),
		strings.Join(quoted, ", "),
		strings.Join(placeholders, ", "),
		colFingerprint,
		colID,
	)
}

func updateSQL(def core.CompanyDefinition) string {
	cols := dataColumns(def)
	sets := make([]string, len(cols))
	for i, c := range cols {
		sets[i] = fmt.Sprintf("%s = $%d", core.QuoteIdentifier(c), i+1)
	}
	return fmt.Sprintf(
		"UPDATE %s SET %s, %s = now() WHERE %s = $%d",
		core.QuoteIdentifier(def.Table),
		strings.Join(sets, ", "),
		colUpdatedAt,
		colID,
		len(cols)+1,
	)
}

// lookupSQL finds an existing row by fingerprint ($1) or submission number
// ($2), preferring the fingerprint match.
func lookupSQL(def core.CompanyDefinition) string {
	spec, _ := def.Spec(def.SubmissionField)
	return fmt.Sprintf(
		"SELECT %[1]s FROM %[2]s WHERE %[3]s = $1 OR ($2 <> '' AND %[4]s = $2) ORDER BY (%[3]s = $1) DESC, %[1]s LIMIT 1",
		colID,
		core.QuoteIdentifier(def.Table),
		colFingerprint,
		core.QuoteIdentifier(spec.Column()),
	)
}
