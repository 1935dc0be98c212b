package core

import "strings"

// QuoteIdentifier quotes a SQL identifier for PostgreSQL.
func QuoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// toDBColumnName converts a field name to a database column name.
// "Numero Radicado" -> "numero_radicado"
func toDBColumnName(name string) string {
	name = strings.TrimSpace(name)
	name = strings.ReplaceAll(name, " ", "_")
	name = strings.ReplaceAll(name, "-", "_")
	return strings.ToLower(name)
}
