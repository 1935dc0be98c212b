package companies

import (
	"strings"

	"github.com/JonMunkholm/pqrsync/internal/core"
)

// PQRTypes are the request categories both portals publish.
var PQRTypes = []string{
	"Petición",
	"Queja",
	"Reclamo",
	"Recurso de reposición",
	"Recurso de apelación",
	"Sugerencia",
	"Denuncia",
}

// NormalizeIdentifier removes the thousands separators and spacing portals use
// when rendering account and document numbers ("1.234.567" -> "1234567").
func NormalizeIdentifier(s string) string {
	s = strings.TrimSpace(s)
	r := strings.NewReplacer(".", "", " ", "", "-", "", ",", "")
	return r.Replace(s)
}

// NormalizePQRType maps case and accent variants to the canonical category.
// Unrecognized categories are returned cleaned but otherwise unchanged.
func NormalizePQRType(s string) string {
	folded := core.FoldValue(s)
	for _, t := range PQRTypes {
		if core.FoldValue(t) == folded {
			return t
		}
	}
	return core.CleanValue(s)
}
