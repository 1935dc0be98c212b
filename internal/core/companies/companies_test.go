package companies

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/pqrsync/internal/core"
)

func TestRegistered(t *testing.T) {
	assert.Equal(t, []core.Company{core.CompanyAfinia, core.CompanyAire}, core.Companies())

	for _, def := range core.Definitions() {
		t.Run(def.Company.String(), func(t *testing.T) {
			assert.NotEmpty(t, def.Table)
			assert.NotEmpty(t, def.BusinessField)
			assert.NotEmpty(t, def.DateField)

			for _, key := range []string{def.SubmissionField, def.BusinessField, def.DateField, def.TypeField} {
				spec, ok := def.Spec(key)
				require.True(t, ok, "key field %s must have a spec", key)
				assert.True(t, spec.Required, "key field %s must be required", key)
			}
		})
	}
}

func TestAfiniaRecord(t *testing.T) {
	def := core.MustLookup(core.CompanyAfinia)
	raw := []byte(`{
		"numero_radicado": "2024.001.234",
		"nic": "7 654 321",
		"fecha_radicacion": "05/03/2024",
		"tipo_pqr": "RECLAMO",
		"correo": "cliente@example.com",
		"telefono": "3001234567"
	}`)

	result := core.Validate(def, raw)
	assert.True(t, result.OK, result.Messages())
	assert.Empty(t, result.Warnings())
}

func TestAireRecord_UnknownTypeWarns(t *testing.T) {
	def := core.MustLookup(core.CompanyAire)
	raw := []byte(`{
		"numero_radicado": "3300456789",
		"cuenta": "998877",
		"fecha_solicitud": "2024-06-01",
		"tipo_solicitud": "Felicitación"
	}`)

	result := core.Validate(def, raw)
	assert.True(t, result.OK)
	require.Len(t, result.Warnings(), 1)
	assert.Equal(t, "tipo_solicitud", result.Warnings()[0].Field)
}

func TestFingerprintIgnoresSeparators(t *testing.T) {
	def := core.MustLookup(core.CompanyAfinia)
	a := core.Record{Company: core.CompanyAfinia, Fields: map[string]string{
		"numero_radicado": "2024001234", "nic": "7654321", "fecha_radicacion": "2024-03-05",
	}}
	b := core.Record{Company: core.CompanyAfinia, Fields: map[string]string{
		"numero_radicado": "2024.001.234", "nic": "7 654 321", "fecha_radicacion": "05/03/2024",
	}}

	fa, err := core.ComputeFingerprint(def, a)
	require.NoError(t, err)
	fb, err := core.ComputeFingerprint(def, b)
	require.NoError(t, err)
	assert.Equal(t, fa, fb)
}

func TestNormalizePQRType(t *testing.T) {
	assert.Equal(t, "Petición", NormalizePQRType("peticion"))
	assert.Equal(t, "Recurso de apelación", NormalizePQRType(" RECURSO DE APELACION "))
	assert.Equal(t, "Felicitación", NormalizePQRType(" Felicitación "))
}

func TestNormalizeIdentifier(t *testing.T) {
	assert.Equal(t, "1234567", NormalizeIdentifier(" 1.234.567 "))
	assert.Equal(t, "12345", NormalizeIdentifier("12-345"))
}
