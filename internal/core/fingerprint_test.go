package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, company Company, raw string) Record {
	t.Helper()
	rec, err := DecodeRecord([]byte(raw), company, "test.json", time.Time{})
	require.NoError(t, err)
	return rec
}

func TestComputeFingerprint_FieldOrderInvariant(t *testing.T) {
	def := testDefinition()
	a := decode(t, CompanyAfinia, `{"numero_radicado":"2024001234","nic":"7654321","fecha_radicacion":"2024-03-05","descripcion":"uno"}`)
	b := decode(t, CompanyAfinia, `{"descripcion":"OTRO   texto","fecha_radicacion":"2024-03-05","nic":"7654321","numero_radicado":"2024001234"}`)

	fa, err := ComputeFingerprint(def, a)
	require.NoError(t, err)
	fb, err := ComputeFingerprint(def, b)
	require.NoError(t, err)

	assert.Equal(t, fa, fb)
	assert.Len(t, fa.String(), FingerprintLen)
	assert.True(t, fa.Valid())
}

func TestComputeFingerprint_IncidentalFormatting(t *testing.T) {
	def := testDefinition()
	base := Record{Company: CompanyAfinia, Fields: map[string]string{
		"numero_radicado": "2024001234", "nic": "7654321", "fecha_radicacion": "2024-03-05",
	}}
	noisy := Record{Company: CompanyAfinia, Fields: map[string]string{
		"numero_radicado": "  2024001234 ", "NIC": "7654321 ", "fecha_radicacion": "05/03/2024",
	}}

	fa, err := ComputeFingerprint(def, base)
	require.NoError(t, err)
	fb, err := ComputeFingerprint(def, noisy)
	require.NoError(t, err)

	assert.Equal(t, fa, fb)
}

func TestComputeFingerprint_AppliesNormalizers(t *testing.T) {
	def := testDefinition()
	for i := range def.FieldSpecs {
		if def.FieldSpecs[i].Name == "nic" {
			def.FieldSpecs[i].Normalizer = DigitsOnly
		}
	}
	a := Record{Company: CompanyAfinia, Fields: map[string]string{
		"numero_radicado": "2024001234", "nic": "7.654.321", "fecha_radicacion": "2024-03-05",
	}}
	b := Record{Company: CompanyAfinia, Fields: map[string]string{
		"numero_radicado": "2024001234", "nic": "7654321", "fecha_radicacion": "2024-03-05",
	}}

	fa, _ := ComputeFingerprint(def, a)
	fb, _ := ComputeFingerprint(def, b)
	assert.Equal(t, fa, fb)
}

func TestComputeFingerprint_DistinctKeys(t *testing.T) {
	def := testDefinition()
	base := map[string]string{"numero_radicado": "2024001234", "nic": "7654321", "fecha_radicacion": "2024-03-05"}

	ref, err := ComputeFingerprint(def, Record{Company: CompanyAfinia, Fields: base})
	require.NoError(t, err)

	for _, key := range []string{"numero_radicado", "nic", "fecha_radicacion"} {
		changed := map[string]string{}
		for k, v := range base {
			changed[k] = v
		}
		if key == "fecha_radicacion" {
			changed[key] = "2024-03-06"
		} else {
			changed[key] = changed[key] + "9"
		}
		fp, err := ComputeFingerprint(def, Record{Company: CompanyAfinia, Fields: changed})
		require.NoError(t, err)
		assert.NotEqual(t, ref, fp, "changing %s must change the fingerprint", key)
	}
}

func TestComputeFingerprint_ScopedByCompany(t *testing.T) {
	def := testDefinition()
	fields := map[string]string{"numero_radicado": "2024001234", "nic": "7654321", "fecha_radicacion": "2024-03-05"}

	fa, err := ComputeFingerprint(def, Record{Company: CompanyAfinia, Fields: fields})
	require.NoError(t, err)
	fb, err := ComputeFingerprint(def, Record{Company: CompanyAire, Fields: fields})
	require.NoError(t, err)

	assert.NotEqual(t, fa, fb)
}

func TestComputeFingerprint_NonKeyFieldsIgnored(t *testing.T) {
	def := testDefinition()
	a := validFields()
	b := validFields()
	b["descripcion"] = "completely different"
	b["correo"] = "otro@example.com"

	fa, _ := ComputeFingerprint(def, Record{Company: CompanyAfinia, Fields: a})
	fb, _ := ComputeFingerprint(def, Record{Company: CompanyAfinia, Fields: b})

	assert.Equal(t, fa, fb)
}

func TestComputeFingerprint_Unhashable(t *testing.T) {
	def := testDefinition()

	fp, err := ComputeFingerprint(def, Record{Company: CompanyAfinia, Fields: map[string]string{"nic": "7654321"}})
	assert.Equal(t, Unhashable, fp)
	assert.ErrorIs(t, err, ErrUnhashable)
	assert.Equal(t, ClassValidation, ClassOf(err))

	fp, err = ComputeFingerprint(def, Record{Company: CompanyUnknown, Fields: validFields()})
	assert.Equal(t, Unhashable, fp)
	assert.ErrorIs(t, err, ErrUnhashable)
}

func TestComputeFingerprint_Deterministic(t *testing.T) {
	def := testDefinition()
	rec := Record{Company: CompanyAfinia, Fields: validFields()}

	first, err := ComputeFingerprint(def, rec)
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		again, err := ComputeFingerprint(def, rec)
		require.NoError(t, err)
		require.Equal(t, first, again)
	}
	assert.Equal(t, first.String()[:8], first.Short())
}
