package companies

import "github.com/JonMunkholm/pqrsync/internal/core"

func init() {
	registerAfinia()
}

func registerAfinia() {
	core.Register(core.CompanyDefinition{
		Company:         core.CompanyAfinia,
		Label:           "Afinia",
		Table:           "pqr_afinia",
		Directory:       "afinia",
		SubmissionField: "numero_radicado",
		BusinessField:   "nic",
		DateField:       "fecha_radicacion",
		TypeField:       "tipo_pqr",
		FieldSpecs: []core.FieldSpec{
			{Name: "numero_radicado", Type: core.FieldNumericID, Required: true, MinLen: 6, MaxLen: 20, Normalizer: NormalizeIdentifier},
			{Name: "nic", Type: core.FieldNumericID, Required: true, MinLen: 5, MaxLen: 12, Normalizer: NormalizeIdentifier},
			{Name: "fecha_radicacion", Type: core.FieldDate, Required: true},
			{Name: "tipo_pqr", Type: core.FieldEnum, Required: true, EnumValues: PQRTypes, Normalizer: NormalizePQRType},
			{Name: "estado", Type: core.FieldEnum, EnumValues: []string{"Radicado", "En trámite", "Respondido", "Cerrado"}},
			{Name: "nombre_cliente", Type: core.FieldText},
			{Name: "documento_identidad", Type: core.FieldNumericID, MinLen: 5, MaxLen: 15, Normalizer: NormalizeIdentifier},
			{Name: "correo", Type: core.FieldEmail},
			{Name: "telefono", Type: core.FieldPhone},
			{Name: "direccion", Type: core.FieldText},
			{Name: "municipio", Type: core.FieldText},
			{Name: "asunto", Type: core.FieldText},
			{Name: "descripcion", Type: core.FieldText},
			{Name: "fecha_respuesta", Type: core.FieldDate},
		},
	})
}
