package companies

import "github.com/JonMunkholm/pqrsync/internal/core"

func init() {
	registerAire()
}

func registerAire() {
	core.Register(core.CompanyDefinition{
		Company:         core.CompanyAire,
		Label:           "Air-e",
		Table:           "pqr_aire",
		Directory:       "aire",
		SubmissionField: "numero_radicado",
		BusinessField:   "cuenta",
		DateField:       "fecha_solicitud",
		TypeField:       "tipo_solicitud",
		FieldSpecs: []core.FieldSpec{
			{Name: "numero_radicado", Type: core.FieldNumericID, Required: true, MinLen: 6, MaxLen: 20, Normalizer: NormalizeIdentifier},
			{Name: "cuenta", Type: core.FieldNumericID, Required: true, MinLen: 4, MaxLen: 12, Normalizer: NormalizeIdentifier},
			{Name: "fecha_solicitud", Type: core.FieldDate, Required: true},
			{Name: "tipo_solicitud", Type: core.FieldEnum, Required: true, EnumValues: PQRTypes, Normalizer: NormalizePQRType},
			{Name: "estado", Type: core.FieldEnum, EnumValues: []string{"Abierta", "En gestión", "Resuelta", "Cerrada"}},
			{Name: "nombre_solicitante", Type: core.FieldText},
			{Name: "cedula", Type: core.FieldNumericID, MinLen: 5, MaxLen: 15, Normalizer: NormalizeIdentifier},
			{Name: "email", Type: core.FieldEmail},
			{Name: "celular", Type: core.FieldPhone},
			{Name: "direccion", Type: core.FieldText},
			{Name: "barrio", Type: core.FieldText},
			{Name: "municipio", Type: core.FieldText},
			{Name: "descripcion", Type: core.FieldText},
		},
	})
}
