package core

// testDefinition mirrors the shape of a portal definition without touching
// the global registry.
func testDefinition() CompanyDefinition {
	return CompanyDefinition{
		Company:         CompanyAfinia,
		Table:           "pqr_test",
		SubmissionField: "numero_radicado",
		BusinessField:   "nic",
		DateField:       "fecha_radicacion",
		TypeField:       "tipo_pqr",
		FieldSpecs: []FieldSpec{
			{Name: "numero_radicado", Type: FieldNumericID, Required: true, MinLen: 6, MaxLen: 20},
			{Name: "nic", Type: FieldNumericID, Required: true, MinLen: 5, MaxLen: 12},
			{Name: "fecha_radicacion", Type: FieldDate, Required: true},
			{Name: "tipo_pqr", Type: FieldEnum, Required: true, EnumValues: []string{"Petición", "Queja", "Reclamo"}},
			{Name: "correo", Type: FieldEmail},
			{Name: "telefono", Type: FieldPhone},
			{Name: "descripcion", Type: FieldText},
		},
	}
}

func validFields() map[string]string {
	return map[string]string{
		"numero_radicado":  "2024001234",
		"nic":              "7654321",
		"fecha_radicacion": "2024-03-05",
		"tipo_pqr":         "Reclamo",
		"correo":           "cliente@example.com",
		"telefono":         "+57 (300) 123-4567",
		"descripcion":      "Cobro no reconocido",
	}
}
