package core

import (
	"fmt"
	"sort"
	"sync"
)

var (
	registry   = make(map[Company]CompanyDefinition)
	registryMu sync.RWMutex
)

// Register adds a company definition to the registry.
// Panics if the company is already registered or the definition is incomplete.
func Register(def CompanyDefinition) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if def.Company == CompanyUnknown {
		panic("cannot register the unknown company")
	}
	if _, exists := registry[def.Company]; exists {
		panic(fmt.Sprintf("company already registered: %s", def.Company))
	}
	if def.SubmissionField == "" {
		panic(fmt.Sprintf("company %s: submission field is required", def.Company))
	}

	// Submission number is always required, whatever the field list says.
	found := false
	for i, spec := range def.FieldSpecs {
		if spec.Name == def.SubmissionField {
			def.FieldSpecs[i].Required = true
			def.FieldSpecs[i].AllowEmpty = false
			found = true
		}
	}
	if !found {
		def.FieldSpecs = append([]FieldSpec{{
			Name:     def.SubmissionField,
			Type:     FieldText,
			Required: true,
		}}, def.FieldSpecs...)
	}

	if def.Table == "" {
		def.Table = "pqr_" + def.Company.Slug()
	}
	if def.Label == "" {
		def.Label = string(def.Company)
	}

	registry[def.Company] = def
}

// Lookup returns a company definition.
// Returns false if not found.
func Lookup(c Company) (CompanyDefinition, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()

	def, ok := registry[c]
	return def, ok
}

// MustLookup returns a company definition or panics.
// Use only with companies known to be registered.
func MustLookup(c Company) CompanyDefinition {
	def, ok := Lookup(c)
	if !ok {
		panic(fmt.Sprintf("company not registered: %s", c))
	}
	return def
}

// Definitions returns all registered definitions sorted by company.
func Definitions() []CompanyDefinition {
	registryMu.RLock()
	defer registryMu.RUnlock()

	result := make([]CompanyDefinition, 0, len(registry))
	for _, def := range registry {
		result = append(result, def)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Company < result[j].Company
	})

	return result
}

// Companies returns all registered companies, sorted.
func Companies() []Company {
	defs := Definitions()
	out := make([]Company, len(defs))
	for i, d := range defs {
		out[i] = d.Company
	}
	return out
}

// CompanyCount returns the number of registered companies.
func CompanyCount() int {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return len(registry)
}

// Clear removes all registered companies.
// Primarily useful for testing.
func Clear() {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry = make(map[Company]CompanyDefinition)
}
