package patient

import (
	"fmt"

	"github.com/josephneumann/unkani-sub000/internal/platform/fhir"
)

const baseTable = "patient"

var contactJoins = map[string]string{
	"email_address": "email_address.patient_id = patient.id",
	"address":       "address.patient_id = patient.id",
	"phone_number":  "phone_number.patient_id = patient.id",
}

// SearchTable is the Patient search surface. It is validated when the
// package loads.
var SearchTable = fhir.MustCapabilityTable("Patient", baseTable, contactJoins, map[string]fhir.SearchParam{
	"active": {
		Modifiers: []fhir.SearchModifier{fhir.ModifierNot},
		Entity:    baseTable,
		Columns:   []string{"active"},
		Type:      fhir.TypeBool,
	},
	"deceased": {
		Modifiers: []fhir.SearchModifier{fhir.ModifierNot},
		Entity:    baseTable,
		Columns:   []string{"deceased"},
		Type:      fhir.TypeBool,
	},
	"birthdate": {
		Ordered:  true,
		Prefixes: fhir.AllPrefixes,
		Entity:   baseTable,
		Columns:  []string{"dob"},
		Type:     fhir.TypeDate,
	},
	"death-date": {
		Ordered:  true,
		Prefixes: fhir.AllPrefixes,
		Entity:   baseTable,
		Columns:  []string{"deceased_date"},
		Type:     fhir.TypeDate,
	},
	"given": {
		Modifiers: []fhir.SearchModifier{fhir.ModifierExact, fhir.ModifierContains, fhir.ModifierMissing},
		Entity:    baseTable,
		Columns:   []string{"first_name"},
		Type:      fhir.TypeString,
	},
	"family": {
		Modifiers: []fhir.SearchModifier{fhir.ModifierExact, fhir.ModifierContains, fhir.ModifierMissing},
		Entity:    baseTable,
		Columns:   []string{"last_name"},
		Type:      fhir.TypeString,
	},
	"name": {
		Modifiers: []fhir.SearchModifier{fhir.ModifierExact, fhir.ModifierContains},
		Entity:    baseTable,
		Columns:   []string{"first_name", "last_name", "middle_name"},
		Type:      fhir.TypeString,
	},
	"gender": {
		Modifiers:  []fhir.SearchModifier{fhir.ModifierNot, fhir.ModifierIn, fhir.ModifierNotIn, fhir.ModifierMissing},
		Entity:     baseTable,
		Columns:    []string{"sex"},
		Type:       fhir.TypeToken,
		Validators: []fhir.ValueValidator{oneOf(Genders)},
	},
	"identifier": {
		Modifiers: []fhir.SearchModifier{fhir.ModifierMissing},
		Entity:    baseTable,
		SystemColumns: map[string]string{
			MRNSystem: "mrn",
			SSNSystem: "ssn",
		},
		Type: fhir.TypeToken,
	},
	"email": {
		Modifiers: []fhir.SearchModifier{fhir.ModifierExact, fhir.ModifierContains},
		Entity:    "email_address",
		Columns:   []string{"email"},
		Type:      fhir.TypeString,
	},
	"phone": {
		Modifiers: []fhir.SearchModifier{fhir.ModifierExact, fhir.ModifierContains},
		Entity:    "phone_number",
		Columns:   []string{"number"},
		Type:      fhir.TypeString,
	},
	"address-city": {
		Modifiers: []fhir.SearchModifier{fhir.ModifierExact, fhir.ModifierContains},
		Entity:    "address",
		Columns:   []string{"city"},
		Type:      fhir.TypeString,
	},
	"address-state": {
		Modifiers: []fhir.SearchModifier{fhir.ModifierExact},
		Entity:    "address",
		Columns:   []string{"state"},
		Type:      fhir.TypeString,
	},
	"address-postalcode": {
		Modifiers: []fhir.SearchModifier{fhir.ModifierExact, fhir.ModifierContains},
		Entity:    "address",
		Columns:   []string{"zipcode"},
		Type:      fhir.TypeString,
	},
})

func oneOf(allowed []string) fhir.ValueValidator {
	return func(v any) error {
		s, _ := v.(string)
		for _, a := range allowed {
			if s == a {
				return nil
			}
		}
		return fmt.Errorf("must be one of %v", allowed)
	}
}
