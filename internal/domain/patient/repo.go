package patient

import (
	"context"
	"errors"

	"github.com/josephneumann/unkani-sub000/internal/platform/fhir"
)

var ErrPatientNotFound = errors.New("patient not found")

type PatientRepository interface {
	// GetByID loads the patient with its active phones and addresses and all
	// of its emails.
	GetByID(ctx context.Context, id int64) (*Patient, error)
	Exists(ctx context.Context, id int64) (bool, error)
	// Search returns the filtered query without running it.
	Search(spec *fhir.SearchSpec) fhir.SearchSource
}
