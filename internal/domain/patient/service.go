package patient

import (
	"context"
	"fmt"

	"github.com/josephneumann/unkani-sub000/internal/platform/fhir"
)

type Service struct {
	patients PatientRepository
	opts     fhir.SearchOptions
}

// NewService builds the Patient service. With strict set, unknown search
// parameters are rejected instead of ignored.
func NewService(patients PatientRepository, strict bool) *Service {
	return &Service{patients: patients, opts: fhir.SearchOptions{Strict: strict}}
}

func (s *Service) GetPatient(ctx context.Context, id int64) (*Patient, error) {
	return s.patients.GetByID(ctx, id)
}

// RequirePatient returns ErrPatientNotFound unless id exists.
func (s *Service) RequirePatient(ctx context.Context, id int64) error {
	ok, err := s.patients.Exists(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrPatientNotFound
	}
	return nil
}

// Search parses params against SearchTable and returns the unexecuted query.
// A malformed parameter fails the whole search.
func (s *Service) Search(params []fhir.QueryParam) (fhir.SearchSource, error) {
	spec, err := fhir.ParseSearch(params, SearchTable, s.opts)
	if err != nil {
		return nil, err
	}
	return s.patients.Search(spec), nil
}

// Bundle runs a search and wraps the current page in a searchset bundle.
func (s *Service) Bundle(ctx context.Context, params []fhir.QueryParam, req fhir.BundleRequest) (*fhir.Bundle, error) {
	src, err := s.Search(params)
	if err != nil {
		return nil, err
	}
	b, err := fhir.AssembleBundle(ctx, src, req)
	if err != nil {
		return nil, fmt.Errorf("patient search: %w", err)
	}
	return b, nil
}
