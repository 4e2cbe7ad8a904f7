package patient

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/josephneumann/unkani-sub000/internal/platform/db"
	"github.com/josephneumann/unkani-sub000/internal/platform/fhir"
)

type patientRepoPG struct {
	pool db.DB
}

func NewPatientRepo(pool db.DB) PatientRepository {
	return &patientRepoPG{pool: pool}
}

// patientCols is qualified because searches may join contact tables.
const patientCols = `patient.id, patient.first_name, patient.middle_name, patient.last_name,
	patient.prefix, patient.suffix, patient.sex, patient.dob, patient.ssn, patient.mrn,
	patient.race, patient.ethnicity, patient.marital_status, patient.preferred_language,
	patient.deceased, patient.deceased_date, patient.multiple_birth, patient.active,
	patient.created_at, patient.updated_at`

const searchOrder = "patient.last_name, patient.first_name, patient.id"

func (r *patientRepoPG) GetByID(ctx context.Context, id int64) (*Patient, error) {
	q, err := db.Conn(ctx, r.pool)
	if err != nil {
		return nil, err
	}
	p, err := scanPatient(q.QueryRow(ctx, `SELECT `+patientCols+` FROM patient WHERE patient.id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("patient by id: %w", err)
	}
	if err := loadContacts(ctx, q, []*Patient{p}); err != nil {
		return nil, err
	}
	return p, nil
}

func (r *patientRepoPG) Exists(ctx context.Context, id int64) (bool, error) {
	q, err := db.Conn(ctx, r.pool)
	if err != nil {
		return false, err
	}
	var ok bool
	if err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM patient WHERE id = $1)`, id).Scan(&ok); err != nil {
		return false, fmt.Errorf("patient exists: %w", err)
	}
	return ok, nil
}

func (r *patientRepoPG) Search(spec *fhir.SearchSpec) fhir.SearchSource {
	sq := fhir.NewSearchQuery(baseTable, patientCols)
	sq.ApplySpec(spec)
	sq.OrderBy(searchOrder)
	return &patientSearch{pool: r.pool, q: sq}
}

// patientSearch runs a composed query once the bundle assembler asks for it.
type patientSearch struct {
	pool db.DB
	q    *fhir.SearchQuery
}

func (s *patientSearch) Count(ctx context.Context) (int, error) {
	q, err := db.Conn(ctx, s.pool)
	if err != nil {
		return 0, err
	}
	var total int
	if err := q.QueryRow(ctx, s.q.CountSQL(), s.q.CountArgs()...).Scan(&total); err != nil {
		return 0, fmt.Errorf("count patients: %w", err)
	}
	return total, nil
}

func (s *patientSearch) Fetch(ctx context.Context, limit, offset int) ([]fhir.Convertible, error) {
	q, err := db.Conn(ctx, s.pool)
	if err != nil {
		return nil, err
	}
	rows, err := q.Query(ctx, s.q.DataSQL(limit, offset), s.q.DataArgs(limit, offset)...)
	if err != nil {
		return nil, fmt.Errorf("search patients: %w", err)
	}
	defer rows.Close()

	var patients []*Patient
	for rows.Next() {
		p, err := scanPatient(rows)
		if err != nil {
			return nil, fmt.Errorf("scan patient: %w", err)
		}
		patients = append(patients, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("search patients: %w", err)
	}
	rows.Close()

	if err := loadContacts(ctx, q, patients); err != nil {
		return nil, err
	}
	out := make([]fhir.Convertible, len(patients))
	for i, p := range patients {
		out[i] = p
	}
	return out, nil
}

// loadContacts fills emails, phones and addresses for every patient with one
// query per table.
func loadContacts(ctx context.Context, q db.Querier, patients []*Patient) error {
	if len(patients) == 0 {
		return nil
	}
	byID := make(map[int64]*Patient, len(patients))
	ids := make([]int64, 0, len(patients))
	for _, p := range patients {
		byID[p.ID] = p
		ids = append(ids, p.ID)
	}

	rows, err := q.Query(ctx, `
		SELECT id, patient_id, email, is_primary, active FROM email_address
		WHERE patient_id = ANY($1)
		ORDER BY patient_id, active DESC, is_primary DESC, id`, ids)
	if err != nil {
		return fmt.Errorf("load patient emails: %w", err)
	}
	for rows.Next() {
		var e EmailAddress
		if err := rows.Scan(&e.ID, &e.PatientID, &e.Email, &e.IsPrimary, &e.Active); err != nil {
			rows.Close()
			return fmt.Errorf("scan patient email: %w", err)
		}
		byID[e.PatientID].Emails = append(byID[e.PatientID].Emails, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("load patient emails: %w", err)
	}

	rows, err = q.Query(ctx, `
		SELECT id, patient_id, number, type, is_primary FROM phone_number
		WHERE patient_id = ANY($1) AND active
		ORDER BY patient_id, is_primary DESC, id`, ids)
	if err != nil {
		return fmt.Errorf("load patient phones: %w", err)
	}
	for rows.Next() {
		var ph PhoneNumber
		if err := rows.Scan(&ph.ID, &ph.PatientID, &ph.Number, &ph.Type, &ph.IsPrimary); err != nil {
			rows.Close()
			return fmt.Errorf("scan patient phone: %w", err)
		}
		byID[ph.PatientID].Phones = append(byID[ph.PatientID].Phones, ph)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("load patient phones: %w", err)
	}

	rows, err = q.Query(ctx, `
		SELECT id, patient_id, address1, address2, city, state, zipcode, use,
			is_postal, is_physical, is_primary, start_date, end_date
		FROM address
		WHERE patient_id = ANY($1) AND active
		ORDER BY patient_id, is_primary DESC, id`, ids)
	if err != nil {
		return fmt.Errorf("load patient addresses: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var a Address
		if err := rows.Scan(
			&a.ID, &a.PatientID, &a.Address1, &a.Address2, &a.City, &a.State, &a.Zipcode, &a.Use,
			&a.IsPostal, &a.IsPhysical, &a.IsPrimary, &a.StartDate, &a.EndDate,
		); err != nil {
			return fmt.Errorf("scan patient address: %w", err)
		}
		byID[a.PatientID].Addresses = append(byID[a.PatientID].Addresses, a)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("load patient addresses: %w", err)
	}
	return nil
}

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	err := row.Scan(
		&p.ID, &p.FirstName, &p.MiddleName, &p.LastName,
		&p.Prefix, &p.Suffix, &p.Sex, &p.DOB, &p.SSN, &p.MRN,
		&p.Race, &p.Ethnicity, &p.MaritalStatus, &p.PreferredLanguage,
		&p.Deceased, &p.DeceasedDate, &p.MultipleBirth, &p.Active,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrPatientNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}
