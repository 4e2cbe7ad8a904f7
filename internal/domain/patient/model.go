package patient

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/josephneumann/unkani-sub000/internal/domain/terminology"
	"github.com/josephneumann/unkani-sub000/internal/platform/fhir"
)

// Identifier systems of the two identifiers a patient can carry.
const (
	MRNSystem = "urn:unkani:mrn"
	SSNSystem = "http://hl7.org/fhir/sid/us-ssn"
)

const (
	identifierTypeSystem = "http://hl7.org/fhir/v2/0203"
	usCoreRace           = "http://hl7.org/fhir/us/core/StructureDefinition/us-core-race"
	usCoreEthnicity      = "http://hl7.org/fhir/us/core/StructureDefinition/us-core-ethnicity"
	dateLayout           = "2006-01-02"
)

// Phone types as stored in phone_number.type.
const (
	PhoneHome   = "H"
	PhoneMobile = "C"
	PhoneWork   = "W"
)

var phoneUse = map[string]string{PhoneHome: "home", PhoneMobile: "mobile", PhoneWork: "work"}

// Genders accepted in patient.sex.
var Genders = []string{"male", "female", "other", "unknown"}

// Patient maps to the patient table plus its contact rows.
type Patient struct {
	ID                int64      `db:"id" json:"id"`
	FirstName         *string    `db:"first_name" json:"first_name,omitempty"`
	MiddleName        *string    `db:"middle_name" json:"middle_name,omitempty"`
	LastName          *string    `db:"last_name" json:"last_name,omitempty"`
	Prefix            *string    `db:"prefix" json:"prefix,omitempty"`
	Suffix            *string    `db:"suffix" json:"suffix,omitempty"`
	Sex               *string    `db:"sex" json:"sex,omitempty"`
	DOB               *time.Time `db:"dob" json:"dob,omitempty"`
	SSN               *string    `db:"ssn" json:"-"`
	MRN               *string    `db:"mrn" json:"mrn,omitempty"`
	Race              *string    `db:"race" json:"race,omitempty"`
	Ethnicity         *string    `db:"ethnicity" json:"ethnicity,omitempty"`
	MaritalStatus     *string    `db:"marital_status" json:"marital_status,omitempty"`
	PreferredLanguage *string    `db:"preferred_language" json:"preferred_language,omitempty"`
	Deceased          bool       `db:"deceased" json:"deceased"`
	DeceasedDate      *time.Time `db:"deceased_date" json:"deceased_date,omitempty"`
	MultipleBirth     bool       `db:"multiple_birth" json:"multiple_birth"`
	Active            bool       `db:"active" json:"active"`
	CreatedAt         time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at" json:"updated_at"`

	Emails    []EmailAddress `json:"emails,omitempty"`
	Phones    []PhoneNumber  `json:"phones,omitempty"`
	Addresses []Address      `json:"addresses,omitempty"`
}

// EmailAddress maps to email_address rows owned by a patient.
type EmailAddress struct {
	ID        int64  `db:"id" json:"id"`
	PatientID int64  `db:"patient_id" json:"patient_id"`
	Email     string `db:"email" json:"email"`
	IsPrimary bool   `db:"is_primary" json:"is_primary"`
	Active    bool   `db:"active" json:"active"`
}

// PhoneNumber maps to phone_number rows owned by a patient.
type PhoneNumber struct {
	ID        int64  `db:"id" json:"id"`
	PatientID int64  `db:"patient_id" json:"patient_id"`
	Number    string `db:"number" json:"number"`
	Type      string `db:"type" json:"type"`
	IsPrimary bool   `db:"is_primary" json:"is_primary"`
}

// Address maps to address rows owned by a patient.
type Address struct {
	ID         int64      `db:"id" json:"id"`
	PatientID  int64      `db:"patient_id" json:"patient_id"`
	Address1   *string    `db:"address1" json:"address1,omitempty"`
	Address2   *string    `db:"address2" json:"address2,omitempty"`
	City       *string    `db:"city" json:"city,omitempty"`
	State      *string    `db:"state" json:"state,omitempty"`
	Zipcode    *string    `db:"zipcode" json:"zipcode,omitempty"`
	Use        *string    `db:"use" json:"use,omitempty"`
	IsPostal   bool       `db:"is_postal" json:"is_postal"`
	IsPhysical bool       `db:"is_physical" json:"is_physical"`
	IsPrimary  bool       `db:"is_primary" json:"is_primary"`
	StartDate  *time.Time `db:"start_date" json:"start_date,omitempty"`
	EndDate    *time.Time `db:"end_date" json:"end_date,omitempty"`
}

// Resource is the FHIR STU3 Patient rendering. Field order fixes the JSON
// member order, so equal patients always serialize to equal bytes.
type Resource struct {
	ResourceType         string                `json:"resourceType"`
	ID                   string                `json:"id"`
	Meta                 *fhir.Meta            `json:"meta,omitempty"`
	Extension            []fhir.Extension      `json:"extension,omitempty"`
	Identifier           []fhir.Identifier     `json:"identifier,omitempty"`
	Active               *bool                 `json:"active,omitempty"`
	Name                 []fhir.HumanName      `json:"name,omitempty"`
	Telecom              []fhir.ContactPoint   `json:"telecom,omitempty"`
	Gender               string                `json:"gender,omitempty"`
	BirthDate            string                `json:"birthDate,omitempty"`
	DeceasedBoolean      *bool                 `json:"deceasedBoolean,omitempty"`
	DeceasedDateTime     string                `json:"deceasedDateTime,omitempty"`
	Address              []fhir.Address        `json:"address,omitempty"`
	MaritalStatus        *fhir.CodeableConcept `json:"maritalStatus,omitempty"`
	MultipleBirthBoolean *bool                 `json:"multipleBirthBoolean,omitempty"`
	Communication        []Communication       `json:"communication,omitempty"`
}

type Communication struct {
	Language  fhir.CodeableConcept `json:"language"`
	Preferred bool                 `json:"preferred,omitempty"`
}

var errNoID = errors.New("patient has no id")

func (p *Patient) ResourceType() string { return "Patient" }

func (p *Patient) ResourceID() string { return strconv.FormatInt(p.ID, 10) }

// ToFHIR implements fhir.Convertible.
func (p *Patient) ToFHIR() (interface{}, error) {
	r, err := p.Resource()
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Resource renders the patient as a FHIR Patient.
func (p *Patient) Resource() (*Resource, error) {
	if p.ID <= 0 {
		return nil, errNoID
	}
	lastUpdated := p.UpdatedAt.UTC()
	r := &Resource{
		ResourceType:         "Patient",
		ID:                   p.ResourceID(),
		Meta:                 &fhir.Meta{LastUpdated: &lastUpdated},
		Active:               boolPtr(p.Active),
		MultipleBirthBoolean: boolPtr(p.MultipleBirth),
	}

	r.Extension = p.extensions()
	r.Identifier = p.identifiers()
	if name, ok := p.name(); ok {
		r.Name = []fhir.HumanName{name}
	}
	r.Telecom = p.telecom()
	if p.Sex != nil {
		r.Gender = *p.Sex
	}
	if p.DOB != nil {
		r.BirthDate = p.DOB.Format(dateLayout)
	}
	if p.DeceasedDate != nil {
		r.DeceasedDateTime = p.DeceasedDate.Format(dateLayout)
	} else {
		r.DeceasedBoolean = boolPtr(p.Deceased)
	}
	for _, a := range p.Addresses {
		r.Address = append(r.Address, a.toFHIR())
	}
	r.MaritalStatus = p.maritalStatus()
	if p.PreferredLanguage != nil {
		if coding, ok := terminology.Default().Coding(terminology.ValueSetLanguage, *p.PreferredLanguage); ok {
			r.Communication = []Communication{{
				Language:  fhir.CodeableConcept{Coding: []fhir.Coding{coding}, Text: coding.Display},
				Preferred: true,
			}}
		}
	}
	return r, nil
}

func (p *Patient) name() (fhir.HumanName, bool) {
	n := fhir.HumanName{Use: "official"}
	if p.LastName != nil {
		n.Family = *p.LastName
	}
	if p.FirstName != nil {
		n.Given = append(n.Given, *p.FirstName)
	}
	if p.MiddleName != nil {
		n.Given = append(n.Given, *p.MiddleName)
	}
	if p.Prefix != nil {
		n.Prefix = []string{*p.Prefix}
	}
	if p.Suffix != nil {
		n.Suffix = []string{*p.Suffix}
	}
	if n.Family == "" && len(n.Given) == 0 {
		return n, false
	}
	parts := append(append(append([]string{}, n.Prefix...), n.Given...), n.Family)
	parts = append(parts, n.Suffix...)
	n.Text = strings.Join(strings.Fields(strings.Join(parts, " ")), " ")
	return n, true
}

func (p *Patient) identifiers() []fhir.Identifier {
	var ids []fhir.Identifier
	if p.MRN != nil {
		ids = append(ids, fhir.Identifier{
			Use:    "usual",
			Type:   identifierType("MR", "Medical record number"),
			System: MRNSystem,
			Value:  *p.MRN,
		})
	}
	if p.SSN != nil {
		ids = append(ids, fhir.Identifier{
			Use:    "official",
			Type:   identifierType("SS", "Social Security number"),
			System: SSNSystem,
			Value:  *p.SSN,
		})
	}
	return ids
}

func identifierType(code, display string) *fhir.CodeableConcept {
	return &fhir.CodeableConcept{Coding: []fhir.Coding{{System: identifierTypeSystem, Code: code, Display: display}}}
}

// telecom lists emails then phones. Emails rank primary 1, other active 2 and
// inactive 3 with use "old"; phones rank primary 1, others 2.
func (p *Patient) telecom() []fhir.ContactPoint {
	var out []fhir.ContactPoint
	for _, e := range p.Emails {
		cp := fhir.ContactPoint{System: "email", Value: e.Email, Use: "home", Rank: 2}
		switch {
		case !e.Active:
			cp.Use, cp.Rank = "old", 3
		case e.IsPrimary:
			cp.Rank = 1
		}
		out = append(out, cp)
	}
	for _, ph := range p.Phones {
		cp := fhir.ContactPoint{System: "phone", Value: ph.Number, Use: phoneUse[ph.Type], Rank: 2}
		if ph.IsPrimary {
			cp.Rank = 1
		}
		out = append(out, cp)
	}
	return out
}

func (p *Patient) maritalStatus() *fhir.CodeableConcept {
	if p.MaritalStatus == nil {
		return nil
	}
	reg := terminology.Default()
	coding, ok := reg.Coding(terminology.ValueSetMaritalStatus, *p.MaritalStatus)
	if !ok {
		coding, ok = reg.Coding(terminology.ValueSetMaritalStatusNull, *p.MaritalStatus)
	}
	if !ok {
		return nil
	}
	return &fhir.CodeableConcept{Coding: []fhir.Coding{coding}, Text: coding.Display}
}

func (p *Patient) extensions() []fhir.Extension {
	var out []fhir.Extension
	if ext, ok := ombExtension(usCoreRace, terminology.ValueSetRace, p.Race); ok {
		out = append(out, ext)
	}
	if ext, ok := ombExtension(usCoreEthnicity, terminology.ValueSetEthnicity, p.Ethnicity); ok {
		out = append(out, ext)
	}
	return out
}

func ombExtension(url, valueSet string, code *string) (fhir.Extension, bool) {
	if code == nil {
		return fhir.Extension{}, false
	}
	coding, ok := terminology.Default().Coding(valueSet, *code)
	if !ok {
		return fhir.Extension{}, false
	}
	return fhir.Extension{
		URL: url,
		Extension: []fhir.Extension{
			{URL: "ombCategory", ValueCoding: &coding},
			{URL: "text", ValueString: coding.Display},
		},
	}, true
}

func (a Address) toFHIR() fhir.Address {
	out := fhir.Address{Text: a.Text()}
	if a.Address1 != nil {
		out.Line = append(out.Line, *a.Address1)
	}
	if a.Address2 != nil {
		out.Line = append(out.Line, *a.Address2)
	}
	if a.City != nil {
		out.City = *a.City
	}
	if a.State != nil {
		out.State = *a.State
	}
	if a.Zipcode != nil {
		out.PostalCode = *a.Zipcode
	}
	if a.Use != nil {
		out.Use = strings.ToLower(*a.Use)
	}
	switch {
	case a.IsPostal && a.IsPhysical:
		out.Type = "both"
	case a.IsPostal:
		out.Type = "postal"
	case a.IsPhysical:
		out.Type = "physical"
	}
	if a.StartDate != nil || a.EndDate != nil {
		out.Period = &fhir.Period{}
		if a.StartDate != nil {
			out.Period.Start = a.StartDate.Format(dateLayout)
		}
		if a.EndDate != nil {
			out.Period.End = a.EndDate.Format(dateLayout)
		}
	}
	return out
}

// Text formats the address on up to three lines: street lines, then
// "City, ST zipcode".
func (a Address) Text() string {
	var lines []string
	if a.Address1 != nil && *a.Address1 != "" {
		lines = append(lines, *a.Address1)
	}
	if a.Address2 != nil && *a.Address2 != "" {
		lines = append(lines, *a.Address2)
	}
	var last string
	if a.City != nil && *a.City != "" {
		last = *a.City + ","
	}
	if a.State != nil && *a.State != "" {
		last += " " + *a.State
	}
	if a.Zipcode != nil && *a.Zipcode != "" {
		last += " " + *a.Zipcode
	}
	if last = strings.TrimSpace(last); last != "" {
		lines = append(lines, last)
	}
	return strings.Join(lines, "\n")
}

// FromFHIR parses a Patient resource back into the stored form. Contact rows
// come back without ids; the first address is taken as primary.
func FromFHIR(r *Resource) (*Patient, error) {
	if r.ResourceType != "Patient" {
		return nil, fmt.Errorf("expected resourceType Patient, got %q", r.ResourceType)
	}
	p := &Patient{}
	if r.ID != "" {
		id, err := strconv.ParseInt(r.ID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("patient id %q is not numeric", r.ID)
		}
		p.ID = id
	}
	if r.Meta != nil && r.Meta.LastUpdated != nil {
		p.UpdatedAt = *r.Meta.LastUpdated
	}
	if r.Active != nil {
		p.Active = *r.Active
	}
	if r.MultipleBirthBoolean != nil {
		p.MultipleBirth = *r.MultipleBirthBoolean
	}

	for _, n := range r.Name {
		if n.Use != "" && n.Use != "official" {
			continue
		}
		p.LastName = strPtr(n.Family)
		if len(n.Given) > 0 {
			p.FirstName = strPtr(n.Given[0])
		}
		if len(n.Given) > 1 {
			p.MiddleName = strPtr(strings.Join(n.Given[1:], " "))
		}
		if len(n.Prefix) > 0 {
			p.Prefix = strPtr(n.Prefix[0])
		}
		if len(n.Suffix) > 0 {
			p.Suffix = strPtr(n.Suffix[0])
		}
		break
	}

	for _, id := range r.Identifier {
		switch id.System {
		case MRNSystem:
			p.MRN = strPtr(id.Value)
		case SSNSystem:
			p.SSN = strPtr(id.Value)
		}
	}

	for _, cp := range r.Telecom {
		switch cp.System {
		case "email":
			p.Emails = append(p.Emails, EmailAddress{
				PatientID: p.ID,
				Email:     cp.Value,
				IsPrimary: cp.Rank == 1,
				Active:    cp.Use != "old",
			})
		case "phone":
			p.Phones = append(p.Phones, PhoneNumber{
				PatientID: p.ID,
				Number:    cp.Value,
				Type:      phoneType(cp.Use),
				IsPrimary: cp.Rank == 1,
			})
		}
	}

	p.Sex = strPtr(r.Gender)
	var err error
	if p.DOB, err = parseDate(r.BirthDate, "birthDate"); err != nil {
		return nil, err
	}
	if r.DeceasedDateTime != "" {
		p.Deceased = true
		if p.DeceasedDate, err = parseDate(r.DeceasedDateTime, "deceasedDateTime"); err != nil {
			return nil, err
		}
	} else if r.DeceasedBoolean != nil {
		p.Deceased = *r.DeceasedBoolean
	}

	for i, a := range r.Address {
		addr, err := addressFromFHIR(a)
		if err != nil {
			return nil, err
		}
		addr.PatientID = p.ID
		addr.IsPrimary = i == 0
		p.Addresses = append(p.Addresses, addr)
	}

	if r.MaritalStatus != nil && len(r.MaritalStatus.Coding) > 0 {
		p.MaritalStatus = strPtr(r.MaritalStatus.Coding[0].Code)
	}
	for _, c := range r.Communication {
		if len(c.Language.Coding) > 0 {
			p.PreferredLanguage = strPtr(c.Language.Coding[0].Code)
			if c.Preferred {
				break
			}
		}
	}
	for _, ext := range r.Extension {
		code := ombCode(ext)
		switch ext.URL {
		case usCoreRace:
			p.Race = code
		case usCoreEthnicity:
			p.Ethnicity = code
		}
	}
	return p, nil
}

func addressFromFHIR(a fhir.Address) (Address, error) {
	out := Address{
		City:    strPtr(a.City),
		State:   strPtr(a.State),
		Zipcode: strPtr(a.PostalCode),
		Use:     strPtr(a.Use),
	}
	if len(a.Line) > 0 {
		out.Address1 = strPtr(a.Line[0])
	}
	if len(a.Line) > 1 {
		out.Address2 = strPtr(a.Line[1])
	}
	switch a.Type {
	case "both":
		out.IsPostal, out.IsPhysical = true, true
	case "postal":
		out.IsPostal = true
	case "physical":
		out.IsPhysical = true
	}
	if a.Period != nil {
		var err error
		if out.StartDate, err = parseDate(a.Period.Start, "address.period.start"); err != nil {
			return out, err
		}
		if out.EndDate, err = parseDate(a.Period.End, "address.period.end"); err != nil {
			return out, err
		}
	}
	return out, nil
}

func ombCode(ext fhir.Extension) *string {
	for _, sub := range ext.Extension {
		if sub.URL == "ombCategory" && sub.ValueCoding != nil {
			return strPtr(sub.ValueCoding.Code)
		}
	}
	return nil
}

func phoneType(use string) string {
	for t, u := range phoneUse {
		if u == use {
			return t
		}
	}
	return PhoneHome
}

func parseDate(s, field string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := fhir.ParseFlexDate(s)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", field, err)
	}
	d := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return &d, nil
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func boolPtr(b bool) *bool { return &b }
