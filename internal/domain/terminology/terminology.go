// Package terminology serves the static code systems the Patient resource
// codes against. Tables are loaded once at startup and never change.
package terminology

import (
	_ "embed"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/josephneumann/unkani-sub000/internal/platform/fhir"
)

const (
	MaritalStatusSystem = "http://hl7.org/fhir/v3/MaritalStatus"
	NullFlavorSystem    = "http://hl7.org/fhir/v3/NullFlavor"
	RaceEthnicitySystem = "urn:oid:2.16.840.1.113883.6.238"
	LanguageSystem      = "urn:ietf:bcp:47"
)

// Value set names as declared in codesystems.yaml.
const (
	ValueSetMaritalStatus     = "marital-status"
	ValueSetMaritalStatusNull = "marital-status-null"
	ValueSetRace              = "race"
	ValueSetEthnicity         = "ethnicity"
	ValueSetLanguage          = "language"
)

//go:embed codesystems.yaml
var codeSystemsYAML []byte

type concept struct {
	Code    string `yaml:"code"`
	Display string `yaml:"display"`
}

type valueSetDoc struct {
	Name       string    `yaml:"name"`
	CodeSystem string    `yaml:"codesystem"`
	System     string    `yaml:"system"`
	Concepts   []concept `yaml:"concepts"`
}

type valueSet struct {
	system string
	codes  map[string]string
}

// Registry holds displays keyed by system URL, plus named value sets. Each
// system URL has exactly one code system id.
type Registry struct {
	systems     map[string]map[string]string
	valueSets   map[string]valueSet
	codeSystems map[string]string // id -> system URL
	systemIDs   map[string]string // system URL -> id
}

// Parse builds a registry from the YAML layout of codesystems.yaml.
func Parse(data []byte) (*Registry, error) {
	var docs []valueSetDoc
	if err := yaml.Unmarshal(data, &docs); err != nil {
		return nil, fmt.Errorf("decode code systems: %w", err)
	}

	r := &Registry{
		systems:     make(map[string]map[string]string),
		valueSets:   make(map[string]valueSet),
		codeSystems: make(map[string]string),
		systemIDs:   make(map[string]string),
	}
	for _, d := range docs {
		if d.Name == "" || d.System == "" || d.CodeSystem == "" {
			return nil, fmt.Errorf("value set needs name, codesystem and system, got %q/%q/%q", d.Name, d.CodeSystem, d.System)
		}
		if _, dup := r.valueSets[d.Name]; dup {
			return nil, fmt.Errorf("value set %q declared twice", d.Name)
		}
		if id, ok := r.systemIDs[d.System]; ok && id != d.CodeSystem {
			return nil, fmt.Errorf("system %q is named both %q and %q", d.System, id, d.CodeSystem)
		}
		if url, ok := r.codeSystems[d.CodeSystem]; ok && url != d.System {
			return nil, fmt.Errorf("code system %q points at both %q and %q", d.CodeSystem, url, d.System)
		}
		r.codeSystems[d.CodeSystem] = d.System
		r.systemIDs[d.System] = d.CodeSystem

		codes := make(map[string]string, len(d.Concepts))
		sys := r.systems[d.System]
		if sys == nil {
			sys = make(map[string]string)
			r.systems[d.System] = sys
		}
		for _, c := range d.Concepts {
			if c.Code == "" {
				return nil, fmt.Errorf("value set %q has a concept without a code", d.Name)
			}
			codes[c.Code] = c.Display
			sys[c.Code] = c.Display
		}
		r.valueSets[d.Name] = valueSet{system: d.System, codes: codes}
	}
	return r, nil
}

// Lookup returns the display text of code in system.
func (r *Registry) Lookup(system, code string) (string, bool) {
	display, ok := r.systems[system][code]
	return display, ok
}

// Contains reports whether code belongs to the named value set.
func (r *Registry) Contains(valueSetName, code string) bool {
	_, ok := r.valueSets[valueSetName].codes[code]
	return ok
}

// Coding returns the coding for code in the named value set.
func (r *Registry) Coding(valueSetName, code string) (fhir.Coding, bool) {
	vs, ok := r.valueSets[valueSetName]
	if !ok {
		return fhir.Coding{}, false
	}
	display, ok := vs.codes[code]
	if !ok {
		return fhir.Coding{}, false
	}
	return fhir.Coding{System: vs.system, Code: code, Display: display}, true
}

// Codes lists the codes of a value set in lexical order.
func (r *Registry) Codes(valueSetName string) []string {
	return sortedCodes(r.valueSets[valueSetName].codes)
}

func sortedCodes(codes map[string]string) []string {
	out := make([]string, 0, len(codes))
	for c := range codes {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

var std = mustParse(codeSystemsYAML)

func mustParse(data []byte) *Registry {
	r, err := Parse(data)
	if err != nil {
		panic(fmt.Sprintf("embedded code systems: %v", err))
	}
	return r
}

// Default returns the registry built from the embedded tables.
func Default() *Registry { return std }

func Lookup(system, code string) (string, bool) { return std.Lookup(system, code) }
