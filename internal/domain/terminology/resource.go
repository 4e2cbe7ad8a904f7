package terminology

// Concept is one code of a CodeSystem or of a ValueSet include.
type Concept struct {
	Code    string `json:"code"`
	Display string `json:"display,omitempty"`
}

// ValueSet is the STU3 ValueSet resource for one named value set.
type ValueSet struct {
	ResourceType string          `json:"resourceType"`
	ID           string          `json:"id"`
	URL          string          `json:"url,omitempty"`
	Name         string          `json:"name"`
	Status       string          `json:"status"`
	Compose      ValueSetCompose `json:"compose"`
}

type ValueSetCompose struct {
	Include []ValueSetInclude `json:"include"`
}

type ValueSetInclude struct {
	System  string    `json:"system"`
	Concept []Concept `json:"concept"`
}

// CodeSystem is the STU3 CodeSystem resource. Only the codes some value set
// uses are known, so content is always "fragment".
type CodeSystem struct {
	ResourceType string    `json:"resourceType"`
	ID           string    `json:"id"`
	URL          string    `json:"url"`
	Name         string    `json:"name"`
	Status       string    `json:"status"`
	Content      string    `json:"content"`
	Count        int       `json:"count"`
	Concept      []Concept `json:"concept"`
}

func concepts(codes map[string]string) []Concept {
	out := make([]Concept, 0, len(codes))
	for _, code := range sortedCodes(codes) {
		out = append(out, Concept{Code: code, Display: codes[code]})
	}
	return out
}

// ValueSet renders the named value set with its concepts in code order.
func (r *Registry) ValueSet(name string) (*ValueSet, bool) {
	vs, ok := r.valueSets[name]
	if !ok {
		return nil, false
	}
	return &ValueSet{
		ResourceType: "ValueSet",
		ID:           name,
		Name:         name,
		Status:       "active",
		Compose: ValueSetCompose{Include: []ValueSetInclude{{
			System:  vs.system,
			Concept: concepts(vs.codes),
		}}},
	}, true
}

// CodeSystem renders the code system with the given id. Its concepts are the
// union of every value set drawn from it.
func (r *Registry) CodeSystem(id string) (*CodeSystem, bool) {
	url, ok := r.codeSystems[id]
	if !ok {
		return nil, false
	}
	codes := r.systems[url]
	return &CodeSystem{
		ResourceType: "CodeSystem",
		ID:           id,
		URL:          url,
		Name:         id,
		Status:       "active",
		Content:      "fragment",
		Count:        len(codes),
		Concept:      concepts(codes),
	}, true
}
