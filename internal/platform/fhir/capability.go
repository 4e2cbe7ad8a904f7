package fhir

import (
	"net/http"
	"sort"

	"github.com/labstack/echo/v4"
)

// CapabilityStatement is the STU3 server conformance resource served at /metadata.
type CapabilityStatement struct {
	ResourceType  string              `json:"resourceType"`
	Status        string              `json:"status"`
	Kind          string              `json:"kind"`
	Software      *CapabilitySoftware `json:"software,omitempty"`
	FHIRVersion   string              `json:"fhirVersion"`
	AcceptUnknown string              `json:"acceptUnknown"`
	Format        []string            `json:"format"`
	Rest          []CapabilityRest    `json:"rest"`
}

type CapabilitySoftware struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

type CapabilityRest struct {
	Mode     string               `json:"mode"`
	Security *CapabilitySecurity  `json:"security,omitempty"`
	Resource []CapabilityResource `json:"resource"`
}

type CapabilitySecurity struct {
	Service     []CodeableConcept `json:"service,omitempty"`
	Description string            `json:"description,omitempty"`
}

type CapabilityResource struct {
	Type        string                  `json:"type"`
	Interaction []CapabilityInteraction `json:"interaction"`
	SearchParam []CapabilitySearchParam `json:"searchParam,omitempty"`
}

type CapabilityInteraction struct {
	Code string `json:"code"`
}

type CapabilitySearchParam struct {
	Name          string `json:"name"`
	Type          string `json:"type"`
	Documentation string `json:"documentation,omitempty"`
}

// searchParamFHIRType maps internal value types to FHIR search parameter types.
var searchParamFHIRType = map[ValueType]string{
	TypeBool:     "token",
	TypeDate:     "date",
	TypeDateTime: "date",
	TypeInt:      "number",
	TypeString:   "string",
	TypeToken:    "token",
}

// CapabilityBuilder accumulates resources for the server CapabilityStatement.
type CapabilityBuilder struct {
	name      string
	version   string
	resources []CapabilityResource
}

// NewCapabilityBuilder creates a builder for the named server software.
func NewCapabilityBuilder(name, version string) *CapabilityBuilder {
	return &CapabilityBuilder{name: name, version: version}
}

// AddTable registers a resource with its interactions; search parameters are
// taken from the capability table in name order.
func (b *CapabilityBuilder) AddTable(t *CapabilityTable, interactions ...string) *CapabilityBuilder {
	names := make([]string, 0, len(t.Params))
	for name := range t.Params {
		names = append(names, name)
	}
	sort.Strings(names)

	res := newCapabilityResource(t.Resource, interactions)
	for _, name := range names {
		p := t.Params[name]
		res.SearchParam = append(res.SearchParam, CapabilitySearchParam{
			Name:          name,
			Type:          searchParamFHIRType[p.Type],
			Documentation: paramDocumentation(p),
		})
	}
	b.resources = append(b.resources, res)
	return b
}

// AddResource registers a resource that has no search parameters.
func (b *CapabilityBuilder) AddResource(resourceType string, interactions ...string) *CapabilityBuilder {
	b.resources = append(b.resources, newCapabilityResource(resourceType, interactions))
	return b
}

func newCapabilityResource(resourceType string, interactions []string) CapabilityResource {
	res := CapabilityResource{Type: resourceType}
	for _, code := range interactions {
		res.Interaction = append(res.Interaction, CapabilityInteraction{Code: code})
	}
	return res
}

func paramDocumentation(p SearchParam) string {
	doc := ""
	if len(p.Modifiers) > 0 {
		doc = "modifiers:"
		for _, m := range p.Modifiers {
			doc += " " + string(m)
		}
	}
	if p.Ordered {
		if doc != "" {
			doc += "; "
		}
		doc += "prefixes:"
		for _, pr := range p.Prefixes {
			doc += " " + string(pr)
		}
	}
	return doc
}

// Build returns the CapabilityStatement.
func (b *CapabilityBuilder) Build() *CapabilityStatement {
	return &CapabilityStatement{
		ResourceType:  "CapabilityStatement",
		Status:        "active",
		Kind:          "instance",
		Software:      &CapabilitySoftware{Name: b.name, Version: b.version},
		FHIRVersion:   "3.0.1",
		AcceptUnknown: "no",
		Format:        []string{"application/fhir+json", "json"},
		Rest: []CapabilityRest{{
			Mode: "server",
			Security: &CapabilitySecurity{
				Service: []CodeableConcept{{
					Coding: []Coding{{
						System: "http://hl7.org/fhir/restful-security-service",
						Code:   "Basic",
					}},
					Text: "HTTP Basic to obtain a bearer token at /tokens; Bearer on every FHIR request",
				}},
			},
			Resource: b.resources,
		}},
	}
}

// Handler serves the statement.
func (b *CapabilityBuilder) Handler() echo.HandlerFunc {
	cs := b.Build()
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, cs)
	}
}
