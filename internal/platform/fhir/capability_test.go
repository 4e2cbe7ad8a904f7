package fhir

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestCapabilityBuilder_Build(t *testing.T) {
	cs := NewCapabilityBuilder("unkani", "1.2.3").
		AddTable(testTable(t), "read", "search-type").
		Build()

	if cs.ResourceType != "CapabilityStatement" || cs.FHIRVersion != "3.0.1" {
		t.Errorf("unexpected header fields: %s %s", cs.ResourceType, cs.FHIRVersion)
	}
	if cs.Software.Name != "unkani" || cs.Software.Version != "1.2.3" {
		t.Errorf("unexpected software %+v", cs.Software)
	}
	if len(cs.Rest) != 1 || len(cs.Rest[0].Resource) != 1 {
		t.Fatalf("expected one rest block with one resource")
	}

	res := cs.Rest[0].Resource[0]
	if res.Type != "Patient" || len(res.Interaction) != 2 {
		t.Errorf("unexpected resource %+v", res)
	}
	if res.SearchParam[0].Name != "_id" || res.SearchParam[1].Name != "_lastUpdated" {
		t.Errorf("expected params in name order, got %s, %s", res.SearchParam[0].Name, res.SearchParam[1].Name)
	}

	byName := map[string]CapabilitySearchParam{}
	for _, sp := range res.SearchParam {
		byName[sp.Name] = sp
	}
	if byName["birthdate"].Type != "date" || byName["_id"].Type != "number" || byName["active"].Type != "token" {
		t.Errorf("unexpected FHIR types: %+v", byName)
	}
	if byName["birthdate"].Documentation != "prefixes: eq ne lt le gt ge" {
		t.Errorf("unexpected documentation %q", byName["birthdate"].Documentation)
	}
	if byName["given"].Documentation != "modifiers: exact contains missing" {
		t.Errorf("unexpected documentation %q", byName["given"].Documentation)
	}
}

func TestCapabilityBuilder_AddResource(t *testing.T) {
	cs := NewCapabilityBuilder("unkani", "dev").
		AddTable(testTable(t), "read").
		AddResource("ValueSet", "read").
		Build()

	resources := cs.Rest[0].Resource
	if len(resources) != 2 {
		t.Fatalf("expected 2 resources, got %d", len(resources))
	}
	vs := resources[1]
	if vs.Type != "ValueSet" || len(vs.Interaction) != 1 || vs.Interaction[0].Code != "read" {
		t.Errorf("unexpected resource %+v", vs)
	}
	if vs.SearchParam != nil {
		t.Errorf("expected no search params, got %+v", vs.SearchParam)
	}
}

func TestCapabilityBuilder_Handler(t *testing.T) {
	e := echo.New()
	e.GET("/fhir/metadata", NewCapabilityBuilder("unkani", "dev").AddTable(testTable(t), "read").Handler())

	req := httptest.NewRequest(http.MethodGet, "/fhir/metadata", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["resourceType"] != "CapabilityStatement" || body["kind"] != "instance" {
		t.Errorf("unexpected body %v", body)
	}
}
