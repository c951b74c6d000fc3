package scenario

import (
	"encoding/json"
	"errors"
	"io/fs"
	"strings"
	"testing"
	"testing/fstest"
)

func TestDefaultTemplates_ContainsKnownSet(t *testing.T) {
	for name := range knownTemplates {
		if _, err := fs.ReadFile(DefaultTemplates(), name); err != nil {
			t.Errorf("embedded template %s: %v", name, err)
		}
	}
}

func TestResolve_SubstitutesFields(t *testing.T) {
	sc := testContext()
	r := NewTemplateResolver(DefaultTemplates())

	out, err := r.Resolve(TemplatePatient, sc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Contains(out, "{{") {
		t.Errorf("unresolved placeholder in %s", out)
	}

	var patient struct {
		ResourceType string `json:"resourceType"`
		Identifier   []struct {
			Value string `json:"value"`
		} `json:"identifier"`
		Name []struct {
			Family string   `json:"family"`
			Given  []string `json:"given"`
		} `json:"name"`
	}
	if err := json.Unmarshal([]byte(out), &patient); err != nil {
		t.Fatalf("resolved patient is not JSON: %v", err)
	}
	if patient.Identifier[0].Value != sc.MustGet(SourcePatID) {
		t.Errorf("identifier = %q, want %q", patient.Identifier[0].Value, sc.MustGet(SourcePatID))
	}
	if patient.Name[0].Family != "Doe" || patient.Name[0].Given[0] != "Jane" {
		t.Errorf("unexpected name %+v", patient.Name[0])
	}
}

func TestResolve_Idempotent(t *testing.T) {
	sc := testContext()
	r := NewTemplateResolver(DefaultTemplates())

	a, err := r.Resolve(TemplateCDA, sc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := r.Resolve(TemplateCDA, sc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a != b {
		t.Error("expected identical output for unchanged context")
	}
	if !strings.Contains(a, `<id root="`+sc.MustGet(DocID)+`"/>`) {
		t.Error("expected document id in CDA")
	}
}

func TestResolve_NoEscaping(t *testing.T) {
	sc := testContext(WithNames(func() (string, string) { return `<b>"Ann"</b>`, "O'Neil & Sons" }))
	r := NewTemplateResolver(fstest.MapFS{
		TemplateImage: {Data: []byte(`<text>{{ firstName }} {{lastName}}</text>`)},
	})

	out, err := r.Resolve(TemplateImage, sc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := `<text><b>"Ann"</b> O'Neil & Sons</text>`; out != want {
		t.Errorf("got %q, want %q", out, want)
	}
}

func TestResolve_UnknownTemplate(t *testing.T) {
	r := NewTemplateResolver(fstest.MapFS{"Other.json": {Data: []byte(`{}`)}})

	if _, err := r.Resolve("Other.json", testContext()); !errors.Is(err, ErrTemplateNotFound) {
		t.Errorf("expected ErrTemplateNotFound for name outside the known set, got %v", err)
	}
	if _, err := r.Resolve(TemplatePatient, testContext()); !errors.Is(err, ErrTemplateNotFound) {
		t.Errorf("expected ErrTemplateNotFound for missing file, got %v", err)
	}
}

func TestResolve_MissingField(t *testing.T) {
	r := NewTemplateResolver(DefaultTemplates())

	_, err := r.Resolve(TemplateBinary1, testContext())
	if !errors.Is(err, ErrMissingField) {
		t.Fatalf("expected ErrMissingField, got %v", err)
	}
	if !strings.Contains(err.Error(), string(CDABase64)) {
		t.Errorf("expected error to name the field: %v", err)
	}
}
