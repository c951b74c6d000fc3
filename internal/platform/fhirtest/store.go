package fhirtest

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/jembi/openshr-validation-tests/internal/platform/fhir"
)

// ErrNotFound is returned when a resource does not exist.
var ErrNotFound = errors.New("resource not found")

// store is an in-memory resource store keyed by resource type. Resources of
// a type are kept in creation order so searches are deterministic.
type store struct {
	mu        sync.RWMutex
	byType    map[string][]string
	resources map[string]map[string]interface{}
}

func newStore() *store {
	return &store{
		byType:    make(map[string][]string),
		resources: make(map[string]map[string]interface{}),
	}
}

// create assigns an id and version to resource and stores it.
func (s *store) create(resourceType string, resource map[string]interface{}) (fhir.Location, error) {
	if resource == nil {
		return fhir.Location{}, fmt.Errorf("%s: empty resource", resourceType)
	}
	if rt, _ := resource["resourceType"].(string); rt != resourceType {
		return fhir.Location{}, fmt.Errorf("resourceType %q does not match collection %s", rt, resourceType)
	}

	id := uuid.New().String()
	resource["id"] = id
	resource["meta"] = map[string]interface{}{"versionId": "1"}

	s.mu.Lock()
	defer s.mu.Unlock()
	ref := fhir.FormatReference(resourceType, id)
	s.resources[ref] = resource
	s.byType[resourceType] = append(s.byType[resourceType], id)
	return fhir.Location{ResourceType: resourceType, ID: id, VersionID: "1"}, nil
}

func (s *store) get(resourceType, id string) (map[string]interface{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.resources[fhir.FormatReference(resourceType, id)]
	if !ok {
		return nil, ErrNotFound
	}
	return r, nil
}

// remove deletes a resource created by a failed transaction.
func (s *store) remove(loc fhir.Location) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.resources, loc.Reference())
	ids := s.byType[loc.ResourceType]
	for i, id := range ids {
		if id == loc.ID {
			s.byType[loc.ResourceType] = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
}

// list returns every resource of resourceType for which match is true.
func (s *store) list(resourceType string, match func(map[string]interface{}) bool) []interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []interface{}
	for _, id := range s.byType[resourceType] {
		r := s.resources[fhir.FormatReference(resourceType, id)]
		if match(r) {
			out = append(out, r)
		}
	}
	return out
}

// patientsWithIdentifier returns references of patients carrying an
// identifier matching token ("value" or "system|value").
func (s *store) patientsWithIdentifier(token string) map[string]bool {
	system, value := "", token
	if i := strings.Index(token, "|"); i >= 0 {
		system, value = token[:i], token[i+1:]
	}

	refs := make(map[string]bool)
	for _, p := range s.list("Patient", func(map[string]interface{}) bool { return true }) {
		patient := p.(map[string]interface{})
		ids, _ := patient["identifier"].([]interface{})
		for _, raw := range ids {
			ident, _ := raw.(map[string]interface{})
			if ident["value"] != value {
				continue
			}
			if system != "" && ident["system"] != system {
				continue
			}
			refs[fhir.FormatReference("Patient", patient["id"].(string))] = true
		}
	}
	return refs
}

// subjectReference returns resource.subject.reference.
func subjectReference(resource map[string]interface{}) string {
	subject, _ := resource["subject"].(map[string]interface{})
	ref, _ := subject["reference"].(string)
	return ref
}
