package fhir

import (
	"encoding/json"
	"fmt"
	"strings"
)

// BundleEntryResponse represents the response details for an entry after
// a transaction Bundle has been processed.
type BundleEntryResponse struct {
	Status   string      `json:"status"`
	Location string      `json:"location,omitempty"`
	Outcome  interface{} `json:"outcome,omitempty"`
}

// TransactionEntry represents a single entry in a transaction Bundle.
type TransactionEntry struct {
	FullURL  string                 `json:"fullUrl,omitempty"`
	Resource map[string]interface{} `json:"resource,omitempty"`
	Request  BundleRequest          `json:"request"`
}

// TransactionBundle is the parsed representation of a FHIR transaction
// Bundle ready for processing.
type TransactionBundle struct {
	ResourceType string             `json:"resourceType"`
	Type         string             `json:"type"`
	Entries      []TransactionEntry `json:"entry,omitempty"`
}

// ParseTransactionBundle parses a raw JSON body into a TransactionBundle.
func ParseTransactionBundle(body []byte) (*TransactionBundle, error) {
	var raw struct {
		ResourceType string `json:"resourceType"`
		Type         string `json:"type"`
		Entry        []struct {
			FullURL  string          `json:"fullUrl,omitempty"`
			Resource json.RawMessage `json:"resource,omitempty"`
			Request  *BundleRequest  `json:"request,omitempty"`
		} `json:"entry,omitempty"`
	}

	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	if raw.ResourceType != "Bundle" {
		return nil, fmt.Errorf("expected resourceType Bundle, got %q", raw.ResourceType)
	}

	if raw.Type == "" {
		return nil, fmt.Errorf("bundle type is required")
	}

	bundle := &TransactionBundle{
		ResourceType: raw.ResourceType,
		Type:         raw.Type,
		Entries:      make([]TransactionEntry, 0, len(raw.Entry)),
	}

	for i, e := range raw.Entry {
		entry := TransactionEntry{
			FullURL: e.FullURL,
		}

		if len(e.Resource) > 0 {
			var res map[string]interface{}
			if err := json.Unmarshal(e.Resource, &res); err != nil {
				return nil, fmt.Errorf("invalid resource in entry %d: %w", i, err)
			}
			entry.Resource = res
		}

		if e.Request == nil {
			return nil, fmt.Errorf("entry %d has no request", i)
		}
		entry.Request = *e.Request

		bundle.Entries = append(bundle.Entries, entry)
	}

	return bundle, nil
}

// ResourceHandler performs the operation of a single transaction entry.
type ResourceHandler func(method, url string, resource map[string]interface{}) (*BundleEntryResponse, error)

// TransactionProcessor handles the execution of transaction Bundles.
type TransactionProcessor struct {
	handler ResourceHandler
}

// NewTransactionProcessor creates a new TransactionProcessor with the given
// resource handler function. The handler is invoked for each entry and should
// perform the actual operation.
func NewTransactionProcessor(handler ResourceHandler) *TransactionProcessor {
	return &TransactionProcessor{handler: handler}
}

// ProcessTransaction processes the entries in order. Every urn:uuid fullUrl
// is mapped to the reference of the resource it created, and later entries
// have those references rewritten before they are handled. Response entries
// keep the request order.
func (p *TransactionProcessor) ProcessTransaction(bundle *TransactionBundle) (*Bundle, error) {
	idMap := make(map[string]string)
	responseEntries := make([]BundleEntry, len(bundle.Entries))

	for i, entry := range bundle.Entries {
		if entry.Resource != nil && len(idMap) > 0 {
			resolveRefsInResource(entry.Resource, idMap)
		}
		url := replaceURNRefs(entry.Request.URL, idMap)

		resp, err := p.handler(entry.Request.Method, url, entry.Resource)
		if err != nil {
			return nil, fmt.Errorf("transaction failed at entry %d (%s %s): %w",
				i, entry.Request.Method, entry.Request.URL, err)
		}

		if strings.HasPrefix(entry.FullURL, "urn:uuid:") && resp.Location != "" {
			if loc, err := ParseLocation(resp.Location); err == nil {
				idMap[entry.FullURL] = loc.Reference()
			}
		}

		responseEntries[i] = BundleEntry{
			Response: &BundleResponse{
				Status:   resp.Status,
				Location: resp.Location,
				Outcome:  resp.Outcome,
			},
		}
	}

	return NewTransactionResponse(responseEntries), nil
}

// resolveRefsInResource walks a resource map and replaces urn:uuid references
// with the mapped actual references.
func resolveRefsInResource(resource map[string]interface{}, idMap map[string]string) {
	var walk func(v interface{}) interface{}
	walk = func(v interface{}) interface{} {
		switch val := v.(type) {
		case map[string]interface{}:
			for k, child := range val {
				val[k] = walk(child)
			}
			return val
		case []interface{}:
			for i, item := range val {
				val[i] = walk(item)
			}
			return val
		case string:
			if mapped, found := idMap[val]; found {
				return mapped
			}
			return val
		default:
			return val
		}
	}
	walk(resource)
}

// replaceURNRefs replaces urn:uuid references in a string with mapped values.
func replaceURNRefs(s string, idMap map[string]string) string {
	for urn, actual := range idMap {
		s = strings.ReplaceAll(s, urn, actual)
	}
	return s
}
