package scenario

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/jembi/openshr-validation-tests/internal/platform/fhir"
)

// ErrInvalidResource is returned when a resolved resource template is not
// valid JSON.
var ErrInvalidResource = errors.New("resolved resource is not valid JSON")

// BundleEntry describes one entry of a TransactionBundle.
type BundleEntry struct {
	TempID       string
	ResourceType string
	Method       string
}

// TransactionBundle is a serialized transaction Bundle. It is built once
// and never modified.
type TransactionBundle struct {
	body    []byte
	entries []BundleEntry
}

// Bytes returns a copy of the serialized Bundle.
func (b *TransactionBundle) Bytes() []byte {
	return append([]byte(nil), b.body...)
}

// Entries returns the entry descriptors in Bundle order.
func (b *TransactionBundle) Entries() []BundleEntry {
	return append([]BundleEntry(nil), b.entries...)
}

// BundleBuilder assembles the ITI-65 document submission.
type BundleBuilder struct {
	resolver *TemplateResolver
}

// NewBundleBuilder creates a BundleBuilder.
func NewBundleBuilder(r *TemplateResolver) *BundleBuilder {
	return &BundleBuilder{resolver: r}
}

type bundlePart struct {
	template     string
	tempID       Field
	resourceType string
}

var bundleParts = []bundlePart{
	{TemplateBinary1, BinaryRef1, "Binary"},
	{TemplateBinary2, BinaryRef2, "Binary"},
	{TemplateDocumentReference1, DocRef1, "DocumentReference"},
	{TemplateDocumentReference2, DocRef2, "DocumentReference"},
	{TemplateDocumentManifest, DocManifestRef, "DocumentManifest"},
}

// Build encodes the CDA document and image into the context, resolves the
// five submission resources and serializes them as a transaction Bundle
// whose fullUrls are the context's urn:uuid references. Patient and
// practitioner references must already be set.
func (b *BundleBuilder) Build(sc *Context) (*TransactionBundle, error) {
	if err := b.encode(sc, TemplateCDA, CDABase64); err != nil {
		return nil, err
	}
	if err := b.encode(sc, TemplateImage, ImageBase64); err != nil {
		return nil, err
	}

	entries := make([]fhir.BundleEntry, 0, len(bundleParts))
	descs := make([]BundleEntry, 0, len(bundleParts))
	for _, p := range bundleParts {
		res, err := b.resolver.Resolve(p.template, sc)
		if err != nil {
			return nil, err
		}
		if !json.Valid([]byte(res)) {
			return nil, fmt.Errorf("%w: %s", ErrInvalidResource, p.template)
		}
		tempID, err := sc.Get(p.tempID)
		if err != nil {
			return nil, err
		}
		entries = append(entries, fhir.BundleEntry{
			FullURL:  tempID,
			Resource: json.RawMessage(res),
			Request:  &fhir.BundleRequest{Method: http.MethodPost, URL: p.resourceType},
		})
		descs = append(descs, BundleEntry{TempID: tempID, ResourceType: p.resourceType, Method: http.MethodPost})
	}

	body, err := json.Marshal(fhir.NewTransactionBundle(entries))
	if err != nil {
		return nil, fmt.Errorf("marshal bundle: %w", err)
	}
	return &TransactionBundle{body: body, entries: descs}, nil
}

func (b *BundleBuilder) encode(sc *Context, template string, field Field) error {
	raw, err := b.resolver.Resolve(template, sc)
	if err != nil {
		return err
	}
	return sc.Set(field, base64.StdEncoding.EncodeToString([]byte(raw)))
}
