package scenario

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/tidwall/gjson"

	"github.com/jembi/openshr-validation-tests/internal/platform/client"
	"github.com/jembi/openshr-validation-tests/internal/platform/fhir"
)

type step struct {
	code string
	name string
	run  func(ctx context.Context, x *execution) ([]AssertionResult, error)
}

var steps = []step{
	{"ITI-65", "Provide Document Bundle", provideDocumentBundle},
	{"ITI-66", "Find Document Manifests", findDocumentManifests},
	{"ITI-67", "Find Document References", findDocumentReferences},
	{"ITI-68", "Retrieve Document", retrieveDocuments},
}

// provideDocumentBundle submits the transaction Bundle and claims the
// Binary references from the response in entry order.
func provideDocumentBundle(ctx context.Context, x *execution) ([]AssertionResult, error) {
	resp, err := x.client.Transaction(ctx, x.bundle.Bytes())
	if err != nil {
		return nil, err
	}
	results := Verify(Expectation{
		StatusIs(http.StatusOK),
		FieldEquals("resource type should be Bundle", "resourceType", "Bundle"),
		FieldEquals("bundle type should be 'transaction-response'", "type", fhir.BundleTypeTransactionResponse),
		CountEquals("response should contain "+strconv.Itoa(len(x.bundle.Entries()))+" entries", "entry", len(x.bundle.Entries())),
	}, resp)
	if err := client.Expect(resp, http.StatusOK); err != nil {
		return results, err
	}

	request := resp.Method + " " + resp.URL
	claimed := 0
	for _, loc := range gjson.GetBytes(resp.Body, "entry.#.response.location").Array() {
		ref, err := fhir.ParseLocation(loc.String())
		if err != nil || ref.ResourceType != "Binary" {
			continue
		}
		if _, err := x.sc.ClaimBinary(ref.Reference()); err != nil {
			results = append(results, AssertionResult{
				Name:    "response should reference no more than 2 Binary resources",
				Request: request,
				Message: err.Error(),
			})
			continue
		}
		claimed++
	}
	results = append(results, countResult("response should reference 2 Binary resources", request, 2, claimed))
	return results, nil
}

func findDocumentManifests(ctx context.Context, x *execution) ([]AssertionResult, error) {
	search := func(params url.Values) branch {
		return func(ctx context.Context) ([]AssertionResult, error) {
			return x.search(ctx, "DocumentManifest", params, Expectation{
				StatusIs(http.StatusOK),
				FieldEquals("resource type should be Bundle", "resourceType", "Bundle"),
				FieldEquals("bundle type should be 'searchset'", "type", fhir.BundleTypeSearchset),
				IntEquals("searchset should contain 1 result", "total", 1),
				FieldEquals("searchset should contain manifest", "entry.0.resource.resourceType", "DocumentManifest"),
				FieldEquals("searchset should contain correct manifest", "entry.0.resource.masterIdentifier.value", x.sc.MustGet(ManifestMID)),
			})
		}
	}
	return both(ctx,
		search(url.Values{"patient": {x.sc.MustGet(PatientRef)}}),
		search(url.Values{"patient.identifier": {x.sc.MustGet(SourcePatID)}}),
	)
}

func findDocumentReferences(ctx context.Context, x *execution) ([]AssertionResult, error) {
	search := func(params url.Values) branch {
		return func(ctx context.Context) ([]AssertionResult, error) {
			return x.search(ctx, "DocumentReference", params, Expectation{
				StatusIs(http.StatusOK),
				FieldEquals("resource type should be Bundle", "resourceType", "Bundle"),
				FieldEquals("bundle type should be 'searchset'", "type", fhir.BundleTypeSearchset),
				IntEquals("searchset should contain 2 results", "total", 2),
				EachEquals("searchset should contain references", "entry.#.resource.resourceType", "DocumentReference"),
				ElementsEqual("searchset should contain correct references in order", "entry.#.resource.masterIdentifier.value",
					x.sc.MustGet(DocRefMID1), x.sc.MustGet(DocRefMID2)),
			})
		}
	}
	return both(ctx,
		search(url.Values{"patient": {x.sc.MustGet(PatientRef)}}),
		search(url.Values{"patient.identifier": {x.sc.MustGet(SourcePatID)}}),
	)
}

// retrieveDocuments fetches both claimed Binary resources and compares
// their content with what was submitted.
func retrieveDocuments(ctx context.Context, x *execution) ([]AssertionResult, error) {
	fetch := func(slot Field, content Field) branch {
		return func(ctx context.Context) ([]AssertionResult, error) {
			ref, ok := x.sc.Lookup(slot)
			if !ok {
				return []AssertionResult{{
					Name:    "binary reference should have been captured",
					Message: fmt.Sprintf("%v: %s", ErrMissingField, slot),
				}}, nil
			}
			resp, err := x.client.Read(ctx, ref)
			if err != nil {
				return nil, err
			}
			results := Verify(Expectation{
				StatusIs(http.StatusOK),
				FieldEquals("resource type should be Binary", "resourceType", "Binary"),
				FieldEquals("resource should contain correct content", "content", x.sc.MustGet(content)),
			}, resp)
			return results, client.Expect(resp, http.StatusOK)
		}
	}
	return both(ctx,
		fetch(BinaryResource1, CDABase64),
		fetch(BinaryResource2, ImageBase64),
	)
}

func (x *execution) search(ctx context.Context, resourceType string, params url.Values, exp Expectation) ([]AssertionResult, error) {
	resp, err := x.client.Search(ctx, resourceType, params)
	if err != nil {
		return nil, err
	}
	return Verify(exp, resp), client.Expect(resp, http.StatusOK)
}

func countResult(name, request string, want, got int) AssertionResult {
	r := AssertionResult{
		Name:     name,
		Request:  request,
		Passed:   want == got,
		Expected: strconv.Itoa(want),
		Actual:   strconv.Itoa(got),
	}
	if !r.Passed {
		r.Message = "expected " + r.Expected + ", got " + r.Actual
	}
	return r
}
