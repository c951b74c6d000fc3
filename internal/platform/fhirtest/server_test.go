package fhirtest

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/jembi/openshr-validation-tests/internal/platform/auth"
	"github.com/jembi/openshr-validation-tests/internal/platform/fhir"
)

func newTestServer(t *testing.T, opts ...Option) (*Server, *httptest.Server) {
	t.Helper()
	s := New(opts...)
	ts := httptest.NewServer(s)
	t.Cleanup(ts.Close)
	return s, ts
}

func doJSON(t *testing.T, method, u, body string, h http.Header) (*http.Response, map[string]interface{}) {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, u, rdr)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, vs := range h {
		req.Header[k] = vs
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, u, err)
	}
	defer resp.Body.Close()
	var out map[string]interface{}
	data, _ := io.ReadAll(resp.Body)
	if len(data) > 0 {
		if err := json.Unmarshal(data, &out); err != nil {
			t.Fatalf("decode %s: %v", data, err)
		}
	}
	return resp, out
}

func createPatient(t *testing.T, base, identifier string) string {
	t.Helper()
	body := `{"resourceType":"Patient","identifier":[{"system":"urn:test","value":"` + identifier + `"}]}`
	resp, _ := doJSON(t, http.MethodPost, base+"/Patient", body, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	loc, err := fhir.ParseLocation(resp.Header.Get("Location"))
	if err != nil {
		t.Fatalf("parse location: %v", err)
	}
	return loc.Reference()
}

func TestCreate_ReturnsVersionedLocation(t *testing.T) {
	_, ts := newTestServer(t)

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/fhir/Practitioner", `{"resourceType":"Practitioner"}`, nil)

	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	loc := resp.Header.Get("Location")
	if !strings.HasPrefix(loc, ts.URL+"/fhir/Practitioner/") || !strings.HasSuffix(loc, "/_history/1") {
		t.Errorf("unexpected location %q", loc)
	}
	if body["id"] == "" || body["id"] == nil {
		t.Error("expected id to be assigned")
	}
}

func TestCreate_RejectsMismatchedType(t *testing.T) {
	_, ts := newTestServer(t)

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/fhir/Patient", `{"resourceType":"Practitioner"}`, nil)

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	if body["resourceType"] != "OperationOutcome" {
		t.Errorf("expected OperationOutcome, got %v", body["resourceType"])
	}
}

func TestTransactionAndSearch(t *testing.T) {
	_, ts := newTestServer(t)
	base := ts.URL + "/fhir"
	patientRef := createPatient(t, base, "pid-1")

	bundle := `{"resourceType":"Bundle","type":"transaction","entry":[
	  {"fullUrl":"urn:uuid:b1","resource":{"resourceType":"Binary","contentType":"text/plain","content":"YQ=="},"request":{"method":"POST","url":"Binary"}},
	  {"fullUrl":"urn:uuid:d1","resource":{"resourceType":"DocumentReference","subject":{"reference":"` + patientRef + `"},"masterIdentifier":{"value":"D1"},"content":[{"attachment":{"url":"urn:uuid:b1"}}]},"request":{"method":"POST","url":"DocumentReference"}},
	  {"fullUrl":"urn:uuid:d2","resource":{"resourceType":"DocumentReference","subject":{"reference":"` + patientRef + `"},"masterIdentifier":{"value":"D2"}},"request":{"method":"POST","url":"DocumentReference"}}
	]}`
	resp, body := doJSON(t, http.MethodPost, base, bundle, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %v", resp.StatusCode, body)
	}
	if body["type"] != "transaction-response" {
		t.Errorf("expected transaction-response, got %v", body["type"])
	}
	entries := body["entry"].([]interface{})
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	binLoc := entries[0].(map[string]interface{})["response"].(map[string]interface{})["location"].(string)
	bin, err := fhir.ParseLocation(binLoc)
	if err != nil || bin.ResourceType != "Binary" {
		t.Fatalf("unexpected binary location %q (%v)", binLoc, err)
	}

	for _, q := range []url.Values{
		{"patient": {patientRef}},
		{"patient.identifier": {"pid-1"}},
		{"patient.identifier": {"urn:test|pid-1"}},
	} {
		resp, body := doJSON(t, http.MethodGet, base+"/DocumentReference?"+q.Encode(), "", nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%v: expected 200, got %d", q, resp.StatusCode)
		}
		if body["total"] != float64(2) {
			t.Errorf("%v: expected total 2, got %v", q, body["total"])
		}
		first := body["entry"].([]interface{})[0].(map[string]interface{})["resource"].(map[string]interface{})
		if first["masterIdentifier"].(map[string]interface{})["value"] != "D1" {
			t.Errorf("%v: expected D1 first, got %v", q, first["masterIdentifier"])
		}
		att := first["content"].([]interface{})[0].(map[string]interface{})["attachment"].(map[string]interface{})
		if att["url"] != bin.Reference() {
			t.Errorf("expected urn reference resolved to %s, got %v", bin.Reference(), att["url"])
		}
	}

	resp, body = doJSON(t, http.MethodGet, base+"/DocumentReference?patient.identifier=unknown", "", nil)
	if resp.StatusCode != http.StatusOK || body["total"] != float64(0) {
		t.Errorf("expected empty searchset, got %d %v", resp.StatusCode, body["total"])
	}

	resp, body = doJSON(t, http.MethodGet, base+"/"+bin.Reference(), "", nil)
	if resp.StatusCode != http.StatusOK || body["content"] != "YQ==" {
		t.Errorf("expected binary content round trip, got %d %v", resp.StatusCode, body)
	}
}

func TestTransaction_RollsBackOnFailure(t *testing.T) {
	_, ts := newTestServer(t)
	base := ts.URL + "/fhir"

	bundle := `{"resourceType":"Bundle","type":"transaction","entry":[
	  {"fullUrl":"urn:uuid:b1","resource":{"resourceType":"Binary","content":"YQ=="},"request":{"method":"POST","url":"Binary"}},
	  {"fullUrl":"urn:uuid:d1","resource":{"resourceType":"Binary"},"request":{"method":"POST","url":"DocumentReference"}}
	]}`
	resp, _ := doJSON(t, http.MethodPost, base, bundle, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	_, body := doJSON(t, http.MethodGet, base+"/Binary", "", nil)
	if body["total"] != float64(0) {
		t.Errorf("expected no Binary after rollback, got %v", body["total"])
	}
}

func TestSearch_UnsupportedParameter(t *testing.T) {
	_, ts := newTestServer(t)

	resp, _ := doJSON(t, http.MethodGet, ts.URL+"/fhir/DocumentManifest?author=x", "", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}
}

func TestRead_NotFound(t *testing.T) {
	_, ts := newTestServer(t)

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/fhir/Binary/nope", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	if body["resourceType"] != "OperationOutcome" {
		t.Errorf("expected OperationOutcome, got %v", body)
	}
}

func TestFaultInjection(t *testing.T) {
	s, ts := newTestServer(t, WithFault(http.MethodPost, "/fhir/Patient", http.StatusInternalServerError))

	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/fhir/Patient", `{"resourceType":"Patient"}`, nil)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", resp.StatusCode)
	}
	reqs := s.Requests()
	if len(reqs) != 1 || reqs[0] != "POST /fhir/Patient" {
		t.Errorf("unexpected request log %v", reqs)
	}
}

func TestFaultInjection_PathPrefix(t *testing.T) {
	_, ts := newTestServer(t, WithFault(http.MethodGet, "/fhir/Binary/*", http.StatusNotFound))
	base := ts.URL + "/fhir"

	resp, body := doJSON(t, http.MethodGet, base+"/Binary/any-id", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	if body["resourceType"] != "OperationOutcome" {
		t.Errorf("expected OperationOutcome, got %v", body)
	}

	resp, _ = doJSON(t, http.MethodPost, base+"/Binary", `{"resourceType":"Binary"}`, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Errorf("expected POST to be unaffected, got %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodGet, base+"/DocumentReference?patient=Patient/x", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected other paths to be unaffected, got %d", resp.StatusCode)
	}
}

func TestBodyLimit(t *testing.T) {
	_, ts := newTestServer(t, WithBodyLimit("64"))

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/fhir", `{"resourceType":"Bundle","type":"transaction","entry":[]}`+strings.Repeat(" ", 64), nil)
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", resp.StatusCode)
	}
	if body["resourceType"] != "OperationOutcome" {
		t.Errorf("expected OperationOutcome, got %v", body)
	}

	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/fhir/Patient", `{"resourceType":"Patient"}`, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Errorf("expected small body to be accepted, got %d", resp.StatusCode)
	}
}

func TestHearthAuthentication(t *testing.T) {
	_, ts := newTestServer(t, WithUser("sysadmin@jembi.org", "sysadmin"))
	base := ts.URL + "/fhir"

	resp, _ := doJSON(t, http.MethodGet, base+"/Patient", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", resp.StatusCode)
	}

	h, err := auth.Authenticate(context.Background(), http.DefaultClient, base, "sysadmin@jembi.org", "sysadmin")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	resp, _ = doJSON(t, http.MethodGet, base+"/Patient", "", h)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200 with credentials, got %d", resp.StatusCode)
	}

	h, err = auth.Authenticate(context.Background(), http.DefaultClient, base, "sysadmin@jembi.org", "wrong")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	resp, _ = doJSON(t, http.MethodGet, base+"/Patient", "", h)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 with wrong password, got %d", resp.StatusCode)
	}

	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/api/authenticate/nobody", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 for unknown user, got %d", resp.StatusCode)
	}
}

func TestReadHookAndReversedSearch(t *testing.T) {
	_, ts := newTestServer(t,
		WithReadHook("Binary", func(r map[string]interface{}) { r["content"] = "changed" }),
		WithReversedSearch(),
	)
	base := ts.URL + "/fhir"

	resp, _ := doJSON(t, http.MethodPost, base+"/Binary", `{"resourceType":"Binary","content":"YQ=="}`, nil)
	loc, _ := fhir.ParseLocation(resp.Header.Get("Location"))
	doJSON(t, http.MethodPost, base+"/Binary", `{"resourceType":"Binary","content":"Yg=="}`, nil)

	_, body := doJSON(t, http.MethodGet, base+"/"+loc.Reference(), "", nil)
	if body["content"] != "changed" {
		t.Errorf("expected read hook to apply, got %v", body["content"])
	}

	_, body = doJSON(t, http.MethodGet, base+"/Binary", "", nil)
	first := body["entry"].([]interface{})[0].(map[string]interface{})["resource"].(map[string]interface{})
	if first["content"] != "Yg==" {
		t.Errorf("expected newest first, got %v", first["content"])
	}
}
