package client

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

func TestNew_TrimsTrailingSlash(t *testing.T) {
	c := New("http://localhost:3447/fhir/")
	if c.BaseURL() != "http://localhost:3447/fhir" {
		t.Errorf("unexpected base url %q", c.BaseURL())
	}
	if got := c.URL("Binary/1"); got != "http://localhost:3447/fhir/Binary/1" {
		t.Errorf("unexpected url %q", got)
	}
	if got := c.URL(""); got != "http://localhost:3447/fhir" {
		t.Errorf("unexpected base url %q", got)
	}
}

func TestDo_SendsHeaders(t *testing.T) {
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	h := http.Header{}
	h.Set("auth-username", "sysadmin@jembi.org")
	c := New(srv.URL, WithHeaders(h))

	if _, err := c.Read(context.Background(), "Binary/1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Get("Content-Type") != ContentTypeJSON {
		t.Errorf("expected content-type %s, got %q", ContentTypeJSON, got.Get("Content-Type"))
	}
	if got.Get("auth-username") != "sysadmin@jembi.org" {
		t.Errorf("expected auth-username header, got %q", got.Get("auth-username"))
	}
}

func TestCreate_ParsesLocation(t *testing.T) {
	var body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/fhir/Patient" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		b, _ := io.ReadAll(r.Body)
		body = string(b)
		w.Header().Set("Location", "http://"+r.Host+"/fhir/Patient/p1/_history/1")
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := New(srv.URL + "/fhir")
	loc, err := c.Create(context.Background(), "Patient", []byte(`{"resourceType":"Patient"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if loc.Reference() != "Patient/p1" {
		t.Errorf("expected Patient/p1, got %s", loc.Reference())
	}
	if loc.VersionID != "1" {
		t.Errorf("expected version 1, got %s", loc.VersionID)
	}
	if body != `{"resourceType":"Patient"}` {
		t.Errorf("unexpected body %q", body)
	}
}

func TestCreate_UnexpectedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"resourceType":"OperationOutcome","issue":[{"severity":"error","code":"invalid","diagnostics":"missing name"}]}`)
	}))
	defer srv.Close()

	c := New(srv.URL)
	_, err := c.Create(context.Background(), "Patient", []byte(`{}`))

	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected *StatusError, got %T (%v)", err, err)
	}
	if se.StatusCode != http.StatusBadRequest || se.Expected != http.StatusCreated {
		t.Errorf("unexpected status error %+v", se)
	}
	if se.Diagnostics != "missing name" {
		t.Errorf("expected OperationOutcome diagnostics, got %q", se.Diagnostics)
	}
	if !IsStatus(err) || IsTransport(err) {
		t.Error("expected a status error, not a transport error")
	}
}

func TestCreate_MissingLocation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := New(srv.URL)
	if _, err := c.Create(context.Background(), "Patient", []byte(`{}`)); err == nil {
		t.Fatal("expected error for a 201 without Location")
	}
}

func TestDo_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	base := srv.URL
	srv.Close()

	c := New(base)
	_, err := c.Read(context.Background(), "Binary/1")
	if !IsTransport(err) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if !strings.Contains(err.Error(), "GET "+base+"/Binary/1") {
		t.Errorf("expected method and url in error, got %v", err)
	}
}

func TestSearch_EncodesParams(t *testing.T) {
	var gotQuery url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, `{"resourceType":"Bundle","type":"searchset","total":0}`)
	}))
	defer srv.Close()

	c := New(srv.URL)
	resp, err := c.Search(context.Background(), "DocumentManifest", url.Values{"patient": {"Patient/p1"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotQuery.Get("patient") != "Patient/p1" {
		t.Errorf("expected patient=Patient/p1, got %v", gotQuery)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
	if err := Expect(resp, http.StatusOK); err != nil {
		t.Errorf("unexpected expect error: %v", err)
	}
}

func TestExpect_TruncatesRawBody(t *testing.T) {
	resp := &Response{
		Method:     http.MethodGet,
		URL:        "http://x/fhir/Binary/1",
		StatusCode: http.StatusInternalServerError,
		Body:       []byte(strings.Repeat("x", 2*maxDiagnostics)),
	}
	err := Expect(resp, http.StatusOK)
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected *StatusError, got %v", err)
	}
	if len(se.Diagnostics) != maxDiagnostics+3 {
		t.Errorf("expected truncated diagnostics, got %d chars", len(se.Diagnostics))
	}
	if !strings.Contains(se.Error(), "[500]") {
		t.Errorf("expected status in message, got %s", se.Error())
	}
}
