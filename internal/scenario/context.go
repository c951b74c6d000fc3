// Package scenario runs the IHE MHD document sharing scenario (ITI-65,
// ITI-66, ITI-67 and ITI-68) against a FHIR server and records every check
// made on the server's responses.
package scenario

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Field names a value held by a Context. The names double as template
// placeholders, e.g. {{sourcePatId}}.
type Field string

// Fields set when the context is created.
const (
	TimeNow        Field = "timeNow"
	SourcePatID    Field = "sourcePatId"
	FirstName      Field = "firstName"
	LastName       Field = "lastName"
	DocID          Field = "docId"
	ManifestMID    Field = "manifestMID"
	DocManifestRef Field = "docManifestRef"
	DocRefMID1     Field = "docRefMID1"
	DocRef1        Field = "docRef1"
	DocRefMID2     Field = "docRefMID2"
	DocRef2        Field = "docRef2"
	BinaryRef1     Field = "binaryRef1"
	BinaryRef2     Field = "binaryRef2"
)

// Fields set while the scenario runs.
const (
	PatientRef      Field = "patientRef"
	ProviderRef     Field = "providerRef"
	CDABase64       Field = "cdaBase64"
	ImageBase64     Field = "imageBase64"
	BinaryResource1 Field = "binaryResource1"
	BinaryResource2 Field = "binaryResource2"
)

var (
	// ErrMissingField is returned when a field is read before it is set.
	ErrMissingField = errors.New("context field not set")

	// ErrFieldAlreadySet is returned when a field is written twice.
	ErrFieldAlreadySet = errors.New("context field already set")

	// ErrBinarySlotsFull is returned when a third Binary reference is
	// claimed.
	ErrBinarySlotsFull = errors.New("both binary slots already claimed")
)

// timeLayout is ISO-8601 in UTC with millisecond precision.
const timeLayout = "2006-01-02T15:04:05.000Z07:00"

// ContextOption configures NewContext.
type ContextOption func(*contextConfig)

type contextConfig struct {
	newID func() string
	now   func() time.Time
	names func() (first, last string)
}

// WithIDGenerator replaces the UUID generator used for identifiers.
func WithIDGenerator(fn func() string) ContextOption {
	return func(c *contextConfig) { c.newID = fn }
}

// WithClock replaces the clock used for timeNow.
func WithClock(fn func() time.Time) ContextOption {
	return func(c *contextConfig) { c.now = fn }
}

// WithNames replaces the demographic name generator.
func WithNames(fn func() (first, last string)) ContextOption {
	return func(c *contextConfig) { c.names = fn }
}

// Context accumulates the identifiers a scenario run generates and the
// references the server assigns. Fields are write-once.
type Context struct {
	mu     sync.RWMutex
	values map[Field]string
	order  []Field
}

// NewContext returns a Context holding every identifier needed before the
// first request: fresh ids, urn:uuid temporary references, the patient's
// names and the current time.
func NewContext(opts ...ContextOption) *Context {
	cfg := contextConfig{
		newID: func() string { return uuid.New().String() },
		now:   time.Now,
		names: func() (string, string) { return gofakeit.FirstName(), gofakeit.LastName() },
	}
	for _, o := range opts {
		o(&cfg)
	}

	c := &Context{values: make(map[Field]string)}
	first, last := cfg.names()
	urn := func() string { return "urn:uuid:" + cfg.newID() }

	c.init(TimeNow, cfg.now().UTC().Format(timeLayout))
	c.init(SourcePatID, cfg.newID())
	c.init(FirstName, first)
	c.init(LastName, last)
	c.init(DocID, cfg.newID())
	c.init(ManifestMID, cfg.newID())
	c.init(DocManifestRef, urn())
	c.init(DocRefMID1, cfg.newID())
	c.init(DocRef1, urn())
	c.init(DocRefMID2, cfg.newID())
	c.init(DocRef2, urn())
	c.init(BinaryRef1, urn())
	c.init(BinaryRef2, urn())
	return c
}

func (c *Context) init(f Field, v string) {
	c.values[f] = v
	c.order = append(c.order, f)
}

// Set stores value under field. Each field can be set once.
func (c *Context) Set(field Field, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.values[field]; ok {
		return fmt.Errorf("%w: %s", ErrFieldAlreadySet, field)
	}
	c.init(field, value)
	return nil
}

// Get returns the value of field, or ErrMissingField.
func (c *Context) Get(field Field) (string, error) {
	if v, ok := c.Lookup(field); ok {
		return v, nil
	}
	return "", fmt.Errorf("%w: %s", ErrMissingField, field)
}

// MustGet returns the value of field and panics if it has not been set.
// Use it only for fields an earlier stage is guaranteed to have set.
func (c *Context) MustGet(field Field) string {
	v, err := c.Get(field)
	if err != nil {
		panic(err)
	}
	return v
}

// Lookup returns the value of field and whether it is set.
func (c *Context) Lookup(field Field) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[field]
	return v, ok
}

// ClaimBinary stores ref in the first empty Binary slot and returns the
// slot number (1 or 2).
func (c *Context) ClaimBinary(ref string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, f := range []Field{BinaryResource1, BinaryResource2} {
		if _, ok := c.values[f]; !ok {
			c.init(f, ref)
			return i + 1, nil
		}
	}
	return 0, fmt.Errorf("%w: %s", ErrBinarySlotsFull, ref)
}

// Snapshot returns a copy of every field set so far.
func (c *Context) Snapshot() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]string, len(c.values))
	for k, v := range c.values {
		out[string(k)] = v
	}
	return out
}

// MarshalZerologObject logs the fields in the order they were set, leaving
// out the base64 document payloads.
func (c *Context) MarshalZerologObject(e *zerolog.Event) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, f := range c.order {
		if f == CDABase64 || f == ImageBase64 {
			continue
		}
		e.Str(string(f), c.values[f])
	}
}
