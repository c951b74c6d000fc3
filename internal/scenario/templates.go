package scenario

import (
	"embed"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strings"
	"sync"

	"github.com/valyala/fasttemplate"
)

// ErrTemplateNotFound is returned for a template name outside the known set
// or one missing from the template file system.
var ErrTemplateNotFound = errors.New("template not found")

// Template names.
const (
	TemplatePatient            = "Patient-1.json"
	TemplatePractitioner       = "Practitioner-1.json"
	TemplateCDA                = "CDA-APHP-1.xml"
	TemplateImage              = "Image-1.svg"
	TemplateBinary1            = "Binary-1.json"
	TemplateBinary2            = "Binary-2.json"
	TemplateDocumentReference1 = "DocumentReference-1.json"
	TemplateDocumentReference2 = "DocumentReference-2.json"
	TemplateDocumentManifest   = "DocumentManifest-1.json"
)

var knownTemplates = map[string]bool{
	TemplatePatient:            true,
	TemplatePractitioner:       true,
	TemplateCDA:                true,
	TemplateImage:              true,
	TemplateBinary1:            true,
	TemplateBinary2:            true,
	TemplateDocumentReference1: true,
	TemplateDocumentReference2: true,
	TemplateDocumentManifest:   true,
}

//go:embed templates/*
var embedded embed.FS

// DefaultTemplates returns the templates compiled into the binary.
func DefaultTemplates() fs.FS {
	sub, err := fs.Sub(embedded, "templates")
	if err != nil {
		panic(err)
	}
	return sub
}

// TemplateResolver renders named templates against a Context. Placeholders
// are written {{field}}; values are substituted verbatim with no escaping,
// so XML and JSON fragments pass through unchanged.
type TemplateResolver struct {
	fsys fs.FS

	mu    sync.Mutex
	cache map[string]*fasttemplate.Template
}

// NewTemplateResolver creates a resolver reading templates from fsys.
func NewTemplateResolver(fsys fs.FS) *TemplateResolver {
	return &TemplateResolver{
		fsys:  fsys,
		cache: make(map[string]*fasttemplate.Template),
	}
}

// Resolve renders the template called name. It fails with
// ErrTemplateNotFound or, when a placeholder names an unset field, with
// ErrMissingField.
func (r *TemplateResolver) Resolve(name string, sc *Context) (string, error) {
	t, err := r.load(name)
	if err != nil {
		return "", err
	}
	out, err := t.ExecuteFuncStringWithErr(func(w io.Writer, tag string) (int, error) {
		v, err := sc.Get(Field(strings.TrimSpace(tag)))
		if err != nil {
			return 0, err
		}
		return io.WriteString(w, v)
	})
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", name, err)
	}
	return out, nil
}

func (r *TemplateResolver) load(name string) (*fasttemplate.Template, error) {
	if !knownTemplates[name] {
		return nil, fmt.Errorf("%w: %s", ErrTemplateNotFound, name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.cache[name]; ok {
		return t, nil
	}
	data, err := fs.ReadFile(r.fsys, name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrTemplateNotFound, name)
		}
		return nil, fmt.Errorf("read template %s: %w", name, err)
	}
	t, err := fasttemplate.NewTemplate(string(data), "{{", "}}")
	if err != nil {
		return nil, fmt.Errorf("parse template %s: %w", name, err)
	}
	r.cache[name] = t
	return t, nil
}
