// Package fhirtest provides an in-memory FHIR endpoint implementing the
// slice of the IHE MHD profile a document source and consumer exercise:
// resource create, transaction bundles with urn:uuid resolution, patient
// scoped DocumentManifest and DocumentReference searches, Binary reads and
// the Hearth authentication handshake. It exists for tests; serve it with
// httptest.NewServer and point a client at <url>/fhir.
package fhirtest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/jembi/openshr-validation-tests/internal/platform/auth"
	"github.com/jembi/openshr-validation-tests/internal/platform/fhir"
	"github.com/jembi/openshr-validation-tests/internal/platform/middleware"
)

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithUser registers a Hearth user and turns on authentication for /fhir.
func WithUser(username, password string) Option {
	return func(s *Server) {
		salt := fmt.Sprintf("salt-%d", len(s.users)+1)
		s.users[username] = auth.HearthUser{Salt: salt, PassHash: auth.PasswordHash(salt, password)}
	}
}

// WithFault makes every request matching method and path fail with status.
// A path ending in "/*" matches everything below it, e.g. "/fhir/Binary/*".
func WithFault(method, path string, status int) Option {
	return func(s *Server) {
		s.faults = append(s.faults, fault{method: method, path: path, status: status})
	}
}

type fault struct {
	method string
	path   string
	status int
}

func (f fault) matches(method, path string) bool {
	if f.method != method {
		return false
	}
	if prefix, ok := strings.CutSuffix(f.path, "*"); ok {
		return strings.HasPrefix(path, prefix)
	}
	return f.path == path
}

// WithReadHook lets a test alter resources of resourceType as they are
// read, e.g. to simulate a server that rewrites Binary content.
func WithReadHook(resourceType string, fn func(map[string]interface{})) Option {
	return func(s *Server) { s.readHooks[resourceType] = fn }
}

// WithReversedSearch returns search results newest first.
func WithReversedSearch() Option {
	return func(s *Server) { s.reverseSearch = true }
}

// WithBodyLimit caps request bodies, e.g. "64K". The default is 10M.
func WithBodyLimit(limit string) Option {
	return func(s *Server) { s.bodyLimit = limit }
}

// Server is an in-memory MHD endpoint.
type Server struct {
	echo          *echo.Echo
	store         *store
	users         map[string]auth.HearthUser
	faults        []fault
	readHooks     map[string]func(map[string]interface{})
	reverseSearch bool
	bodyLimit     string
	logger        zerolog.Logger

	mu       sync.Mutex
	requests []string
}

// New creates a Server.
func New(opts ...Option) *Server {
	s := &Server{
		store:     newStore(),
		users:     make(map[string]auth.HearthUser),
		readHooks: make(map[string]func(map[string]interface{})),
		bodyLimit: "10M",
		logger:    zerolog.Nop(),
	}
	for _, o := range opts {
		o(s)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.errorHandler

	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(s.logger))
	e.Use(middleware.Recovery(s.logger))
	e.Use(s.recordRequests)
	e.Use(s.injectFaults)
	e.Use(middleware.BodyLimit(s.bodyLimit))

	e.GET("/api/authenticate/:username", s.handleAuthenticate)

	g := e.Group("/fhir")
	if len(s.users) > 0 {
		g.Use(auth.HearthMiddleware(s))
	}
	g.POST("", s.handleTransaction)
	g.POST("/:type", s.handleCreate)
	g.GET("/:type", s.handleSearch)
	g.GET("/:type/:id", s.handleRead)

	s.echo = e
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// Requests returns "METHOD path[?query]" for every request received so far.
func (s *Server) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requests...)
}

// LookupUser implements auth.HearthUsers.
func (s *Server) LookupUser(username string) (auth.HearthUser, bool) {
	u, ok := s.users[username]
	return u, ok
}

func (s *Server) recordRequests(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		req := c.Request()
		line := req.Method + " " + req.URL.Path
		if req.URL.RawQuery != "" {
			line += "?" + req.URL.RawQuery
		}
		s.mu.Lock()
		s.requests = append(s.requests, line)
		s.mu.Unlock()
		return next(c)
	}
}

func (s *Server) injectFaults(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		req := c.Request()
		for _, f := range s.faults {
			if f.matches(req.Method, req.URL.Path) {
				return c.JSON(f.status, fhir.ErrorOutcome("injected fault"))
			}
		}
		return next(c)
	}
}

func readBody(c echo.Context) ([]byte, error) {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return nil, he
		}
		return nil, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return body, nil
}

func (s *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	code := http.StatusInternalServerError
	msg := err.Error()
	var he *echo.HTTPError
	if errors.As(err, &he) {
		code = he.Code
		msg = fmt.Sprint(he.Message)
	}
	issue := "processing"
	switch code {
	case http.StatusNotFound:
		issue = "not-found"
	case http.StatusUnauthorized:
		issue = "login"
	}
	if err := c.JSON(code, fhir.NewOperationOutcome("error", issue, msg)); err != nil {
		s.logger.Error().Err(err).Msg("write error response")
	}
}

func (s *Server) handleAuthenticate(c echo.Context) error {
	user, ok := s.users[c.Param("username")]
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "unknown user")
	}
	return c.JSON(http.StatusOK, map[string]string{
		"salt": user.Salt,
		"ts":   time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func (s *Server) baseURL(c echo.Context) string {
	return c.Scheme() + "://" + c.Request().Host + "/fhir"
}

func (s *Server) handleCreate(c echo.Context) error {
	resourceType := c.Param("type")
	body, err := readBody(c)
	if err != nil {
		return err
	}
	var resource map[string]interface{}
	if err := json.Unmarshal(body, &resource); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid JSON: "+err.Error())
	}
	loc, err := s.store.create(resourceType, resource)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	c.Response().Header().Set(echo.HeaderLocation,
		fmt.Sprintf("%s/%s/%s/_history/%s", s.baseURL(c), loc.ResourceType, loc.ID, loc.VersionID))
	return c.JSON(http.StatusCreated, resource)
}

func (s *Server) handleTransaction(c echo.Context) error {
	body, err := readBody(c)
	if err != nil {
		return err
	}
	bundle, err := fhir.ParseTransactionBundle(body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if bundle.Type != fhir.BundleTypeTransaction {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("unsupported bundle type %q", bundle.Type))
	}

	var created []fhir.Location
	proc := fhir.NewTransactionProcessor(func(method, url string, resource map[string]interface{}) (*fhir.BundleEntryResponse, error) {
		if method != http.MethodPost {
			return nil, fmt.Errorf("unsupported method %s", method)
		}
		loc, err := s.store.create(url, resource)
		if err != nil {
			return nil, err
		}
		created = append(created, loc)
		return &fhir.BundleEntryResponse{
			Status:   "201 Created",
			Location: fmt.Sprintf("%s/%s/_history/%s", loc.ResourceType, loc.ID, loc.VersionID),
		}, nil
	})

	resp, err := proc.ProcessTransaction(bundle)
	if err != nil {
		for _, loc := range created {
			s.store.remove(loc)
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, resp)
}

var searchParams = map[string]bool{
	"patient":            true,
	"patient.identifier": true,
	"_format":            true,
}

func (s *Server) handleSearch(c echo.Context) error {
	resourceType := c.Param("type")
	params := c.QueryParams()
	for name := range params {
		if !searchParams[name] {
			return echo.NewHTTPError(http.StatusBadRequest, "unsupported search parameter "+name)
		}
	}

	var patients map[string]bool
	if token := params.Get("patient.identifier"); token != "" {
		patients = s.store.patientsWithIdentifier(token)
	}
	patient := params.Get("patient")

	results := s.store.list(resourceType, func(r map[string]interface{}) bool {
		subject := subjectReference(r)
		if patient != "" && subject != patient {
			return false
		}
		if patients != nil && !patients[subject] {
			return false
		}
		return true
	})
	if s.reverseSearch {
		for i, j := 0, len(results)-1; i < j; i, j = i+1, j-1 {
			results[i], results[j] = results[j], results[i]
		}
	}

	return c.JSON(http.StatusOK, fhir.NewSearchBundle(results, s.baseURL(c)))
}

func (s *Server) handleRead(c echo.Context) error {
	resourceType, id := c.Param("type"), c.Param("id")
	resource, err := s.store.get(resourceType, id)
	if err != nil {
		return c.JSON(http.StatusNotFound, fhir.NotFoundOutcome(resourceType, id))
	}
	if hook, ok := s.readHooks[resourceType]; ok {
		resource = copyResource(resource)
		hook(resource)
	}
	return c.JSON(http.StatusOK, resource)
}

func copyResource(r map[string]interface{}) map[string]interface{} {
	data, _ := json.Marshal(r)
	var out map[string]interface{}
	_ = json.Unmarshal(data, &out)
	return out
}
