package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestHearthSkipper(t *testing.T) {
	tests := []struct {
		path string
		skip bool
	}{
		{"/api/authenticate/sysadmin@jembi.org", true},
		{"/api/authenticate", false},
		{"/fhir", false},
		{"/fhir/Binary/1", false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			c := e.NewContext(req, httptest.NewRecorder())

			if got := HearthSkipper(c); got != tt.skip {
				t.Errorf("HearthSkipper(%s) = %v, want %v", tt.path, got, tt.skip)
			}
		})
	}
}
