package fhir

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"unicode"
)

// ErrInvalidLocation is returned when a Location value does not name a
// resource.
var ErrInvalidLocation = errors.New("invalid resource location")

const historySegment = "_history"

// Location is a parsed Location header or Bundle entry location, e.g.
// "http://host/fhir/Binary/123/_history/1".
type Location struct {
	ResourceType string
	ID           string
	VersionID    string
}

// Reference returns the version independent "ResourceType/id" form.
func (l Location) Reference() string {
	return FormatReference(l.ResourceType, l.ID)
}

// ParseLocation splits an absolute or relative location into its resource
// type, id and optional version. Anything in front of the resource type (a
// scheme, host or base path) is ignored.
func ParseLocation(raw string) (Location, error) {
	p := strings.TrimSpace(raw)
	if p == "" {
		return Location{}, fmt.Errorf("%w: empty", ErrInvalidLocation)
	}
	if strings.Contains(p, "://") {
		u, err := url.Parse(p)
		if err != nil {
			return Location{}, fmt.Errorf("%w: %q: %v", ErrInvalidLocation, raw, err)
		}
		p = u.Path
	} else if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}

	var segs []string
	for _, s := range strings.Split(p, "/") {
		if s != "" {
			segs = append(segs, s)
		}
	}

	var loc Location
	h := lastIndex(segs, historySegment)
	switch {
	case h >= 2:
		loc.ResourceType, loc.ID = segs[h-2], segs[h-1]
		if h+1 < len(segs) {
			loc.VersionID = segs[h+1]
		}
	case h < 0 && len(segs) >= 2:
		loc.ResourceType, loc.ID = segs[len(segs)-2], segs[len(segs)-1]
	default:
		return Location{}, fmt.Errorf("%w: %q", ErrInvalidLocation, raw)
	}

	if !isResourceType(loc.ResourceType) {
		return Location{}, fmt.Errorf("%w: %q has no resource type", ErrInvalidLocation, raw)
	}
	return loc, nil
}

func lastIndex(segs []string, want string) int {
	for i := len(segs) - 1; i >= 0; i-- {
		if segs[i] == want {
			return i
		}
	}
	return -1
}

// isResourceType reports whether s looks like a FHIR resource type name.
func isResourceType(s string) bool {
	if s == "" || !unicode.IsUpper(rune(s[0])) {
		return false
	}
	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}
