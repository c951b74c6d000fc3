package auth

import (
	"context"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"
)

// Headers carrying the Hearth credentials on every request.
const (
	HeaderUsername = "auth-username"
	HeaderTS       = "auth-ts"
	HeaderSalt     = "auth-salt"
	HeaderToken    = "auth-token"
)

var (
	// ErrNoFHIRSegment is returned when the base URL has no "fhir" path
	// segment to derive the authentication endpoint from.
	ErrNoFHIRSegment = errors.New("base URL has no fhir path segment")

	// ErrMalformedChallenge is returned when the challenge response lacks a
	// salt or timestamp.
	ErrMalformedChallenge = errors.New("malformed authentication challenge")
)

// Doer executes HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Challenge is the per-user salt and server timestamp returned by the
// authenticate endpoint.
type Challenge struct {
	Salt string
	TS   string
}

// ChallengeURL derives the authenticate endpoint for username from a FHIR
// base URL by replacing its last "fhir" path segment with "api", e.g.
// http://host/fhir -> http://host/api/authenticate/{username}. The username
// is a single escaped path segment.
func ChallengeURL(baseURL, username string) (string, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	segs := strings.Split(u.EscapedPath(), "/")
	idx := -1
	for i := len(segs) - 1; i >= 0; i-- {
		if segs[i] == "fhir" {
			idx = i
			break
		}
	}
	if idx < 0 {
		return "", fmt.Errorf("%w: %s", ErrNoFHIRSegment, baseURL)
	}
	segs[idx] = "api"
	u.RawPath = strings.Join(segs, "/") + "/authenticate/" + url.PathEscape(username)
	if u.Path, err = url.PathUnescape(u.RawPath); err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	u.RawQuery = ""
	return u.String(), nil
}

// PasswordHash returns hex(SHA512(salt+password)), the value a Hearth
// server stores for a user.
func PasswordHash(salt, password string) string {
	h := sha512.New()
	h.Write([]byte(salt))
	h.Write([]byte(password))
	return hex.EncodeToString(h.Sum(nil))
}

// TokenFromHash returns hex(SHA512(passHash+salt+ts)).
func TokenFromHash(passHash, salt, ts string) string {
	h := sha512.New()
	h.Write([]byte(passHash))
	h.Write([]byte(salt))
	h.Write([]byte(ts))
	return hex.EncodeToString(h.Sum(nil))
}

// ComputeToken returns hex(SHA512(hex(SHA512(salt+password)) + salt + ts)).
func ComputeToken(salt, password, ts string) string {
	return TokenFromHash(PasswordHash(salt, password), salt, ts)
}

// FetchChallenge requests the salt and timestamp for username.
func FetchChallenge(ctx context.Context, doer Doer, baseURL, username string) (*Challenge, error) {
	challengeURL, err := ChallengeURL(baseURL, username)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, challengeURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build challenge request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := doer.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", challengeURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("GET %s: read body: %w", challengeURL, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: unexpected response [%d]", challengeURL, resp.StatusCode)
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: body is not JSON", ErrMalformedChallenge)
	}

	salt := gjson.GetBytes(body, "salt")
	ts := gjson.GetBytes(body, "ts")
	if !isScalar(salt) || salt.String() == "" {
		return nil, fmt.Errorf("%w: missing salt", ErrMalformedChallenge)
	}
	if !isScalar(ts) || ts.String() == "" {
		return nil, fmt.Errorf("%w: missing ts", ErrMalformedChallenge)
	}
	return &Challenge{Salt: salt.String(), TS: ts.String()}, nil
}

// Authenticate performs the challenge-response handshake and returns the
// headers to attach to every subsequent request of the run.
func Authenticate(ctx context.Context, doer Doer, baseURL, username, password string) (http.Header, error) {
	ch, err := FetchChallenge(ctx, doer, baseURL, username)
	if err != nil {
		return nil, err
	}
	return ch.Headers(username, password), nil
}

// Headers signs the challenge with password.
func (c *Challenge) Headers(username, password string) http.Header {
	h := http.Header{}
	h.Set(HeaderUsername, username)
	h.Set(HeaderTS, c.TS)
	h.Set(HeaderSalt, c.Salt)
	h.Set(HeaderToken, ComputeToken(c.Salt, password, c.TS))
	return h
}

func isScalar(r gjson.Result) bool {
	return r.Type == gjson.String || r.Type == gjson.Number
}
