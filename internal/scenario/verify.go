package scenario

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/jembi/openshr-validation-tests/internal/platform/client"
)

// AssertionResult is the outcome of one check.
type AssertionResult struct {
	Name     string
	Request  string
	Passed   bool
	Message  string
	Expected string
	Actual   string
}

// Check is a named predicate over a response. Body checks address the JSON
// body with gjson paths.
type Check struct {
	Name string
	body bool
	eval func(resp *client.Response, doc gjson.Result) (expected, actual string, ok bool)
}

// Expectation is the list of checks a response must satisfy.
type Expectation []Check

const missing = "<missing>"

// Verify evaluates every check against resp. Checks never short-circuit;
// when the body is not JSON a failed "body is JSON" result precedes the
// body checks, which then fail as well.
func Verify(exp Expectation, resp *client.Response) []AssertionResult {
	request := resp.Method + " " + resp.URL
	isJSON := gjson.ValidBytes(resp.Body)
	var doc gjson.Result
	if isJSON {
		doc = gjson.ParseBytes(resp.Body)
	}

	results := make([]AssertionResult, 0, len(exp)+1)
	reported := false
	for _, c := range exp {
		if c.body && !isJSON && !reported {
			reported = true
			results = append(results, AssertionResult{
				Name:     "body is JSON",
				Request:  request,
				Message:  "response body is not valid JSON: " + abbreviate(string(resp.Body)),
				Expected: "JSON",
				Actual:   resp.Header.Get("Content-Type"),
			})
		}
		expected, actual, ok := c.eval(resp, doc)
		r := AssertionResult{
			Name:     c.Name,
			Request:  request,
			Passed:   ok,
			Expected: expected,
			Actual:   actual,
		}
		if !ok {
			r.Message = fmt.Sprintf("expected %s, got %s", expected, actual)
		}
		results = append(results, r)
	}
	return results
}

// StatusIs checks the HTTP status code.
func StatusIs(code int) Check {
	return Check{
		Name: fmt.Sprintf("status code should be %d", code),
		eval: func(resp *client.Response, _ gjson.Result) (string, string, bool) {
			return strconv.Itoa(code), strconv.Itoa(resp.StatusCode), resp.StatusCode == code
		},
	}
}

// FieldEquals checks that the string at path equals want.
func FieldEquals(name, path, want string) Check {
	return Check{
		Name: name,
		body: true,
		eval: func(_ *client.Response, doc gjson.Result) (string, string, bool) {
			v := doc.Get(path)
			if !v.Exists() {
				return want, missing, false
			}
			return want, v.String(), v.Type == gjson.String && v.Str == want
		},
	}
}

// IntEquals checks that the number at path equals want.
func IntEquals(name, path string, want int) Check {
	return Check{
		Name: name,
		body: true,
		eval: func(_ *client.Response, doc gjson.Result) (string, string, bool) {
			v := doc.Get(path)
			if !v.Exists() {
				return strconv.Itoa(want), missing, false
			}
			return strconv.Itoa(want), v.Raw, v.Type == gjson.Number && v.Num == float64(want)
		},
	}
}

// CountEquals checks that the array at path has n elements.
func CountEquals(name, path string, n int) Check {
	return Check{
		Name: name,
		body: true,
		eval: func(_ *client.Response, doc gjson.Result) (string, string, bool) {
			v := doc.Get(path)
			switch {
			case !v.Exists():
				return strconv.Itoa(n), missing, false
			case !v.IsArray():
				return strconv.Itoa(n), "not an array", false
			}
			got := len(v.Array())
			return strconv.Itoa(n), strconv.Itoa(got), got == n
		},
	}
}

// EachEquals checks that the array at path is non-empty and every element
// is the string want. Use a "#" path such as "entry.#.resource.resourceType".
func EachEquals(name, path, want string) Check {
	return Check{
		Name: name,
		body: true,
		eval: func(_ *client.Response, doc gjson.Result) (string, string, bool) {
			vals := doc.Get(path).Array()
			if len(vals) == 0 {
				return "all " + want, missing, false
			}
			ok := true
			got := make([]string, len(vals))
			for i, v := range vals {
				got[i] = v.String()
				if v.Type != gjson.String || v.Str != want {
					ok = false
				}
			}
			return "all " + want, "[" + strings.Join(got, ", ") + "]", ok
		},
	}
}

// ElementsEqual checks that the array at path holds exactly want, in order.
func ElementsEqual(name, path string, want ...string) Check {
	expected := "[" + strings.Join(want, ", ") + "]"
	return Check{
		Name: name,
		body: true,
		eval: func(_ *client.Response, doc gjson.Result) (string, string, bool) {
			v := doc.Get(path)
			if !v.Exists() {
				return expected, missing, false
			}
			vals := v.Array()
			ok := len(vals) == len(want)
			got := make([]string, len(vals))
			for i, e := range vals {
				got[i] = e.String()
				if ok && (e.Type != gjson.String || e.Str != want[i]) {
					ok = false
				}
			}
			return expected, "[" + strings.Join(got, ", ") + "]", ok
		},
	}
}

func abbreviate(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 80 {
		return s[:80] + "..."
	}
	return s
}
