// Package check evaluates response checks (status, body, header, duration,
// JSON path and JSON schema) for virtual-user requests.
package check

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/tidwall/gjson"
)

// Check types.
const (
	TypeStatus   = "status"
	TypeBody     = "body"
	TypeHeader   = "header"
	TypeDuration = "duration"
	TypeJSON     = "json"
	TypeSchema   = "schema"
)

// Conditions.
const (
	CondEq       = "eq"
	CondNe       = "ne"
	CondGt       = "gt"
	CondLt       = "lt"
	CondGte      = "gte"
	CondLte      = "lte"
	CondContains = "contains"
	CondMatches  = "matches"
	CondIn       = "in"
	CondExists   = "exists"
)

// Check is a single assertion on a response.
type Check struct {
	Name      string      `yaml:"name" json:"name"`
	Type      string      `yaml:"type" json:"type"`
	Condition string      `yaml:"condition,omitempty" json:"condition,omitempty"`
	Path      string      `yaml:"path,omitempty" json:"path,omitempty"`
	Value     interface{} `yaml:"value,omitempty" json:"value,omitempty"`
}

// Target is the response data a check inspects.
type Target struct {
	Status   int
	Header   http.Header
	Body     []byte
	Duration time.Duration
}

// Result is the outcome of one check.
type Result struct {
	Name    string
	Passed  bool
	Message string
}

// Compiled is a validated check with its regex or schema prepared.
type Compiled struct {
	Check
	pattern *regexp.Regexp
	schema  *jsonschema.Schema
	list    []string
}

// DisplayName returns the check name, deriving one when none was given.
func (c Check) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}
	parts := []string{c.Type}
	if c.Path != "" {
		parts = append(parts, c.Path)
	}
	if c.Type != TypeSchema {
		parts = append(parts, c.condition())
		if c.Value != nil {
			parts = append(parts, fmt.Sprintf("%v", c.Value))
		}
	}
	return strings.Join(parts, " ")
}

func (c Check) condition() string {
	if c.Condition != "" {
		return strings.ToLower(c.Condition)
	}
	switch c.Type {
	case TypeJSON, TypeHeader:
		if c.Value == nil {
			return CondExists
		}
	case TypeBody:
		return CondContains
	}
	return CondEq
}

// Compile validates a check and prepares it for repeated evaluation.
func Compile(c Check) (*Compiled, error) {
	cc := &Compiled{Check: c}
	cc.Condition = c.condition()
	cc.Name = c.DisplayName()

	switch c.Type {
	case TypeStatus, TypeBody, TypeDuration:
	case TypeHeader, TypeJSON:
		if c.Path == "" {
			return nil, fmt.Errorf("check %q: %s check requires a path", cc.Name, c.Type)
		}
	case TypeSchema:
		schema, err := compileSchema(c.Value)
		if err != nil {
			return nil, fmt.Errorf("check %q: %w", cc.Name, err)
		}
		cc.schema = schema
		return cc, nil
	default:
		return nil, fmt.Errorf("check %q: unknown type %q", cc.Name, c.Type)
	}

	if c.Value == nil && cc.Condition != CondExists {
		return nil, fmt.Errorf("check %q: value is required", cc.Name)
	}

	switch cc.Condition {
	case CondEq, CondNe, CondContains:
	case CondGt, CondLt, CondGte, CondLte:
		if _, ok := expectedNumber(c.Type, c.Value); !ok {
			return nil, fmt.Errorf("check %q: condition %s needs a numeric value", cc.Name, cc.Condition)
		}
	case CondMatches:
		re, err := regexp.Compile(fmt.Sprintf("%v", c.Value))
		if err != nil {
			return nil, fmt.Errorf("check %q: invalid pattern: %w", cc.Name, err)
		}
		cc.pattern = re
	case CondIn:
		items, ok := c.Value.([]interface{})
		if !ok {
			return nil, fmt.Errorf("check %q: condition in needs a list value", cc.Name)
		}
		for _, it := range items {
			cc.list = append(cc.list, fmt.Sprintf("%v", it))
		}
	case CondExists:
		if c.Type != TypeJSON && c.Type != TypeHeader {
			return nil, fmt.Errorf("check %q: exists only applies to json and header checks", cc.Name)
		}
	default:
		return nil, fmt.Errorf("check %q: unknown condition %q", cc.Name, cc.Condition)
	}
	return cc, nil
}

// CompileAll compiles a list of checks.
func CompileAll(checks []Check) ([]*Compiled, error) {
	out := make([]*Compiled, 0, len(checks))
	for _, c := range checks {
		cc, err := Compile(c)
		if err != nil {
			return nil, err
		}
		out = append(out, cc)
	}
	return out, nil
}

func compileSchema(v interface{}) (*jsonschema.Schema, error) {
	var raw []byte
	switch s := v.(type) {
	case string:
		raw = []byte(s)
	case nil:
		return nil, fmt.Errorf("schema check requires a schema value")
	default:
		b, err := json.Marshal(normalize(s))
		if err != nil {
			return nil, fmt.Errorf("invalid schema: %w", err)
		}
		raw = b
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}
	schema, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}
	return schema, nil
}

// normalize turns map[interface{}]interface{} nodes (as produced by some YAML
// decoders) into JSON-encodable maps.
func normalize(v interface{}) interface{} {
	switch t := v.(type) {
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[fmt.Sprintf("%v", k)] = normalize(val)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = normalize(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = normalize(val)
		}
		return out
	default:
		return v
	}
}

// Evaluate runs the check against a response.
func (c *Compiled) Evaluate(t Target) Result {
	res := Result{Name: c.Name}

	switch c.Type {
	case TypeSchema:
		var doc interface{}
		if err := json.Unmarshal(t.Body, &doc); err != nil {
			res.Message = fmt.Sprintf("body is not valid JSON: %v", err)
			return res
		}
		if err := c.schema.Validate(doc); err != nil {
			res.Message = err.Error()
			return res
		}
		res.Passed = true
		return res

	case TypeStatus:
		return c.compare(res, strconv.Itoa(t.Status), float64(t.Status), true)

	case TypeDuration:
		ms := float64(t.Duration) / float64(time.Millisecond)
		return c.compare(res, strconv.FormatFloat(ms, 'f', -1, 64), ms, true)

	case TypeBody:
		return c.compare(res, string(t.Body), 0, false)

	case TypeHeader:
		v := t.Header.Get(c.Path)
		if c.Condition == CondExists {
			return c.exists(res, v != "")
		}
		n, err := strconv.ParseFloat(v, 64)
		return c.compare(res, v, n, err == nil)

	case TypeJSON:
		val, err := Extract(t.Body, c.Path)
		if c.Condition == CondExists {
			return c.exists(res, err == nil)
		}
		if err != nil {
			res.Message = err.Error()
			return res
		}
		actual := val.String()
		if val.Type == gjson.Null {
			actual = "null"
		}
		return c.compare(res, actual, val.Float(), val.Type == gjson.Number)
	}

	res.Message = "unsupported check"
	return res
}

func (c *Compiled) exists(res Result, found bool) Result {
	want := true
	if b, ok := c.Value.(bool); ok {
		want = b
	}
	res.Passed = found == want
	if !res.Passed {
		res.Message = fmt.Sprintf("%s exists=%v, want %v", c.Path, found, want)
	}
	return res
}

func (c *Compiled) compare(res Result, actual string, actualNum float64, numeric bool) Result {
	expected := fmt.Sprintf("%v", c.Value)
	expectedNum, expNumeric := expectedNumber(c.Type, c.Value)

	switch c.Condition {
	case CondEq, CondNe:
		equal := actual == expected
		if numeric && expNumeric {
			equal = actualNum == expectedNum
		}
		res.Passed = equal == (c.Condition == CondEq)
	case CondGt, CondLt, CondGte, CondLte:
		if !numeric {
			res.Message = fmt.Sprintf("%q is not numeric", truncate(actual))
			return res
		}
		switch c.Condition {
		case CondGt:
			res.Passed = actualNum > expectedNum
		case CondLt:
			res.Passed = actualNum < expectedNum
		case CondGte:
			res.Passed = actualNum >= expectedNum
		case CondLte:
			res.Passed = actualNum <= expectedNum
		}
	case CondContains:
		res.Passed = strings.Contains(actual, expected)
	case CondMatches:
		res.Passed = c.pattern.MatchString(actual)
	case CondIn:
		for _, item := range c.list {
			if item == actual {
				res.Passed = true
				break
			}
		}
	}

	if !res.Passed && res.Message == "" {
		res.Message = fmt.Sprintf("got %q, want %s %v", truncate(actual), c.Condition, c.Value)
	}
	return res
}

// expectedNumber converts a check value to a float. Duration checks also
// accept Go duration strings, converted to milliseconds.
func expectedNumber(typ string, v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case string:
		if f, err := strconv.ParseFloat(n, 64); err == nil {
			return f, true
		}
		if typ == TypeDuration {
			if d, err := time.ParseDuration(n); err == nil {
				return float64(d) / float64(time.Millisecond), true
			}
		}
	}
	return 0, false
}

func truncate(s string) string {
	if len(s) > 64 {
		return s[:64] + "..."
	}
	return s
}
