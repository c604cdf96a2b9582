// Package threshold parses pass/fail criteria such as "p(95)<500" and
// evaluates them against an aggregator snapshot.
package threshold

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/stampede-load/stampede/internal/loadtest/metrics"
)

// Definition is a threshold as written in a scenario file.
type Definition struct {
	Expression     string
	AbortOnFail    bool
	DelayAbortEval time.Duration
}

// Condition is a single "<aggregation> <operator> <value>" comparison.
type Condition struct {
	Aggregation string
	Operator    string
	Value       float64

	// IsDuration is set when Value was written with a time unit and has been
	// converted to milliseconds.
	IsDuration bool
	Raw        string
}

// Threshold is one parsed expression bound to a metric or submetric. A
// compound expression holds several conditions that must all pass.
type Threshold struct {
	Key            string
	Metric         string
	Tags           metrics.Tags
	Expression     string
	Conditions     []Condition
	AbortOnFail    bool
	DelayAbortEval time.Duration
}

// ParseError reports a malformed threshold key or expression.
type ParseError struct {
	Key        string
	Expression string
	Message    string
}

func (e *ParseError) Error() string {
	if e.Expression == "" {
		return fmt.Sprintf("threshold %q: %s", e.Key, e.Message)
	}
	return fmt.Sprintf("threshold %q: %q: %s", e.Key, e.Expression, e.Message)
}

var (
	keyPattern       = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_.\-]*)(?:\{(.*)\})?$`)
	conditionPattern = regexp.MustCompile(`^([a-z]+|p\(\s*[0-9.]+\s*\)|p[0-9.]+)\s*(===|==|!=|<=|>=|<|>)\s*(\S+)$`)
)

// ParseKey splits "metric{tag:value,...}" into the metric name and tag filter.
func ParseKey(key string) (string, metrics.Tags, error) {
	key = strings.TrimSpace(key)
	m := keyPattern.FindStringSubmatch(key)
	if m == nil {
		return "", nil, &ParseError{Key: key, Message: "invalid metric name"}
	}
	if m[2] == "" {
		if strings.Contains(key, "{") {
			return "", nil, &ParseError{Key: key, Message: "empty tag filter"}
		}
		return m[1], nil, nil
	}

	tags := metrics.Tags{}
	for _, part := range strings.Split(m[2], ",") {
		k, v, ok := strings.Cut(part, ":")
		k = strings.TrimSpace(k)
		v = strings.Trim(strings.TrimSpace(v), `"'`)
		if !ok || k == "" {
			return "", nil, &ParseError{Key: key, Message: fmt.Sprintf("invalid tag filter %q", part)}
		}
		tags[k] = v
	}
	return m[1], tags, nil
}

// ParseExpression parses a possibly compound ("&&"-joined) expression.
func ParseExpression(expr string) ([]Condition, error) {
	parts := strings.Split(expr, "&&")
	conds := make([]Condition, 0, len(parts))
	for _, part := range parts {
		c, err := parseCondition(strings.TrimSpace(part))
		if err != nil {
			return nil, &ParseError{Expression: expr, Message: err.Error()}
		}
		conds = append(conds, c)
	}
	return conds, nil
}

func parseCondition(s string) (Condition, error) {
	if s == "" {
		return Condition{}, fmt.Errorf("empty condition")
	}
	m := conditionPattern.FindStringSubmatch(s)
	if m == nil {
		return Condition{}, fmt.Errorf("expected <aggregation> <operator> <value>, got %q", s)
	}

	agg := strings.ReplaceAll(m[1], " ", "")
	if !knownAggregation(agg) {
		return Condition{}, fmt.Errorf("unknown aggregation %q", agg)
	}

	c := Condition{Aggregation: agg, Operator: m[2], Raw: s}
	if v, err := strconv.ParseFloat(m[3], 64); err == nil {
		c.Value = v
		return c, nil
	}
	d, err := time.ParseDuration(m[3])
	if err != nil {
		return Condition{}, fmt.Errorf("invalid value %q", m[3])
	}
	c.Value = metrics.Millis(d)
	c.IsDuration = true
	return c, nil
}

func knownAggregation(agg string) bool {
	switch agg {
	case "avg", "min", "max", "med", "count", "rate", "value":
		return true
	}
	_, ok := metrics.ParsePercentile(agg)
	return ok
}

// Parse builds thresholds from a key and its definitions.
func Parse(key string, defs []Definition) ([]*Threshold, error) {
	metric, tags, err := ParseKey(key)
	if err != nil {
		return nil, err
	}
	if len(defs) == 0 {
		return nil, &ParseError{Key: key, Message: "no expressions"}
	}

	out := make([]*Threshold, 0, len(defs))
	for _, def := range defs {
		conds, err := ParseExpression(def.Expression)
		if err != nil {
			pe := err.(*ParseError)
			pe.Key = key
			return nil, pe
		}
		if def.DelayAbortEval < 0 {
			return nil, &ParseError{Key: key, Expression: def.Expression, Message: "delayAbortEval must not be negative"}
		}
		out = append(out, &Threshold{
			Key:            key,
			Metric:         metric,
			Tags:           tags,
			Expression:     def.Expression,
			Conditions:     conds,
			AbortOnFail:    def.AbortOnFail,
			DelayAbortEval: def.DelayAbortEval,
		})
	}
	return out, nil
}

// Validate checks that each threshold targets a known metric and only uses
// aggregations that metric type supports.
func Validate(ts []*Threshold, lookup func(name string) (metrics.Metric, bool)) error {
	for _, t := range ts {
		m, ok := lookup(t.Metric)
		if !ok {
			return &ParseError{Key: t.Key, Message: fmt.Sprintf("unknown metric %q", t.Metric)}
		}
		for _, c := range t.Conditions {
			if !metrics.SupportsAggregate(m.Type, c.Aggregation) {
				return &ParseError{
					Key:        t.Key,
					Expression: t.Expression,
					Message:    fmt.Sprintf("aggregation %q is not supported by %s metrics", c.Aggregation, m.Type),
				}
			}
			if c.IsDuration && m.Contains != metrics.Time {
				return &ParseError{
					Key:        t.Key,
					Expression: t.Expression,
					Message:    fmt.Sprintf("duration value %q used on non-time metric", c.Raw),
				}
			}
		}
	}
	return nil
}

// Compare applies an operator.
func Compare(actual float64, op string, expected float64) bool {
	switch op {
	case "<":
		return actual < expected
	case "<=":
		return actual <= expected
	case ">":
		return actual > expected
	case ">=":
		return actual >= expected
	case "==", "===":
		return actual == expected
	case "!=":
		return actual != expected
	default:
		return false
	}
}
