package check

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// Extract returns the value at a JSONPath-style path ($.users[0].name) or a
// native gjson path (users.0.name).
func Extract(body []byte, path string) (gjson.Result, error) {
	if len(body) == 0 {
		return gjson.Result{}, fmt.Errorf("empty body")
	}
	if path == "" {
		return gjson.Result{}, fmt.Errorf("empty path")
	}
	if !gjson.ValidBytes(body) {
		return gjson.Result{}, fmt.Errorf("body is not valid JSON")
	}

	res := gjson.GetBytes(body, ToGJSONPath(path))
	if !res.Exists() {
		return res, fmt.Errorf("path not found: %s", path)
	}
	return res, nil
}

// ExtractString is Extract rendered as a string; JSON null becomes "null".
func ExtractString(body []byte, path string) (string, error) {
	res, err := Extract(body, path)
	if err != nil {
		return "", err
	}
	if res.Type == gjson.Null {
		return "null", nil
	}
	return res.String(), nil
}

// ToGJSONPath converts JSONPath notation to gjson's dotted syntax.
func ToGJSONPath(path string) string {
	if !strings.HasPrefix(path, "$") {
		return path
	}

	path = strings.TrimPrefix(path, "$")
	path = strings.TrimPrefix(path, ".")
	if path == "" {
		return "@this"
	}

	r := strings.NewReplacer(`['`, ".", `']`, "", `["`, ".", `"]`, "", "[", ".", "]", "")
	path = r.Replace(path)
	return strings.TrimPrefix(path, ".")
}
