package loadtest

import (
	"strconv"
	"strings"
	"testing"
)

func TestCompileTemplate_Variables(t *testing.T) {
	tests := []struct {
		name string
		text string
		vars map[string]string
		want string
	}{
		{"plain", "/api/users", nil, "/api/users"},
		{"naked variable", "{{baseUrl}}/api/users/{{userId}}", map[string]string{"baseUrl": "http://x", "userId": "7"}, "http://x/api/users/7"},
		{"spaces", "{{ vu }}-{{ iter }}", map[string]string{"vu": "3", "iter": "0"}, "3-0"},
		{"missing variable", "id={{missing}}", map[string]string{}, "id="},
		{"func call", `{{randomChoice "a" "a"}}`, nil, "a"},
		{"env func", `{{env "STAMPEDE_TEMPLATE_TEST_UNSET"}}`, nil, ""},
		{"if set", "{{if .x}}a{{else}}b{{end}}", map[string]string{"x": "1"}, "a"},
		{"if unset", "{{if .x}}a{{else}}b{{end}}", map[string]string{}, "b"},
		{"range", "{{range $k, $v := .}}{{$k}}={{$v}};{{end}}", map[string]string{"b": "2", "a": "1"}, "a=1;b=2;"},
		{"keyword beside variable", "{{if .id}}{{id}}{{end}}", map[string]string{"id": "9"}, "9"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpl, err := CompileTemplate(tt.name, tt.text)
			if err != nil {
				t.Fatalf("CompileTemplate() error = %v", err)
			}
			got, err := tmpl.Render(tt.vars)
			if err != nil {
				t.Fatalf("Render() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Render() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCompileTemplate_Funcs(t *testing.T) {
	tmpl, err := CompileTemplate("funcs", `{{randomInt 5 10}}|{{randomString 8}}|{{uuid}}|{{timestamp}}`)
	if err != nil {
		t.Fatal(err)
	}
	got, err := tmpl.Render(nil)
	if err != nil {
		t.Fatal(err)
	}
	parts := strings.Split(got, "|")
	if len(parts) != 4 {
		t.Fatalf("Render() = %q", got)
	}
	if n, err := strconv.Atoi(parts[0]); err != nil || n < 5 || n > 10 {
		t.Errorf("randomInt = %q", parts[0])
	}
	if len(parts[1]) != 8 {
		t.Errorf("randomString = %q", parts[1])
	}
	if len(parts[2]) != 36 {
		t.Errorf("uuid = %q", parts[2])
	}
	if _, err := strconv.ParseInt(parts[3], 10, 64); err != nil {
		t.Errorf("timestamp = %q", parts[3])
	}
}

func TestCompileTemplate_Invalid(t *testing.T) {
	if _, err := CompileTemplate("bad", "{{if}}"); err == nil {
		t.Error("expected parse error")
	}
}
