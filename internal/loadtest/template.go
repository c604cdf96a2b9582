package loadtest

import (
	"fmt"
	"math/rand/v2"
	"os"
	"regexp"
	"strings"
	"text/template"
	"time"

	"github.com/google/uuid"
)

const letters = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

var templateFuncs = template.FuncMap{
	"randomInt": func(min, max int) int {
		if max <= min {
			return min
		}
		return min + rand.IntN(max-min+1)
	},
	"randomString": func(n int) string {
		b := make([]byte, n)
		for i := range b {
			b[i] = letters[rand.IntN(len(letters))]
		}
		return string(b)
	},
	"randomChoice": func(items ...string) string {
		if len(items) == 0 {
			return ""
		}
		return items[rand.IntN(len(items))]
	},
	"uuid":      func() string { return uuid.NewString() },
	"timestamp": func() int64 { return time.Now().UnixMilli() },
	"env":       os.Getenv,
}

// {{name}} with a bare identifier is a variable lookup unless name is a func
// or a template keyword.
var nakedVar = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_]*)\s*\}\}`)

var templateKeywords = map[string]bool{
	"if": true, "else": true, "end": true, "range": true, "with": true,
	"define": true, "block": true, "template": true, "break": true,
	"continue": true, "nil": true,
}

// Template is a compiled request template. Plain strings skip the template
// engine entirely.
type Template struct {
	raw  string
	tmpl *template.Template
}

// CompileTemplate compiles text. Variables are referenced as {{name}};
// the helpers randomInt, randomString, randomChoice, uuid, timestamp and
// env are available.
func CompileTemplate(name, text string) (*Template, error) {
	t := &Template{raw: text}
	if !strings.Contains(text, "{{") {
		return t, nil
	}

	rewritten := nakedVar.ReplaceAllStringFunc(text, func(m string) string {
		ident := nakedVar.FindStringSubmatch(m)[1]
		if _, ok := templateFuncs[ident]; ok || templateKeywords[ident] {
			return m
		}
		return fmt.Sprintf(`{{index . %q}}`, ident)
	})

	tmpl, err := template.New(name).Funcs(templateFuncs).Parse(rewritten)
	if err != nil {
		return nil, fmt.Errorf("invalid template %q: %w", text, err)
	}
	t.tmpl = tmpl
	return t, nil
}

// Raw returns the source text.
func (t *Template) Raw() string {
	return t.raw
}

// Render executes the template. Unknown variables render as empty strings.
func (t *Template) Render(vars map[string]string) (string, error) {
	if t.tmpl == nil {
		return t.raw, nil
	}
	var sb strings.Builder
	if err := t.tmpl.Execute(&sb, vars); err != nil {
		return "", err
	}
	return sb.String(), nil
}
