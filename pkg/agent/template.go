package agent

import (
	"encoding/json"
	"fmt"
	"regexp"
)

// templateVar matches $name and ${name}. Any other $ sequence, such as a
// price like $100, is literal text.
var templateVar = regexp.MustCompile(`\$(?:\{([A-Za-z_][A-Za-z0-9_]*)\}|([A-Za-z_][A-Za-z0-9_]*))`)

func varName(m []string) string {
	if m[1] != "" {
		return m[1]
	}
	return m[2]
}

// render substitutes $name and ${name} in tmpl from vars. Strings are
// inserted as-is, other values as JSON. Unknown names render empty.
func render(tmpl string, vars map[string]any) string {
	return templateVar.ReplaceAllStringFunc(tmpl, func(m string) string {
		return formatValue(vars[varName(templateVar.FindStringSubmatch(m))])
	})
}

func formatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case fmt.Stringer:
		return val.String()
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(b)
	}
}

// templateVars lists the variables tmpl references, in first-use order.
func templateVars(tmpl string) []string {
	seen := make(map[string]bool)
	var names []string
	for _, m := range templateVar.FindAllStringSubmatch(tmpl, -1) {
		if name := varName(m); !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	return names
}
