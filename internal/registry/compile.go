package registry

import (
	"fmt"
	"regexp"
	"strings"
)

// compiledRoute is one endpoint pattern ready for matching.
type compiledRoute struct {
	service  *ServiceRegistration
	endpoint *EndpointConfig
	pattern  *regexp.Regexp
	varNames []string
	methods  map[string]bool // nil = any method
}

// templateVar matches a {name} placeholder.
var templateVar = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// CompilePattern turns an endpoint path template into an anchored regular
// expression. `{name}` becomes a named single-segment capture, `**` matches
// across segments, a bare `*` matches within one segment.
func CompilePattern(template string) (*regexp.Regexp, []string, error) {
	if !strings.HasPrefix(template, "/") {
		template = "/" + template
	}

	var (
		b        strings.Builder
		varNames []string
	)
	b.WriteString("^")

	i := 0
	for i < len(template) {
		switch {
		case template[i] == '{':
			loc := templateVar.FindStringSubmatchIndex(template[i:])
			if loc == nil || loc[0] != 0 {
				return nil, nil, fmt.Errorf("malformed variable in template %q", template)
			}
			name := template[i+loc[2] : i+loc[3]]
			varNames = append(varNames, name)
			fmt.Fprintf(&b, "(?P<%s>[^/]+)", name)
			i += loc[1]
		case strings.HasPrefix(template[i:], "**"):
			b.WriteString(".*")
			i += 2
		case template[i] == '*':
			b.WriteString("[^/]*")
			i++
		default:
			b.WriteString(regexp.QuoteMeta(string(template[i])))
			i++
		}
	}
	b.WriteString("$")

	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, nil, fmt.Errorf("compiling template %q: %w", template, err)
	}
	return re, varNames, nil
}

// NormalizePath collapses repeated slashes and strips a trailing slash,
// preserving the root path "/".
func NormalizePath(path string) string {
	if path == "" {
		return "/"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	for strings.Contains(path, "//") {
		path = strings.ReplaceAll(path, "//", "/")
	}
	if len(path) > 1 {
		path = strings.TrimSuffix(path, "/")
	}
	if path == "" {
		path = "/"
	}
	return path
}

// compileEndpoint builds a compiledRoute for one endpoint. Endpoint order
// within a service is preserved by the caller; it is the tie-break for
// overlapping patterns.
func compileEndpoint(svc *ServiceRegistration, ep *EndpointConfig) (*compiledRoute, error) {
	re, vars, err := CompilePattern(ep.Path)
	if err != nil {
		return nil, err
	}

	cr := &compiledRoute{
		service:  svc,
		endpoint: ep,
		pattern:  re,
		varNames: vars,
	}

	wildcard := false
	for _, m := range ep.Methods {
		if m == "*" {
			wildcard = true
			break
		}
	}
	if !wildcard && len(ep.Methods) > 0 {
		cr.methods = make(map[string]bool, len(ep.Methods))
		for _, m := range ep.Methods {
			cr.methods[strings.ToUpper(m)] = true
		}
	}

	return cr, nil
}

// match tests a normalized path and method against the compiled route and
// extracts path variables on success.
func (cr *compiledRoute) match(path, method string) (map[string]string, bool) {
	if cr.methods != nil && !cr.methods[strings.ToUpper(method)] {
		return nil, false
	}

	m := cr.pattern.FindStringSubmatch(path)
	if m == nil {
		return nil, false
	}

	vars := make(map[string]string, len(cr.varNames))
	for i, name := range cr.pattern.SubexpNames() {
		if name != "" && i < len(m) {
			vars[name] = m[i]
		}
	}
	return vars, true
}

// RewritePath substitutes captured path variables into a rewrite template.
// Placeholders not captured by the source pattern are left literal.
func RewritePath(rewrite string, vars map[string]string) string {
	return templateVar.ReplaceAllStringFunc(rewrite, func(m string) string {
		name := m[1 : len(m)-1]
		if v, ok := vars[name]; ok {
			return v
		}
		return m
	})
}

// ValidateRewrite ensures a rewrite template only references variables
// declared in the source template.
func ValidateRewrite(source, rewrite string) error {
	if rewrite == "" {
		return nil
	}
	declared := make(map[string]bool)
	for _, m := range templateVar.FindAllStringSubmatch(source, -1) {
		declared[m[1]] = true
	}
	for _, m := range templateVar.FindAllStringSubmatch(rewrite, -1) {
		if !declared[m[1]] {
			return fmt.Errorf("rewrite references undeclared variable {%s}", m[1])
		}
	}
	return nil
}
