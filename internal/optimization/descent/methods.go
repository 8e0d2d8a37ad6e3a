package descent

import (
	"sort"
	"strings"

	"github.com/copyleftdev/descent/internal/optimization"
)

var methods = map[string]Method{
	"gd":               GradientDescent{},
	"gradient-descent": GradientDescent{},
	"cg":               ConjugateGradient{},
	"cg-fr":            ConjugateGradient{Variant: FletcherReeves},
	"cg-hs":            ConjugateGradient{Variant: HestenesStiefel},
	"cg-dy":            ConjugateGradient{Variant: DaiYuan},
	"bfgs":             BFGS{},
	"lbfgs":            LBFGS{},
	"newton":           Newton{},
}

// ParseMethod returns the method registered under name. Names are case
// insensitive.
func ParseMethod(name string) (Method, error) {
	if strings.TrimSpace(name) == "" {
		return nil, optimization.NewError("method name is empty").
			WithComponent("descent").WithOperation("ParseMethod")
	}
	m, ok := methods[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, optimization.NewErrorf("unknown method %q", name).
			WithComponent("descent").WithOperation("ParseMethod")
	}
	return m, nil
}

// MethodNames returns the registered method names in sorted order.
func MethodNames() []string {
	names := make([]string, 0, len(methods))
	for name := range methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
