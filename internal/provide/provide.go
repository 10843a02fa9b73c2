// Package provide turns the global symbol table (e.g. "$" -> jquery) into an
// esbuild inject module, so each bundle imports its globals explicitly.
package provide

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

var identifier = regexp.MustCompile(`^[A-Za-z_$][A-Za-z0-9_$]*$`)

// Binding names the module a symbol aliases and, optionally, one of its
// exports. An empty Export means the module's default export.
type Binding struct {
	Module string
	Export string
}

// UnmarshalYAML accepts "module", "module#export" or [module, export].
func (b *Binding) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		return b.UnmarshalText([]byte(value.Value))
	case yaml.SequenceNode:
		var parts []string
		if err := value.Decode(&parts); err != nil {
			return err
		}
		if len(parts) == 0 || len(parts) > 2 {
			return fmt.Errorf("provide binding must be [module] or [module, export], got %d items", len(parts))
		}
		b.Module = parts[0]
		b.Export = ""
		if len(parts) == 2 {
			b.Export = parts[1]
		}
		return nil
	default:
		return errors.New("provide binding must be a string or a list")
	}
}

// UnmarshalText accepts "module" or "module#export".
func (b *Binding) UnmarshalText(text []byte) error {
	module, export, _ := strings.Cut(string(text), "#")
	b.Module = module
	b.Export = export
	return nil
}

// MarshalText is the inverse of UnmarshalText.
func (b Binding) MarshalText() ([]byte, error) {
	if b.Export == "" {
		return []byte(b.Module), nil
	}
	return []byte(b.Module + "#" + b.Export), nil
}

// Table maps global symbols to bindings.
type Table map[string]Binding

// Validate checks every symbol and binding.
func (t Table) Validate() error {
	for _, name := range t.Names() {
		b := t[name]
		if b.Module == "" {
			return fmt.Errorf("provide %q: module is required", name)
		}
		if !validSymbol(name) {
			return fmt.Errorf("provide %q: not an identifier or a dotted global", name)
		}
	}
	return nil
}

func validSymbol(name string) bool {
	for _, part := range strings.Split(name, ".") {
		if !identifier.MatchString(part) {
			return false
		}
	}
	return true
}

// Names returns the provided symbols sorted.
func (t Table) Names() []string {
	names := make([]string, 0, len(t))
	for name := range t {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Shim renders the inject module. Each distinct binding is imported once and
// re-exported under every symbol aliasing it; dotted symbols such as
// "window.jQuery" use string export names, which esbuild's inject maps to
// the matching global expression. The output is stable for a given table.
func (t Table) Shim() []byte {
	if len(t) == 0 {
		return nil
	}

	type local struct {
		name    string
		binding Binding
	}
	locals := map[Binding]string{}
	var order []local
	for _, name := range t.Names() {
		b := t[name]
		if _, ok := locals[b]; ok {
			continue
		}
		l := local{name: fmt.Sprintf("__provide_%d", len(order)), binding: b}
		locals[b] = l.name
		order = append(order, l)
	}

	var sb strings.Builder
	for _, l := range order {
		module, _ := json.Marshal(l.binding.Module)
		if l.binding.Export == "" || l.binding.Export == "default" {
			fmt.Fprintf(&sb, "import %s from %s;\n", l.name, module)
			continue
		}
		fmt.Fprintf(&sb, "import { %s as %s } from %s;\n", exportName(l.binding.Export), l.name, module)
	}

	exports := make([]string, 0, len(t))
	for _, name := range t.Names() {
		exports = append(exports, fmt.Sprintf("%s as %s", locals[t[name]], exportName(name)))
	}
	fmt.Fprintf(&sb, "export { %s };\n", strings.Join(exports, ", "))
	return []byte(sb.String())
}

func exportName(name string) string {
	if identifier.MatchString(name) {
		return name
	}
	quoted, _ := json.Marshal(name)
	return string(quoted)
}
