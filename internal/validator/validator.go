// Package validator statically vets generated component source before it
// may touch disk or an interpreter. Validation is pure: the same source
// always yields the same verdict, and nothing is executed or written.
package validator

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"sort"
	"strconv"
	"strings"
)

// Rule identifies the check a diagnostic came from.
type Rule string

const (
	RuleSyntax      Rule = "syntax"
	RulePackage     Rule = "package"
	RuleImport      Rule = "import"
	RuleCall        Rule = "call"
	RuleEntryPoint  Rule = "entry_point"
	RuleCoupling    Rule = "coupling"
	RuleDeclaration Rule = "declaration"
)

// Diagnostic names one violation precisely enough to feed back to the
// code generator.
type Diagnostic struct {
	Rule     Rule
	Position string
	Message  string
}

func (d Diagnostic) String() string {
	if d.Position == "" {
		return fmt.Sprintf("[%s] %s", d.Rule, d.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", d.Rule, d.Position, d.Message)
}

// Result is a validation verdict. OK is true only when Diagnostics is
// empty.
type Result struct {
	OK          bool
	Diagnostics []Diagnostic
}

// Messages renders diagnostics as plain strings for generator feedback.
func (r Result) Messages() []string {
	out := make([]string, len(r.Diagnostics))
	for i, d := range r.Diagnostics {
		out[i] = d.String()
	}
	return out
}

// EntryPoint is the function every component must export.
const EntryPoint = "Start"

// FacadeImport is the one runtime package components may import to talk
// to the event bus.
const FacadeImport = "genesis/organ"

// OrganImportPrefix marks component-to-component imports, which are
// forbidden: components communicate over the bus only.
const OrganImportPrefix = "genesis/organs/"

// allowedImports is the interpreter-safe stdlib subset. Before widening
// this list, remember generated code runs with full process privileges
// inside the interpreter.
var allowedImports = map[string]bool{
	"bytes":           true,
	"bufio":           true,
	"container/heap":  true,
	"container/list":  true,
	"context":         true,
	"encoding/base64": true,
	"encoding/hex":    true,
	"encoding/json":   true,
	"errors":          true,
	"fmt":             true,
	"hash/fnv":        true,
	"math":            true,
	"math/big":        true,
	"math/rand":       true,
	"regexp":          true,
	"sort":            true,
	"strconv":         true,
	"strings":         true,
	"sync":            true,
	"sync/atomic":     true,
	"time":            true,
	"unicode":         true,
	"unicode/utf8":    true,
	"net/url":         true,
	FacadeImport:      true,
}

// deniedCalls blocks dangerous qualified calls even when the import
// check was somehow bypassed (aliased imports, future list edits).
// A nil set denies every selector on that package.
var deniedCalls = map[string]map[string]bool{
	"os": {
		"Remove": true, "RemoveAll": true, "Exit": true, "Chmod": true,
		"Chown": true, "Setenv": true, "Unsetenv": true, "OpenFile": true,
		"Create": true, "WriteFile": true, "Rename": true, "Symlink": true,
	},
	"exec":    nil,
	"syscall": nil,
	"unsafe":  nil,
	"plugin":  nil,
	"reflect": nil,
}

// Validator vets component source against the safety and contract rules.
type Validator struct {
	allowed map[string]bool
}

// Option customizes a Validator.
type Option func(*Validator)

// WithExtraImports widens the import allow-list, for operators who trust
// additional stdlib packages.
func WithExtraImports(imports []string) Option {
	return func(v *Validator) {
		for _, imp := range imports {
			v.allowed[imp] = true
		}
	}
}

// New creates a Validator with the default allow-list.
func New(opts ...Option) *Validator {
	v := &Validator{allowed: make(map[string]bool, len(allowedImports))}
	for imp := range allowedImports {
		v.allowed[imp] = true
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// AllowedImports returns the sorted allow-list, for prompt construction.
func (v *Validator) AllowedImports() []string {
	out := make([]string, 0, len(v.allowed))
	for imp := range v.allowed {
		out = append(out, imp)
	}
	sort.Strings(out)
	return out
}

// Validate checks source for the component with the given dotted name.
// It never executes the code and never touches the filesystem.
func (v *Validator) Validate(source, componentName string) Result {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, componentName+".go", source, parser.ParseComments)
	if err != nil {
		return Result{Diagnostics: []Diagnostic{{
			Rule:    RuleSyntax,
			Message: err.Error(),
		}}}
	}

	var diags []Diagnostic
	add := func(rule Rule, pos token.Pos, format string, args ...any) {
		position := ""
		if pos.IsValid() {
			position = fset.Position(pos).String()
		}
		diags = append(diags, Diagnostic{Rule: rule, Position: position, Message: fmt.Sprintf(format, args...)})
	}

	// The declared package must match the leaf of the component name so
	// the loader can resolve the entry symbol deterministically.
	wantPkg := leafName(componentName)
	if file.Name.Name != wantPkg {
		add(RulePackage, file.Name.Pos(), "package must be %q to match component %q, got %q",
			wantPkg, componentName, file.Name.Name)
	}

	diags = append(diags, v.checkImports(fset, file)...)
	diags = append(diags, checkCalls(fset, file)...)
	diags = append(diags, checkEntryPoint(fset, file)...)

	return Result{OK: len(diags) == 0, Diagnostics: diags}
}

func (v *Validator) checkImports(fset *token.FileSet, file *ast.File) []Diagnostic {
	var diags []Diagnostic
	for _, imp := range file.Imports {
		path, err := strconv.Unquote(imp.Path.Value)
		if err != nil {
			path = imp.Path.Value
		}
		pos := fset.Position(imp.Pos()).String()

		if imp.Name != nil && imp.Name.Name == "." {
			diags = append(diags, Diagnostic{
				Rule:     RuleImport,
				Position: pos,
				Message:  fmt.Sprintf("dot import of %q hides call sites from review", path),
			})
			continue
		}
		if strings.HasPrefix(path, OrganImportPrefix) {
			diags = append(diags, Diagnostic{
				Rule:     RuleCoupling,
				Position: pos,
				Message:  fmt.Sprintf("import of sibling component %q is forbidden; communicate over the bus", path),
			})
			continue
		}
		if !v.allowed[path] {
			diags = append(diags, Diagnostic{
				Rule:     RuleImport,
				Position: pos,
				Message:  fmt.Sprintf("import %q is not on the allow-list", path),
			})
		}
	}
	return diags
}

func checkCalls(fset *token.FileSet, file *ast.File) []Diagnostic {
	var diags []Diagnostic
	ast.Inspect(file, func(n ast.Node) bool {
		call, ok := n.(*ast.CallExpr)
		if !ok {
			return true
		}
		sel, ok := call.Fun.(*ast.SelectorExpr)
		if !ok {
			return true
		}
		pkg, ok := sel.X.(*ast.Ident)
		if !ok {
			return true
		}
		if pkg.Obj != nil && pkg.Obj.Kind != ast.Pkg {
			// Resolved to a local declaration, not a package qualifier.
			return true
		}
		funcs, denied := deniedCalls[pkg.Name]
		if !denied {
			return true
		}
		if funcs == nil || funcs[sel.Sel.Name] {
			diags = append(diags, Diagnostic{
				Rule:     RuleCall,
				Position: fset.Position(call.Pos()).String(),
				Message:  fmt.Sprintf("call to %s.%s is forbidden", pkg.Name, sel.Sel.Name),
			})
		}
		return true
	})
	return diags
}

// checkEntryPoint enforces the activation contract: exactly one exported
// Start function taking no arguments and returning nothing.
func checkEntryPoint(fset *token.FileSet, file *ast.File) []Diagnostic {
	var found *ast.FuncDecl
	for _, decl := range file.Decls {
		fn, ok := decl.(*ast.FuncDecl)
		if !ok || fn.Recv != nil || fn.Name.Name != EntryPoint {
			continue
		}
		found = fn
	}

	if found == nil {
		return []Diagnostic{{
			Rule:    RuleEntryPoint,
			Message: fmt.Sprintf("missing entry point: component must export func %s()", EntryPoint),
		}}
	}

	var diags []Diagnostic
	pos := fset.Position(found.Pos()).String()
	if found.Type.Params.NumFields() != 0 {
		diags = append(diags, Diagnostic{
			Rule:     RuleEntryPoint,
			Position: pos,
			Message:  fmt.Sprintf("%s must take no arguments", EntryPoint),
		})
	}
	if found.Type.Results.NumFields() != 0 {
		diags = append(diags, Diagnostic{
			Rule:     RuleEntryPoint,
			Position: pos,
			Message:  fmt.Sprintf("%s must not return values", EntryPoint),
		})
	}
	return diags
}

func leafName(componentName string) string {
	if i := strings.LastIndex(componentName, "."); i >= 0 {
		return componentName[i+1:]
	}
	return componentName
}
