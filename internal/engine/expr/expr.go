// Package expr compiles the condition language used by form catalogues into
// engine predicates.
//
// A condition is a boolean expression over field answers and, where allowed,
// instrument results:
//
//	iopRight >= 30 and painSeverity >= 7 and nauseaVomiting
//	symptoms contains 'photophobia' or onset in ('sudden', 'hours')
//	score('phq9') >= 20 and not complete('phq9')
//
// Fields are named by full key (phase.field) or by bare id when the id is
// unique in the form. A comparison whose operand is unanswered is false.
package expr

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ehr/clinexam/internal/engine"
)

// Scope is what an expression may name.
type Scope struct {
	Schema *engine.Schema
	// Instruments holds the ids score functions may name. A nil map forbids
	// score functions altogether, as in visibility conditions.
	Instruments map[string]bool
}

// Error is a syntax or binding error with its byte offset in Expr.
type Error struct {
	Expr string
	Pos  int
	Msg  string
}

func (e *Error) Error() string {
	if e.Expr == "" {
		return fmt.Sprintf("%s at position %d", e.Msg, e.Pos)
	}
	return fmt.Sprintf("%q: %s at position %d", e.Expr, e.Msg, e.Pos)
}

// Check reports syntax errors without binding any names.
func Check(src string) error {
	_, err := parseSource(src)
	return err
}

// Compile parses src, resolves every name against scope and type-checks the
// result, which must be boolean.
func Compile(src string, scope Scope) (engine.Predicate, error) {
	ast, err := parseSource(src)
	if err != nil {
		return nil, err
	}
	b := &binder{src: src, scope: scope}
	root, err := b.bind(ast)
	if err != nil {
		return nil, err
	}
	if root.typ != tBool {
		return nil, b.errorf(ast.pos, "condition must be boolean, got %s", root.typ)
	}
	refs := engine.Refs{
		Fields:      dedupKeys(b.refs.Fields),
		Instruments: dedupStrings(b.refs.Instruments),
	}
	eval := root.eval
	return engine.Func(strings.TrimSpace(src), refs, func(env engine.Env) bool {
		return truthy(eval(env))
	}), nil
}

// MustCompile is Compile for conditions known to be valid, such as those in
// tests. It panics on error.
func MustCompile(src string, scope Scope) engine.Predicate {
	p, err := Compile(src, scope)
	if err != nil {
		panic(err)
	}
	return p
}

func parseSource(src string) (*astNode, error) {
	ast, err := parse(src)
	if err != nil {
		if e, ok := err.(*Error); ok && e.Expr == "" {
			e.Expr = src
		}
		return nil, err
	}
	return ast, nil
}

func dedupKeys(keys []engine.FieldKey) []engine.FieldKey {
	seen := make(map[engine.FieldKey]bool, len(keys))
	var out []engine.FieldKey
	for _, k := range keys {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func dedupStrings(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	var out []string
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
