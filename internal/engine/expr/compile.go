package expr

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/ehr/clinexam/internal/engine"
)

type valueType int

const (
	tBool valueType = iota
	tNumber
	tString
	tSet
	tList
)

var typeNames = [...]string{"boolean", "number", "string", "option set", "list"}

func (t valueType) String() string { return typeNames[t] }

// val is the runtime result of a sub-expression. ok is false when the value
// depends on an unanswered field or a missing score.
type val struct {
	ok   bool
	b    bool
	n    float64
	s    string
	set  []string
	list []val
}

type evalFn func(env engine.Env) val

// bound is a type-checked sub-expression.
type bound struct {
	typ  valueType
	eval evalFn
	// field is set when the expression is a bare field reference.
	field   *engine.FieldDefinition
	literal bool
	// elem is the item type of a list literal.
	elem valueType
}

type binder struct {
	src   string
	scope Scope
	refs  engine.Refs
}

func (b *binder) errorf(pos int, format string, args ...interface{}) error {
	return &Error{Expr: b.src, Pos: pos, Msg: fmt.Sprintf(format, args...)}
}

func (b *binder) bind(n *astNode) (*bound, error) {
	switch n.kind {
	case ndNumber:
		v := val{ok: true, n: n.num}
		return &bound{typ: tNumber, literal: true, eval: func(engine.Env) val { return v }}, nil
	case ndString:
		v := val{ok: true, s: n.name}
		return &bound{typ: tString, literal: true, eval: func(engine.Env) val { return v }}, nil
	case ndBool:
		v := val{ok: true, b: n.name == "true"}
		return &bound{typ: tBool, literal: true, eval: func(engine.Env) val { return v }}, nil
	case ndList:
		return b.bindList(n)
	case ndRef:
		return b.bindRef(n)
	case ndCall:
		return b.bindCall(n)
	case ndCompare:
		return b.bindCompare(n)
	case ndArith:
		return b.bindArith(n)
	case ndNegate:
		x, err := b.bindTyped(n.children[0], tNumber, "'-'")
		if err != nil {
			return nil, err
		}
		return &bound{typ: tNumber, eval: func(env engine.Env) val {
			v := x.eval(env)
			return val{ok: v.ok, n: -v.n}
		}}, nil
	case ndAnd, ndOr:
		return b.bindLogical(n)
	case ndNot:
		x, err := b.bindTyped(n.children[0], tBool, "'not'")
		if err != nil {
			return nil, err
		}
		return &bound{typ: tBool, eval: func(env engine.Env) val {
			return val{ok: true, b: !truthy(x.eval(env))}
		}}, nil
	}
	return nil, b.errorf(n.pos, "unsupported expression")
}

func (b *binder) bindTyped(n *astNode, want valueType, context string) (*bound, error) {
	x, err := b.bind(n)
	if err != nil {
		return nil, err
	}
	if x.typ != want {
		return nil, b.errorf(n.pos, "%s needs a %s, got a %s", context, want, x.typ)
	}
	return x, nil
}

func truthy(v val) bool { return v.ok && v.b }

func (b *binder) bindList(n *astNode) (*bound, error) {
	items := make([]val, 0, len(n.children))
	var elem valueType
	for i, c := range n.children {
		x, err := b.bind(c)
		if err != nil {
			return nil, err
		}
		if !x.literal || (x.typ != tString && x.typ != tNumber) {
			return nil, b.errorf(c.pos, "list items must be string or number literals")
		}
		if i == 0 {
			elem = x.typ
		} else if x.typ != elem {
			return nil, b.errorf(c.pos, "list mixes %s and %s items", elem, x.typ)
		}
		items = append(items, x.eval(nil))
	}
	v := val{ok: true, list: items}
	return &bound{typ: tList, elem: elem, literal: true, eval: func(engine.Env) val { return v }}, nil
}

func kindType(k engine.Kind) valueType {
	switch k {
	case engine.KindBool:
		return tBool
	case engine.KindNumber:
		return tNumber
	case engine.KindMultiChoice:
		return tSet
	}
	return tString
}

func (b *binder) bindRef(n *astNode) (*bound, error) {
	if b.scope.Schema == nil {
		return nil, b.errorf(n.pos, "field references are not available here")
	}
	key, err := b.scope.Schema.Resolve(n.name)
	if err != nil {
		return nil, b.errorf(n.pos, "%v", err)
	}
	f, _ := b.scope.Schema.Field(key)
	b.refs.Fields = append(b.refs.Fields, key)
	typ := kindType(f.Kind)
	return &bound{typ: typ, field: &f, eval: func(env engine.Env) val {
		v, ok := env.Answer(key)
		if !ok {
			return val{}
		}
		return fromValue(v)
	}}, nil
}

func fromValue(v engine.Value) val {
	switch v.Kind() {
	case engine.KindBool:
		x, _ := v.AsBool()
		return val{ok: true, b: x}
	case engine.KindNumber:
		x, _ := v.AsNumber()
		return val{ok: true, n: x}
	case engine.KindText, engine.KindSingleChoice:
		x, _ := v.AsString()
		return val{ok: true, s: x}
	case engine.KindMultiChoice:
		x, _ := v.AsSet()
		return val{ok: true, set: x}
	}
	return val{}
}

func (b *binder) bindLogical(n *astNode) (*bound, error) {
	word := "'" + map[nodeKind]string{ndAnd: "and", ndOr: "or"}[n.kind] + "'"
	l, err := b.bindTyped(n.children[0], tBool, word)
	if err != nil {
		return nil, err
	}
	r, err := b.bindTyped(n.children[1], tBool, word)
	if err != nil {
		return nil, err
	}
	if n.kind == ndAnd {
		return &bound{typ: tBool, eval: func(env engine.Env) val {
			return val{ok: true, b: truthy(l.eval(env)) && truthy(r.eval(env))}
		}}, nil
	}
	return &bound{typ: tBool, eval: func(env engine.Env) val {
		return val{ok: true, b: truthy(l.eval(env)) || truthy(r.eval(env))}
	}}, nil
}

func (b *binder) bindArith(n *astNode) (*bound, error) {
	context := "'" + n.op + "'"
	l, err := b.bindTyped(n.children[0], tNumber, context)
	if err != nil {
		return nil, err
	}
	r, err := b.bindTyped(n.children[1], tNumber, context)
	if err != nil {
		return nil, err
	}
	var op func(x, y float64) (float64, bool)
	switch n.op {
	case "+":
		op = func(x, y float64) (float64, bool) { return x + y, true }
	case "-":
		op = func(x, y float64) (float64, bool) { return x - y, true }
	case "*":
		op = func(x, y float64) (float64, bool) { return x * y, true }
	case "/":
		op = func(x, y float64) (float64, bool) { return x / y, y != 0 }
	}
	return &bound{typ: tNumber, eval: func(env engine.Env) val {
		lv, rv := l.eval(env), r.eval(env)
		if !lv.ok || !rv.ok {
			return val{}
		}
		res, ok := op(lv.n, rv.n)
		return val{ok: ok, n: res}
	}}, nil
}

func (b *binder) bindCompare(n *astNode) (*bound, error) {
	l, err := b.bind(n.children[0])
	if err != nil {
		return nil, err
	}
	r, err := b.bind(n.children[1])
	if err != nil {
		return nil, err
	}

	var test func(lv, rv val) bool
	switch n.op {
	case "=", "!=":
		if l.typ != r.typ || l.typ == tList {
			return nil, b.errorf(n.pos, "cannot compare %s with %s", l.typ, r.typ)
		}
		if err := b.checkOption(n.children[1].pos, l, r); err != nil {
			return nil, err
		}
		if err := b.checkOption(n.children[0].pos, r, l); err != nil {
			return nil, err
		}
		eq := equality(l.typ)
		if n.op == "=" {
			test = eq
		} else {
			test = func(lv, rv val) bool { return !eq(lv, rv) }
		}
	case "<", "<=", ">", ">=":
		if l.typ != tNumber || r.typ != tNumber {
			return nil, b.errorf(n.pos, "%q needs numbers, got %s and %s", n.op, l.typ, r.typ)
		}
		test = ordering(n.op)
	case "contains":
		if r.typ != tString {
			return nil, b.errorf(n.pos, "'contains' needs a string on the right, got %s", r.typ)
		}
		switch l.typ {
		case tSet:
			if err := b.checkOption(n.children[1].pos, l, r); err != nil {
				return nil, err
			}
			test = func(lv, rv val) bool {
				i := sort.SearchStrings(lv.set, rv.s)
				return i < len(lv.set) && lv.set[i] == rv.s
			}
		case tString:
			test = func(lv, rv val) bool {
				return strings.Contains(strings.ToLower(lv.s), strings.ToLower(rv.s))
			}
		default:
			return nil, b.errorf(n.pos, "'contains' needs an option set or string on the left, got %s", l.typ)
		}
	case "in":
		if r.typ != tList {
			return nil, b.errorf(n.pos, "'in' needs a list on the right")
		}
		if r.elem != l.typ {
			return nil, b.errorf(n.pos, "cannot look up a %s in a list of %s", l.typ, r.elem)
		}
		if l.field != nil && l.field.Kind == engine.KindSingleChoice {
			for i, item := range r.eval(nil).list {
				if !hasOption(l.field.Options, item.s) {
					return nil, b.errorf(n.children[1].children[i].pos, "%q is not an option of %s", item.s, l.field.Key)
				}
			}
		}
		eq := equality(l.typ)
		test = func(lv, rv val) bool {
			for _, item := range rv.list {
				if eq(lv, item) {
					return true
				}
			}
			return false
		}
	default:
		return nil, b.errorf(n.pos, "unknown operator %q", n.op)
	}

	return &bound{typ: tBool, eval: func(env engine.Env) val {
		lv, rv := l.eval(env), r.eval(env)
		if !lv.ok || !rv.ok {
			return val{ok: true, b: false}
		}
		return val{ok: true, b: test(lv, rv)}
	}}, nil
}

// checkOption rejects string literals compared against a choice field that
// are not among the field's options.
func (b *binder) checkOption(pos int, field, lit *bound) error {
	if field.field == nil || !lit.literal || lit.typ != tString {
		return nil
	}
	f := field.field
	if f.Kind != engine.KindSingleChoice && f.Kind != engine.KindMultiChoice {
		return nil
	}
	s := lit.eval(nil).s
	if !hasOption(f.Options, s) {
		return b.errorf(pos, "%q is not an option of %s", s, f.Key)
	}
	return nil
}

func hasOption(options []string, o string) bool {
	for _, opt := range options {
		if opt == o {
			return true
		}
	}
	return false
}

func equality(t valueType) func(lv, rv val) bool {
	switch t {
	case tBool:
		return func(lv, rv val) bool { return lv.b == rv.b }
	case tNumber:
		return func(lv, rv val) bool { return lv.n == rv.n }
	case tSet:
		return func(lv, rv val) bool {
			if len(lv.set) != len(rv.set) {
				return false
			}
			for i := range lv.set {
				if lv.set[i] != rv.set[i] {
					return false
				}
			}
			return true
		}
	}
	return func(lv, rv val) bool { return lv.s == rv.s }
}

func ordering(op string) func(lv, rv val) bool {
	switch op {
	case "<":
		return func(lv, rv val) bool { return lv.n < rv.n }
	case "<=":
		return func(lv, rv val) bool { return lv.n <= rv.n }
	case ">":
		return func(lv, rv val) bool { return lv.n > rv.n }
	}
	return func(lv, rv val) bool { return lv.n >= rv.n }
}

func (b *binder) bindCall(n *astNode) (*bound, error) {
	arity := map[string]int{
		"answered": 1, "count": 1, "abs": 1,
		"score": 1, "complete": 1, "band": 1,
		"min": 2, "max": 2,
	}
	want, known := arity[n.name]
	if !known {
		return nil, b.errorf(n.pos, "unknown function %q", n.name)
	}
	if len(n.children) != want {
		return nil, b.errorf(n.pos, "%s() takes %d argument(s), got %d", n.name, want, len(n.children))
	}

	switch n.name {
	case "answered":
		arg := n.children[0]
		if arg.kind != ndRef {
			return nil, b.errorf(arg.pos, "answered() needs a field")
		}
		x, err := b.bindRef(arg)
		if err != nil {
			return nil, err
		}
		return &bound{typ: tBool, eval: func(env engine.Env) val {
			return val{ok: true, b: x.eval(env).ok}
		}}, nil

	case "count":
		x, err := b.bindTyped(n.children[0], tSet, "count()")
		if err != nil {
			return nil, err
		}
		return &bound{typ: tNumber, eval: func(env engine.Env) val {
			return val{ok: true, n: float64(len(x.eval(env).set))}
		}}, nil

	case "abs":
		x, err := b.bindTyped(n.children[0], tNumber, "abs()")
		if err != nil {
			return nil, err
		}
		return &bound{typ: tNumber, eval: func(env engine.Env) val {
			v := x.eval(env)
			return val{ok: v.ok, n: math.Abs(v.n)}
		}}, nil

	case "min", "max":
		l, err := b.bindTyped(n.children[0], tNumber, n.name+"()")
		if err != nil {
			return nil, err
		}
		r, err := b.bindTyped(n.children[1], tNumber, n.name+"()")
		if err != nil {
			return nil, err
		}
		pick := math.Min
		if n.name == "max" {
			pick = math.Max
		}
		return &bound{typ: tNumber, eval: func(env engine.Env) val {
			lv, rv := l.eval(env), r.eval(env)
			return val{ok: lv.ok && rv.ok, n: pick(lv.n, rv.n)}
		}}, nil
	}

	// score, complete and band name an instrument.
	arg := n.children[0]
	if arg.kind != ndString {
		return nil, b.errorf(arg.pos, "%s() needs an instrument id string", n.name)
	}
	if b.scope.Instruments == nil {
		return nil, b.errorf(n.pos, "scores are not available in this expression")
	}
	id := arg.name
	if !b.scope.Instruments[id] {
		return nil, b.errorf(arg.pos, "unknown instrument %q", id)
	}
	b.refs.Instruments = append(b.refs.Instruments, id)

	switch n.name {
	case "score":
		return &bound{typ: tNumber, eval: func(env engine.Env) val {
			r, ok := env.Score(id)
			return val{ok: ok, n: r.Value}
		}}, nil
	case "complete":
		return &bound{typ: tBool, eval: func(env engine.Env) val {
			r, ok := env.Score(id)
			return val{ok: true, b: ok && !r.Incomplete}
		}}, nil
	}
	return &bound{typ: tString, eval: func(env engine.Env) val {
		r, ok := env.Score(id)
		return val{ok: ok, s: r.Band}
	}}, nil
}
