package engine

import (
	"fmt"
	"sort"
	"strings"
)

// Env is what a predicate may look at: effective answers and, for alert and
// flag predicates, the computed scores.
type Env interface {
	Answer(key FieldKey) (Value, bool)
	Score(id string) (ScoreResult, bool)
}

// Refs lists the fields and instruments a predicate reads. Forms use it to
// check references at load time and to order visibility predicates.
type Refs struct {
	Fields      []FieldKey
	Instruments []string
}

func (r Refs) merge(o Refs) Refs {
	return Refs{
		Fields:      append(append([]FieldKey{}, r.Fields...), o.Fields...),
		Instruments: append(append([]string{}, r.Instruments...), o.Instruments...),
	}
}

// Predicate is a pure boolean condition over an Env.
type Predicate interface {
	Eval(env Env) bool
	Refs() Refs
	String() string
}

type funcPredicate struct {
	refs Refs
	desc string
	fn   func(Env) bool
}

func (p funcPredicate) Eval(env Env) bool { return p.fn(env) }
func (p funcPredicate) Refs() Refs        { return p.refs }
func (p funcPredicate) String() string    { return p.desc }

// Func wraps Go code as a predicate. refs must name everything fn reads,
// otherwise load-time reference checks and visibility ordering are wrong.
func Func(desc string, refs Refs, fn func(Env) bool) Predicate {
	return funcPredicate{refs: refs, desc: desc, fn: fn}
}

func IsAnswered(key FieldKey) Predicate {
	return Func(fmt.Sprintf("answered(%s)", key), Refs{Fields: []FieldKey{key}}, func(env Env) bool {
		_, ok := env.Answer(key)
		return ok
	})
}

// Equals holds when the field is answered with exactly v.
func Equals(key FieldKey, v Value) Predicate {
	return Func(fmt.Sprintf("%s = %s", key, v), Refs{Fields: []FieldKey{key}}, func(env Env) bool {
		got, ok := env.Answer(key)
		return ok && got.Equal(v)
	})
}

// IsTrue holds when a boolean field is answered true.
func IsTrue(key FieldKey) Predicate {
	return Func(string(key), Refs{Fields: []FieldKey{key}}, func(env Env) bool {
		got, ok := env.Answer(key)
		if !ok {
			return false
		}
		b, isBool := got.AsBool()
		return isBool && b
	})
}

func AtLeast(key FieldKey, n float64) Predicate {
	return numeric(key, ">=", n, func(x float64) bool { return x >= n })
}

func AtMost(key FieldKey, n float64) Predicate {
	return numeric(key, "<=", n, func(x float64) bool { return x <= n })
}

func GreaterThan(key FieldKey, n float64) Predicate {
	return numeric(key, ">", n, func(x float64) bool { return x > n })
}

func numeric(key FieldKey, op string, n float64, test func(float64) bool) Predicate {
	desc := fmt.Sprintf("%s %s %s", key, op, Number(n))
	return Func(desc, Refs{Fields: []FieldKey{key}}, func(env Env) bool {
		got, ok := env.Answer(key)
		if !ok {
			return false
		}
		x, isNum := got.AsNumber()
		return isNum && test(x)
	})
}

// Contains holds when a multi-choice field includes option.
func Contains(key FieldKey, option string) Predicate {
	return Func(fmt.Sprintf("%s contains '%s'", key, option), Refs{Fields: []FieldKey{key}}, func(env Env) bool {
		got, ok := env.Answer(key)
		return ok && got.Has(option)
	})
}

func ScoreAtLeast(instrument string, n float64) Predicate {
	desc := fmt.Sprintf("score('%s') >= %s", instrument, Number(n))
	return Func(desc, Refs{Instruments: []string{instrument}}, func(env Env) bool {
		r, ok := env.Score(instrument)
		return ok && r.Value >= n
	})
}

// ScoreComplete holds when every critical input of the instrument is answered.
func ScoreComplete(instrument string) Predicate {
	desc := fmt.Sprintf("complete('%s')", instrument)
	return Func(desc, Refs{Instruments: []string{instrument}}, func(env Env) bool {
		r, ok := env.Score(instrument)
		return ok && !r.Incomplete
	})
}

func All(ps ...Predicate) Predicate {
	return combine("and", ps, func(env Env) bool {
		for _, p := range ps {
			if !p.Eval(env) {
				return false
			}
		}
		return true
	})
}

func Any(ps ...Predicate) Predicate {
	return combine("or", ps, func(env Env) bool {
		for _, p := range ps {
			if p.Eval(env) {
				return true
			}
		}
		return false
	})
}

func Not(p Predicate) Predicate {
	return Func("not ("+p.String()+")", p.Refs(), func(env Env) bool { return !p.Eval(env) })
}

func combine(op string, ps []Predicate, fn func(Env) bool) Predicate {
	var refs Refs
	parts := make([]string, 0, len(ps))
	for _, p := range ps {
		refs = refs.merge(p.Refs())
		parts = append(parts, "("+p.String()+")")
	}
	return Func(strings.Join(parts, " "+op+" "), refs, fn)
}

// mapEnv is the Env every pipeline stage evaluates against.
type mapEnv struct {
	answers AnswerStore
	scores  map[string]ScoreResult
}

func (e mapEnv) Answer(key FieldKey) (Value, bool) { return e.answers.Get(key) }

func (e mapEnv) Score(id string) (ScoreResult, bool) {
	r, ok := e.scores[id]
	return r, ok
}

// NewEnv exposes answers and scores as an Env.
func NewEnv(answers AnswerStore, scores map[string]ScoreResult) Env {
	return mapEnv{answers: answers, scores: scores}
}

func uniqueKeys(keys []FieldKey) []FieldKey {
	seen := make(map[FieldKey]struct{}, len(keys))
	out := make([]FieldKey, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
