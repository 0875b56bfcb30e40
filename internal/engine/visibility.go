package engine

// Visibility is the outcome of resolving a schema against an answer store.
type Visibility struct {
	visible   map[FieldKey]bool
	keys      []FieldKey
	stale     []FieldKey
	effective AnswerStore
}

// Resolve evaluates every visibility predicate in dependency order. A
// predicate reads effective values only: an answer stored for a hidden field
// counts as unanswered, so hiding a field also hides whatever depended on it.
func Resolve(schema *Schema, answers AnswerStore) Visibility {
	effective := NewAnswerStore()
	env := mapEnv{answers: effective}
	visible := make(map[FieldKey]bool, len(schema.fields))

	for _, key := range schema.order {
		shown := true
		if pred, ok := schema.visibility[key]; ok {
			shown = pred.Eval(env)
		}
		visible[key] = shown
		if !shown {
			continue
		}
		if v, ok := answers.Get(key); ok {
			effective.Set(key, v)
		}
	}

	vis := Visibility{visible: visible, effective: effective}
	for _, f := range schema.fields {
		if visible[f.Key] {
			vis.keys = append(vis.keys, f.Key)
		} else if answers.Has(f.Key) {
			vis.stale = append(vis.stale, f.Key)
		}
	}
	return vis
}

func (v Visibility) IsVisible(key FieldKey) bool { return v.visible[key] }

// Keys returns the visible fields in schema order.
func (v Visibility) Keys() []FieldKey { return append([]FieldKey(nil), v.keys...) }

// Stale returns hidden fields that still hold a stored answer.
func (v Visibility) Stale() []FieldKey { return append([]FieldKey(nil), v.stale...) }

// Effective returns the answers restricted to visible fields. Scores, alerts
// and flags are computed from this view only.
func (v Visibility) Effective() AnswerStore { return v.effective }
