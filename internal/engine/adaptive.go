package engine

// FlagDef derives one adaptive protocol flag. Unlocks names the sections the
// surrounding application should treat as required while the flag is up;
// the engine itself does not enforce that.
type FlagDef struct {
	ID          string
	Description string
	Unlocks     []string
	When        Predicate
}

// ActivateFlags evaluates every flag from scratch. Flags are not sticky.
func ActivateFlags(flags []FlagDef, env Env) map[string]bool {
	out := make(map[string]bool, len(flags))
	for _, f := range flags {
		out[f.ID] = f.When != nil && f.When.Eval(env)
	}
	return out
}
