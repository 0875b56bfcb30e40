package engine

import (
	"fmt"
	"strings"
)

// ConfigError reports a malformed form definition. A form that fails with a
// ConfigError must not be used to start sessions.
type ConfigError struct {
	Form     string
	Problems []string
}

func (e *ConfigError) Error() string {
	if len(e.Problems) == 1 {
		return fmt.Sprintf("form %q: %s", e.Form, e.Problems[0])
	}
	return fmt.Sprintf("form %q: %d problems: %s", e.Form, len(e.Problems), strings.Join(e.Problems, "; "))
}

type problems struct {
	list []string
}

func (p *problems) add(format string, args ...interface{}) {
	p.list = append(p.list, fmt.Sprintf(format, args...))
}

func (p *problems) err(form string) error {
	if len(p.list) == 0 {
		return nil
	}
	return &ConfigError{Form: form, Problems: p.list}
}

// InputError rejects a single answer mutation. The answer store is left
// unchanged for Key.
type InputError struct {
	Key    FieldKey
	Reason string
}

func (e *InputError) Error() string {
	return fmt.Sprintf("invalid answer for %s: %s", e.Key, e.Reason)
}
