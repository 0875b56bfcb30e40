package catalog

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ehr/clinexam/internal/engine"
)

//go:embed forms
var builtinForms embed.FS

const (
	builtinPrefix = "builtin:"
	codePrefix    = "code:"
)

// Registry holds the validated forms of the process, keyed by form id.
// Reloading a file replaces its form atomically; a file that fails to build
// leaves the previous version in place. Several sources may provide the same
// id: the most recently registered one is served, and dropping it exposes
// the next one again.
type Registry struct {
	mu      sync.RWMutex
	forms   map[string]*engine.Form
	sources map[string]*engine.Form
	stacks  map[string][]string
	logger  zerolog.Logger
}

func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		forms:   make(map[string]*engine.Form),
		sources: make(map[string]*engine.Form),
		stacks:  make(map[string][]string),
		logger:  logger,
	}
}

// Load parses and builds one document without registering it.
func Load(data []byte) (*engine.Form, error) {
	doc, err := Parse(data)
	if err != nil {
		return nil, err
	}
	return Build(doc)
}

// LoadBuiltin registers the forms compiled into the binary.
func (r *Registry) LoadBuiltin() error {
	var errs []error
	err := fs.WalkDir(builtinForms, "forms", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isFormFile(p) {
			return nil
		}
		data, err := builtinForms.ReadFile(p)
		if err != nil {
			return fmt.Errorf("read embedded %s: %w", p, err)
		}
		if _, err := r.register(builtinPrefix+path.Base(p), data); err != nil {
			errs = append(errs, err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("walk embedded forms: %w", err)
	}
	return errors.Join(errs...)
}

// LoadDir registers every form file directly inside dir. Files that fail
// are reported together; the others are still registered.
func (r *Registry) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read catalog dir: %w", err)
	}
	var errs []error
	for _, e := range entries {
		if e.IsDir() || !isFormFile(e.Name()) {
			continue
		}
		if _, err := r.LoadFile(filepath.Join(dir, e.Name())); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LoadFile builds and registers one file.
func (r *Registry) LoadFile(file string) (*engine.Form, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", file, err)
	}
	return r.register(file, data)
}

func (r *Registry) register(source string, data []byte) (*engine.Form, error) {
	form, err := Load(data)
	if err != nil {
		r.logger.Error().Err(err).Str("source", source).Msg("form rejected")
		return nil, fmt.Errorf("%s: %w", source, err)
	}

	r.mu.Lock()
	_, replaced := r.forms[form.ID]
	r.put(source, form)
	r.mu.Unlock()

	r.logger.Info().
		Str("form_id", form.ID).
		Str("source", source).
		Str("version", form.Version).
		Bool("replaced", replaced).
		Msg("form registered")
	return form, nil
}

// Register adds a form built in code.
func (r *Registry) Register(form *engine.Form) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.put(codePrefix+form.ID, form)
}

// Unload drops the form that was loaded from file, if any. Another source
// providing the same id takes over.
func (r *Registry) Unload(file string) {
	r.mu.Lock()
	form, ok := r.sources[file]
	var next *engine.Form
	if ok {
		delete(r.sources, file)
		next = r.drop(form.ID, file)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	evt := r.logger.Info().Str("form_id", form.ID).Str("source", file)
	if next != nil {
		evt = evt.Str("version", next.Version)
	}
	evt.Bool("still_served", next != nil).Msg("form unloaded")
}

// put makes source the served provider of form.ID. Callers hold r.mu.
func (r *Registry) put(source string, form *engine.Form) {
	if prev, ok := r.sources[source]; ok && prev.ID != form.ID {
		r.drop(prev.ID, source)
	}
	r.stacks[form.ID] = append(without(r.stacks[form.ID], source), source)
	r.sources[source] = form
	r.forms[form.ID] = form
}

// drop removes source from id's providers and returns the form now served
// for id, or nil when none is left. Callers hold r.mu.
func (r *Registry) drop(id, source string) *engine.Form {
	rest := without(r.stacks[id], source)
	if len(rest) == 0 {
		delete(r.stacks, id)
		delete(r.forms, id)
		return nil
	}
	r.stacks[id] = rest
	f := r.sources[rest[len(rest)-1]]
	r.forms[id] = f
	return f
}

func without(list []string, s string) []string {
	out := list[:0:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}

// Form implements session.FormSource.
func (r *Registry) Form(id string) (*engine.Form, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.forms[id]
	return f, ok
}

// List returns the metadata of every registered form, sorted by id.
func (r *Registry) List() []engine.FormInfo {
	r.mu.RLock()
	out := make([]engine.FormInfo, 0, len(r.forms))
	for _, f := range r.forms {
		out = append(out, f.FormInfo)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.forms)
}

func isFormFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}
