package catalog

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

const vitalsV1 = `
id: vitals
title: Vitals
version: "1"
phases:
  - id: exam
    sections:
      - id: s
        fields:
          - {id: spo2, type: number, min: 50, max: 100}
rules:
  - {id: hypoxia, severity: warning, message: Low SpO2, when: spo2 < 92}
`

const vitalsV2 = `
id: vitals
title: Vitals
version: "2"
phases:
  - id: exam
    sections:
      - id: s
        fields:
          - {id: spo2, type: number, min: 50, max: 100}
rules:
  - {id: hypoxia, severity: critical, message: Low SpO2, when: spo2 < 88}
`

const vitalsBroken = `
id: vitals
version: "3"
phases:
  - id: exam
    sections:
      - id: s
        fields:
          - {id: spo2, type: number}
rules:
  - {id: hypoxia, severity: warning, message: Low SpO2, when: sp02 < 92}
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestRegistry_LoadFileKeepsPreviousOnError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vitals.yaml")
	r := NewRegistry(zerolog.Nop())

	writeFile(t, path, vitalsV1)
	_, err := r.LoadFile(path)
	require.NoError(t, err)

	writeFile(t, path, vitalsBroken)
	_, err = r.LoadFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown field "sp02"`)

	f, ok := r.Form("vitals")
	require.True(t, ok)
	assert.Equal(t, "1", f.Version)

	writeFile(t, path, vitalsV2)
	_, err = r.LoadFile(path)
	require.NoError(t, err)
	f, _ = r.Form("vitals")
	assert.Equal(t, "2", f.Version)

	r.Unload(path)
	_, ok = r.Form("vitals")
	assert.False(t, ok)
}

func TestRegistry_LoadDir(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "vitals.yaml"), vitalsV1)
	writeFile(t, filepath.Join(dir, "broken.yml"), "id: x\nphases: [\n")
	writeFile(t, filepath.Join(dir, "README.md"), "not a form")

	r := NewRegistry(zerolog.Nop())
	err := r.LoadDir(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken.yml")
	assert.Equal(t, 1, r.Len())

	assert.Error(t, NewRegistry(zerolog.Nop()).LoadDir(filepath.Join(dir, "missing")))
}

func waitFor(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
		return nil
	}
}

func TestWatcher_ReloadsChangedFiles(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "vitals.yaml")
	writeFile(t, path, vitalsV1)

	r := NewRegistry(zerolog.Nop())
	require.NoError(t, r.LoadDir(dir))

	reloaded := make(chan error, 8)
	w, err := r.Watch(context.Background(), dir,
		WithSettle(20*time.Millisecond),
		WithReloadHook(func(_ string, err error) { reloaded <- err }),
	)
	require.NoError(t, err)
	defer w.Stop()

	writeFile(t, path, vitalsV2)
	require.NoError(t, waitFor(t, reloaded))
	f, _ := r.Form("vitals")
	assert.Equal(t, "2", f.Version)

	writeFile(t, path, vitalsBroken)
	require.Error(t, waitFor(t, reloaded))
	f, ok := r.Form("vitals")
	require.True(t, ok, "a broken edit must not drop the form")
	assert.Equal(t, "2", f.Version)

	require.NoError(t, os.Remove(path))
	deadline := time.Now().Add(5 * time.Second)
	for r.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, 0, r.Len())
}

func TestWatcher_StopsOnContextCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctx, cancel := context.WithCancel(context.Background())
	w, err := NewRegistry(zerolog.Nop()).Watch(ctx, t.TempDir())
	require.NoError(t, err)
	cancel()
	w.Stop()
	w.Stop()
}

func TestWatch_MissingDir(t *testing.T) {
	_, err := NewRegistry(zerolog.Nop()).Watch(context.Background(), filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}

func TestRegistry_UnloadOverrideRestoresBuiltin(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	require.NoError(t, r.LoadBuiltin())
	builtin, ok := r.Form("psychiatry_phq9")
	require.True(t, ok)

	data, err := builtinForms.ReadFile("forms/psychiatry_phq9.yaml")
	require.NoError(t, err)
	override := strings.Replace(string(data), `version: "2.0"`, `version: "99"`, 1)
	path := filepath.Join(t.TempDir(), "phq9.yaml")
	writeFile(t, path, override)
	_, err = r.LoadFile(path)
	require.NoError(t, err)
	f, _ := r.Form("psychiatry_phq9")
	assert.Equal(t, "99", f.Version)

	r.Unload(path)
	f, ok = r.Form("psychiatry_phq9")
	require.True(t, ok, "removing the override must fall back to the built-in form")
	assert.Same(t, builtin, f)
}

func TestRegistry_SharedIDSurvivesUnload(t *testing.T) {
	dir := t.TempDir()
	a, b := filepath.Join(dir, "a.yaml"), filepath.Join(dir, "b.yaml")
	writeFile(t, a, vitalsV1)
	writeFile(t, b, vitalsV2)

	r := NewRegistry(zerolog.Nop())
	_, err := r.LoadFile(a)
	require.NoError(t, err)
	_, err = r.LoadFile(b)
	require.NoError(t, err)

	r.Unload(a)
	f, ok := r.Form("vitals")
	require.True(t, ok)
	assert.Equal(t, "2", f.Version)

	_, err = r.LoadFile(a)
	require.NoError(t, err)
	r.Unload(a)
	f, ok = r.Form("vitals")
	require.True(t, ok)
	assert.Equal(t, "2", f.Version)

	r.Unload(b)
	_, ok = r.Form("vitals")
	assert.False(t, ok)
}

func TestRegistry_ChangedIDKeepsOtherProvider(t *testing.T) {
	dir := t.TempDir()
	a, b := filepath.Join(dir, "a.yaml"), filepath.Join(dir, "b.yaml")
	writeFile(t, a, vitalsV1)
	writeFile(t, b, vitalsV2)

	r := NewRegistry(zerolog.Nop())
	_, err := r.LoadFile(b)
	require.NoError(t, err)
	_, err = r.LoadFile(a)
	require.NoError(t, err)

	writeFile(t, a, strings.Replace(vitalsV1, "id: vitals", "id: vitals_lite", 1))
	_, err = r.LoadFile(a)
	require.NoError(t, err)

	f, ok := r.Form("vitals")
	require.True(t, ok)
	assert.Equal(t, "2", f.Version)
	_, ok = r.Form("vitals_lite")
	assert.True(t, ok)
	assert.Equal(t, 2, r.Len())
}
