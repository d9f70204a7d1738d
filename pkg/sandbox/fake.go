package sandbox

import (
	"context"
	"fmt"
	"sync"
)

// Fake is an in-memory Provider for tests and local development.
// Exec behavior is scriptable: set ExecFunc for full control, or leave
// it nil for an always-succeeding echo.
type Fake struct {
	mu       sync.Mutex
	nextID   int
	byName   map[string]string
	files    map[string]map[string][]byte
	previews map[string]map[int]string
	deleted  []string

	// ExecFunc, when set, decides the result of every Exec call.
	ExecFunc func(handle, cmd string) (ExecResult, error)
}

var _ Provider = (*Fake)(nil)

// NewFake creates an empty fake provider.
func NewFake() *Fake {
	return &Fake{
		byName:   make(map[string]string),
		files:    make(map[string]map[string][]byte),
		previews: make(map[string]map[int]string),
	}
}

// Create provisions a fake sandbox handle.
func (f *Fake) Create(_ context.Context, name, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	handle := fmt.Sprintf("sbx-%d", f.nextID)
	f.byName[name] = handle
	f.files[handle] = make(map[string][]byte)
	return handle, nil
}

// Exec runs the scripted behavior, or echoes success.
func (f *Fake) Exec(_ context.Context, handle, cmd string) (ExecResult, error) {
	if f.ExecFunc != nil {
		return f.ExecFunc(handle, cmd)
	}
	return ExecResult{Stdout: "ok", ExitCode: 0}, nil
}

// Upload records the file in memory.
func (f *Fake) Upload(_ context.Context, handle, path string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	files, ok := f.files[handle]
	if !ok {
		return fmt.Errorf("sandbox: unknown handle %q", handle)
	}
	files[path] = append([]byte(nil), data...)
	return nil
}

// SetPreview registers a preview URL returned by PreviewURL.
func (f *Fake) SetPreview(handle string, port int, url string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.previews[handle] == nil {
		f.previews[handle] = make(map[int]string)
	}
	f.previews[handle][port] = url
}

// PreviewURL returns a registered preview URL, or "".
func (f *Fake) PreviewURL(_ context.Context, handle string, port int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.previews[handle][port], nil
}

// FindByName returns the handle created under name, or "".
func (f *Fake) FindByName(_ context.Context, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.byName[name], nil
}

// Delete records the deletion.
func (f *Fake) Delete(_ context.Context, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, handle)
	delete(f.files, handle)
	return nil
}

// Deleted returns handles released so far.
func (f *Fake) Deleted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

// File returns an uploaded file's content.
func (f *Fake) File(handle, path string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.files[handle][path]
	return data, ok
}
