package sandbox

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPProviderLifecycle(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /sandboxes", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "junior", body["name"])
		assert.Equal(t, "python", body["language"])
		_ = json.NewEncoder(w).Encode(map[string]string{"handle": "sbx-1"})
	})
	mux.HandleFunc("POST /sandboxes/sbx-1/exec", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(ExecResult{Stdout: "4\n", ExitCode: 0})
	})
	mux.HandleFunc("POST /sandboxes/sbx-1/files", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		raw, err := base64.StdEncoding.DecodeString(body["content"])
		require.NoError(t, err)
		assert.Equal(t, "print(2+2)", string(raw))
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /sandboxes/sbx-1/preview/3000", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"url": "https://preview.example/3000"})
	})
	mux.HandleFunc("DELETE /sandboxes/sbx-1", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()
	p := NewHTTPProvider(srv.URL, "key")
	ctx := context.Background()

	handle, err := p.Create(ctx, "junior", "python")
	require.NoError(t, err)
	assert.Equal(t, "sbx-1", handle)

	res, err := p.Exec(ctx, handle, "python main.py")
	require.NoError(t, err)
	assert.True(t, res.Success())
	assert.Equal(t, "4\n", res.Stdout)

	require.NoError(t, p.Upload(ctx, handle, "main.py", []byte("print(2+2)")))

	url, err := p.PreviewURL(ctx, handle, 3000)
	require.NoError(t, err)
	assert.Equal(t, "https://preview.example/3000", url)

	require.NoError(t, p.Delete(ctx, handle))
}

func TestHTTPProviderFindByNameNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL, "")
	handle, err := p.FindByName(context.Background(), "missing")
	require.NoError(t, err)
	assert.Empty(t, handle)
}

func TestHTTPProviderExecFailurePropagates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "backend down", http.StatusBadGateway)
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL, "")
	_, err := p.Exec(context.Background(), "sbx-1", "ls")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 502")
}

func TestFakeProvider(t *testing.T) {
	f := NewFake()
	ctx := context.Background()

	handle, err := f.Create(ctx, "junior", "python")
	require.NoError(t, err)

	found, err := f.FindByName(ctx, "junior")
	require.NoError(t, err)
	assert.Equal(t, handle, found)

	require.NoError(t, f.Upload(ctx, handle, "main.py", []byte("code")))
	data, ok := f.File(handle, "main.py")
	require.True(t, ok)
	assert.Equal(t, "code", string(data))

	f.SetPreview(handle, 3000, "https://p/3000")
	url, err := f.PreviewURL(ctx, handle, 3000)
	require.NoError(t, err)
	assert.Equal(t, "https://p/3000", url)

	f.ExecFunc = func(h, cmd string) (ExecResult, error) {
		return ExecResult{Stdout: "boom", ExitCode: 1}, nil
	}
	res, err := f.Exec(ctx, handle, "run")
	require.NoError(t, err)
	assert.False(t, res.Success())

	require.NoError(t, f.Delete(ctx, handle))
	assert.Equal(t, []string{handle}, f.Deleted())
}
