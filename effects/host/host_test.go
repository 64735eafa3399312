package host

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ling0x/krill/effects"
)

func newContext(t *testing.T, cfg Config) *effects.Context {
	t.Helper()
	ec := effects.NewContext(effects.WithLogWriter(&bytes.Buffer{}))
	require.NoError(t, Install(ec, cfg))
	return ec
}

func grant(t *testing.T, ec *effects.Context, e effects.Effect) effects.Capability {
	t.Helper()
	c, err := ec.Grant(e)
	require.NoError(t, err)
	return c
}

func TestFileWriteThenRead(t *testing.T) {
	dir := t.TempDir()
	ec := newContext(t, Config{Sandbox: dir})
	ctx := context.Background()

	msg, err := ec.Execute(ctx, grant(t, ec, effects.FileWrite), []string{"notes/today.txt", "hello", "world"})
	require.NoError(t, err)
	assert.Equal(t, "wrote 11 bytes to notes/today.txt", msg)

	data, err := os.ReadFile(filepath.Join(dir, "notes", "today.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))

	got, err := ec.Execute(ctx, grant(t, ec, effects.FileRead), []string{"notes/today.txt"})
	require.NoError(t, err)
	assert.Equal(t, "hello world", got)
}

func TestFilePathsStayInSandbox(t *testing.T) {
	parent := t.TempDir()
	sandbox := filepath.Join(parent, "box")
	require.NoError(t, os.WriteFile(filepath.Join(parent, "secret"), []byte("s3cret"), 0644))

	ec := newContext(t, Config{Sandbox: sandbox})
	_, err := ec.Execute(context.Background(), grant(t, ec, effects.FileRead), []string{"../secret"})
	assert.Error(t, err)

	_, err = ec.Execute(context.Background(), grant(t, ec, effects.FileWrite), []string{"/abs.txt", "x"})
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(sandbox, "abs.txt"))
	assert.NoError(t, err)
}

func TestFileEffectsNeedArguments(t *testing.T) {
	ec := newContext(t, Config{Sandbox: t.TempDir()})
	_, err := ec.Execute(context.Background(), grant(t, ec, effects.FileRead), nil)
	assert.ErrorIs(t, err, ErrMissingArgument)
}

func TestNoSandboxLeavesFileEffectsUnregistered(t *testing.T) {
	ec := newContext(t, Config{})
	_, err := ec.Execute(context.Background(), grant(t, ec, effects.FileRead), []string{"x"})
	assert.ErrorIs(t, err, effects.ErrNoExecutor)
}

func TestHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/echo":
			body, _ := io.ReadAll(r.Body)
			_, _ = w.Write([]byte(r.Method + " " + string(body)))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	ec := newContext(t, Config{Client: srv.Client()})
	ctx := context.Background()
	c := grant(t, ec, effects.Http)

	got, err := ec.Execute(ctx, c, []string{srv.URL + "/echo"})
	require.NoError(t, err)
	assert.Equal(t, "GET ", got)

	got, err = ec.Execute(ctx, c, []string{srv.URL + "/echo", "post", "a", "b"})
	require.NoError(t, err)
	assert.Equal(t, "POST a b", got)

	_, err = ec.Execute(ctx, c, []string{srv.URL + "/missing"})
	assert.ErrorIs(t, err, ErrHTTPStatus)
}
