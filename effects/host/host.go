// Package host provides the concrete executors behind the Http, FileRead and
// FileWrite effects. They are installed into an effects.Context by the CLI;
// the capability check always happens before they run.
package host

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ling0x/krill/effects"
)

// MaxResponseBytes bounds how much of an HTTP response body is returned.
const MaxResponseBytes = 1 << 20

var (
	ErrMissingArgument = errors.New("missing argument")
	ErrHTTPStatus      = errors.New("unexpected HTTP status")
)

// Config selects the sandbox directory and HTTP timeout.
type Config struct {
	Sandbox     string
	HTTPTimeout time.Duration
	Client      *http.Client // optional; overrides HTTPTimeout
}

// Install registers the host executors on ec. File effects are only
// installed when a sandbox directory is configured.
func Install(ec *effects.Context, cfg Config) error {
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.HTTPTimeout}
	}
	ec.Register(effects.Http, HTTP(client))

	if cfg.Sandbox == "" {
		return nil
	}
	if err := os.MkdirAll(cfg.Sandbox, 0755); err != nil {
		return fmt.Errorf("sandbox %s: %w", cfg.Sandbox, err)
	}
	root, err := os.OpenRoot(cfg.Sandbox)
	if err != nil {
		return fmt.Errorf("sandbox %s: %w", cfg.Sandbox, err)
	}
	ec.Register(effects.FileRead, FileRead(root))
	ec.Register(effects.FileWrite, FileWrite(root))
	return nil
}

// HTTP performs a request. Arguments: url [method [body]]. The method
// defaults to GET. The response body is the result.
func HTTP(client *http.Client) effects.Executor {
	return effects.ExecutorFunc(func(ctx context.Context, args []string) (string, error) {
		if len(args) == 0 {
			return "", fmt.Errorf("http: %w: url", ErrMissingArgument)
		}
		method := http.MethodGet
		if len(args) > 1 {
			method = strings.ToUpper(args[1])
		}
		var body io.Reader
		if len(args) > 2 {
			body = strings.NewReader(strings.Join(args[2:], " "))
		}
		req, err := http.NewRequestWithContext(ctx, method, args[0], body)
		if err != nil {
			return "", fmt.Errorf("http: %w", err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return "", fmt.Errorf("http: %w", err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseBytes))
		if err != nil {
			return "", fmt.Errorf("http: reading response: %w", err)
		}
		if resp.StatusCode >= 400 {
			return string(data), fmt.Errorf("http: %w: %s", ErrHTTPStatus, resp.Status)
		}
		return string(data), nil
	})
}

// FileRead returns the contents of a file inside root. Argument: path.
func FileRead(root *os.Root) effects.Executor {
	return effects.ExecutorFunc(func(_ context.Context, args []string) (string, error) {
		if len(args) == 0 {
			return "", fmt.Errorf("file_read: %w: path", ErrMissingArgument)
		}
		data, err := root.ReadFile(clean(args[0]))
		if err != nil {
			return "", fmt.Errorf("file_read: %w", err)
		}
		return string(data), nil
	})
}

// FileWrite replaces a file inside root. Arguments: path content... The
// content arguments are joined with spaces.
func FileWrite(root *os.Root) effects.Executor {
	return effects.ExecutorFunc(func(_ context.Context, args []string) (string, error) {
		if len(args) == 0 {
			return "", fmt.Errorf("file_write: %w: path", ErrMissingArgument)
		}
		path := clean(args[0])
		content := strings.Join(args[1:], " ")
		if dir := filepath.Dir(path); dir != "." {
			if err := root.MkdirAll(dir, 0755); err != nil {
				return "", fmt.Errorf("file_write: %w", err)
			}
		}
		if err := root.WriteFile(path, []byte(content), 0644); err != nil {
			return "", fmt.Errorf("file_write: %w", err)
		}
		return fmt.Sprintf("wrote %d bytes to %s", len(content), path), nil
	})
}

// clean makes path relative so absolute arguments land inside the sandbox.
// os.Root still rejects anything that escapes through ".." or symlinks.
func clean(path string) string {
	return strings.TrimLeft(filepath.Clean("/"+path), "/")
}
