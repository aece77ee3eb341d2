package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/skupperproject/flowcache/pkg/flowcache"
	"github.com/skupperproject/flowcache/pkg/flowcache/query"
	"gotest.tools/v3/assert"
)

func TestParse(t *testing.T) {
	testCases := []struct {
		Name     string
		Input    string
		Expected func(f *File)
		Err      string
	}{
		{
			Name:     "empty",
			Input:    "",
			Expected: func(*File) {},
		},
		{
			Name: "overrides",
			Input: `
staleness:
  maxAge: 30s
  refreshTimeout: 2s
pool:
  workers: 8
switches:
  - id: "00:00:00:00:00:00:00:0a"
    address: switch.a
  - id: "11"
    address: switch.b
`,
			Expected: func(f *File) {
				f.Staleness = query.StalenessPolicy{MaxAge: 30 * time.Second, RefreshTimeout: 2 * time.Second}
				f.Pool.Workers = 8
				f.Switches = []Switch{{ID: 10, Address: "switch.a"}, {ID: 11, Address: "switch.b"}}
			},
		},
		{
			Name:  "unknown field",
			Input: "stalness:\n  maxAge: 1s\n",
			Err:   "field stalness not found",
		},
		{
			Name:  "negative age",
			Input: "staleness:\n  maxAge: -1s\n",
			Err:   "maxAge must not be negative",
		},
		{
			Name:  "duplicate switch",
			Input: "switches:\n  - {id: \"1\", address: a}\n  - {id: \"1\", address: b}\n",
			Err:   "duplicate id",
		},
		{
			Name:  "switch without address",
			Input: "switches:\n  - {id: \"1\"}\n",
			Err:   "address is required",
		},
	}
	for _, tc := range testCases {
		t.Run(tc.Name, func(t *testing.T) {
			actual, err := Parse([]byte(tc.Input))
			if tc.Err != "" {
				assert.ErrorContains(t, err, tc.Err)
				return
			}
			assert.NilError(t, err)
			expected := Default()
			tc.Expected(&expected)
			assert.DeepEqual(t, actual, expected)
		})
	}
}

func TestValidationIsInvalidArgument(t *testing.T) {
	_, err := Parse([]byte("pool:\n  workers: -1\n"))
	assert.Assert(t, errors.Is(err, flowcache.ErrInvalidArgument))
}

func TestPath(t *testing.T) {
	t.Setenv(EnvPath, "/etc/flowcache/config.yaml")
	assert.Equal(t, Path("local.yaml"), "local.yaml")
	assert.Equal(t, Path(""), "/etc/flowcache/config.yaml")
}

func TestWatcherReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	assert.NilError(t, os.WriteFile(path, []byte("staleness:\n  maxAge: 1s\n"), 0o644))

	changes := make(chan File, 8)
	failures := make(chan error, 8)
	w := NewWatcher(path, func(f File) { changes <- f }, WatcherOptions{
		Debounce: 10 * time.Millisecond,
		OnError:  func(err error) { failures <- err },
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error)
	go func() { done <- w.Run(ctx) }()

	// the watch is in place once Run has called manage; give it a moment
	time.Sleep(50 * time.Millisecond)

	// a write can be observed half done, so wait for the expected content
	waitFor := func(what string, ok func(File) bool) {
		t.Helper()
		deadline := time.After(3 * time.Second)
		for {
			select {
			case f := <-changes:
				if ok(f) {
					return
				}
			case <-deadline:
				t.Fatalf("no reload after %s", what)
			}
		}
	}

	assert.NilError(t, os.WriteFile(path, []byte("staleness:\n  maxAge: 9s\n"), 0o644))
	waitFor("write", func(f File) bool { return f.Staleness.MaxAge == 9*time.Second })

	tmp := filepath.Join(dir, ".config.yaml.tmp")
	assert.NilError(t, os.WriteFile(tmp, []byte("pool:\n  workers: 2\n"), 0o644))
	assert.NilError(t, os.Rename(tmp, path))
	waitFor("rename", func(f File) bool { return f.Pool == Pool{Workers: 2, QueueSize: 256} })

	assert.NilError(t, os.WriteFile(path, []byte("staleness: [\n"), 0o644))
	select {
	case err := <-failures:
		assert.ErrorContains(t, err, "error parsing config file")
	case <-time.After(3 * time.Second):
		t.Fatal("invalid file not reported")
	}

	cancel()
	assert.NilError(t, <-done)
}
