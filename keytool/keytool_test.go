package keytool

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// identityProgram writes a shell script that ignores its arguments and
// copies stdin to stdout. Plain `cat` cannot stand in here: it rejects the
// -q/-r flags Wrap and Unwrap pass.
func identityProgram(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "identity-keytool")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\nexec cat\n"), 0o755))
	return path
}

// TestWrapUnwrapRoundTrip uses an identity script as a stand-in
// key-management program: it performs no transformation, which is enough
// to exercise the subprocess plumbing (stdin/stdout wiring) without
// requiring a real keyring in the test environment.
func TestWrapUnwrapRoundTrip(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a posix shell utility")
	}
	tool := New(identityProgram(t), nil)
	wrapped, err := tool.Wrap(context.Background(), []byte("secret-key-bytes"), []string{"alice"})
	require.NoError(t, err)
	assert.Equal(t, []byte("secret-key-bytes"), wrapped)

	unwrapped, err := tool.Unwrap(context.Background(), wrapped)
	require.NoError(t, err)
	assert.Equal(t, []byte("secret-key-bytes"), unwrapped)
}

func TestRunFailurePropagatesKeyToolFailure(t *testing.T) {
	tool := New("false", nil)
	_, err := tool.Wrap(context.Background(), nil, nil)
	assert.ErrorIs(t, err, ErrKeyToolFailure)
}

func TestDefaultsToGPG(t *testing.T) {
	tool := New("", nil)
	assert.Equal(t, "gpg", tool.Path)
}
