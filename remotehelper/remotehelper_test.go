//go:build integration

package remotehelper

import (
	"bufio"
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/git-incrypt/git-incrypt/gitobj"
	"github.com/git-incrypt/git-incrypt/keytool"
	"github.com/git-incrypt/git-incrypt/metadata"
	"github.com/git-incrypt/git-incrypt/mirror"
	"github.com/git-incrypt/git-incrypt/objectmap"
)

// requireGit skips the test if no git binary is on PATH, mirroring
// massifs/massifcommitter_test.go's azurite gate for an external
// dependency this package cannot fake away.
func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not found on PATH")
	}
}

// runGit is a small helper for test setup commands against a directory.
func runGit(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoErrorf(t, err, "git %v: %s", args, out)
	return strings.TrimSpace(string(out))
}

// identityKeyTool uses a shell script running `cat` as the wrap/unwrap
// program: it ignores its arguments and round-trips stdin to stdout
// unchanged, standing in for a real key-management program in a test that
// has no secret-recipient infrastructure to exercise. Plain `cat` cannot
// be used directly because it rejects the -q/-r flags keytool passes.
func identityKeyTool(t *testing.T) *keytool.Tool {
	t.Helper()
	path := filepath.Join(t.TempDir(), "identity-keytool")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\nexec cat\n"), 0o755))
	return keytool.New(path, nil)
}

func TestHelper_pushThenList(t *testing.T) {
	requireGit(t)
	ctx := context.Background()

	// The "remote" encrypted repository: a bare repo a real transport
	// could push to.
	remoteDir := t.TempDir()
	runGit(t, remoteDir, "init", "--bare", "-q", ".")

	// Write the metadata record directly against the remote, as `init`
	// would.
	remoteStore := gitobj.NewCLI(remoteDir, nil)
	tool := identityKeyTool(t)
	md, err := metadata.Init(ctx, tool, []string{"unused@example.com"},
		[]byte("author T <t@x> 0 +0000\ncommitter T <t@x> 0 +0000\n\ntemplate\n"),
		"refs/heads/master")
	require.NoError(t, err)
	require.NoError(t, metadata.Write(ctx, remoteStore, md, objectmap.New()))

	// The cleartext repository with one commit on master.
	crDir := t.TempDir()
	runGit(t, crDir, "init", "-q", ".")
	runGit(t, crDir, "config", "user.email", "a@x")
	runGit(t, crDir, "config", "user.name", "A")
	require.NoError(t, writeFile(filepath.Join(crDir, "f.txt"), "hello"))
	runGit(t, crDir, "add", "f.txt")
	runGit(t, crDir, "commit", "-q", "-m", "first")
	gitDir := filepath.Join(crDir, ".git")

	cr := gitobj.NewCLI(gitDir, nil)
	mgr := mirror.New(gitDir, "file://"+remoteDir)
	h := New(cr, "origin", "file://"+remoteDir, tool, mgr)

	var out bytes.Buffer
	in := strings.NewReader("capabilities\n\npush refs/heads/master:refs/heads/master\n\n")
	require.NoError(t, h.Run(ctx, in, &out))

	lines := splitLines(out.String())
	require.Contains(t, lines, "fetch")
	require.Contains(t, lines, "ok refs/heads/master")

	// A fresh helper against a second cleartext clone should list and
	// fetch the same commit back.
	crDir2 := t.TempDir()
	runGit(t, crDir2, "init", "-q", ".")
	gitDir2 := filepath.Join(crDir2, ".git")
	cr2 := gitobj.NewCLI(gitDir2, nil)
	mgr2 := mirror.New(gitDir2, "file://"+remoteDir)
	h2 := New(cr2, "origin", "file://"+remoteDir, tool, mgr2)

	var out2 bytes.Buffer
	require.NoError(t, h2.Run(ctx, strings.NewReader("list\n"), &out2))
	require.Contains(t, out2.String(), "refs/heads/master")
}

func splitLines(s string) []string {
	sc := bufio.NewScanner(strings.NewReader(s))
	var out []string
	for sc.Scan() {
		out = append(out, sc.Text())
	}
	return out
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}
