// Command git-remote-incrypt is the remote-helper binary the host VCS
// invokes to speak to an encrypted remote (spec.md sec 6 "CLI surface"):
//
//	git-remote-incrypt <remote-name> <url>
//
// It resolves the calling repository's GIT_DIR from the environment (or,
// absent that, by asking git directly) and then just runs the protocol
// loop in remotehelper; all of the interesting behaviour lives there.
package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/datatrails/go-datatrails-common/logger"

	"github.com/git-incrypt/git-incrypt/gitobj"
	"github.com/git-incrypt/git-incrypt/keytool"
	"github.com/git-incrypt/git-incrypt/mirror"
	"github.com/git-incrypt/git-incrypt/remotehelper"
)

func main() {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "usage: git-remote-incrypt <remote-name> <url>")
		os.Exit(2)
	}
	remoteName, url := os.Args[1], os.Args[2]

	gitDir, err := resolveGitDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "git-remote-incrypt: %v\n", err)
		os.Exit(1)
	}

	logLevel := os.Getenv("GIT_INCRYPT_LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}
	logger.New(logLevel)
	log := logger.Sugar.WithServiceName("git-remote-incrypt")

	cr := gitobj.NewCLI(gitDir, log)
	tool := keytool.New(os.Getenv("GIT_INCRYPT_KEYTOOL"), log)
	mgr := mirror.New(gitDir, url, mirror.WithLog(log))
	h := remotehelper.New(cr, remoteName, url, tool, mgr, remotehelper.WithLog(log))

	if err := h.Run(context.Background(), os.Stdin, os.Stdout); err != nil {
		log.Errorf("remote-helper loop: %v", err)
		fmt.Fprintf(os.Stderr, "git-remote-incrypt: %v\n", err)
		os.Exit(1)
	}
}

// resolveGitDir follows spec.md sec 6 ("Reads the host VCS's pointer to
// the CR ... on helper startup"): the host VCS sets GIT_DIR in the
// remote-helper's environment; fall back to asking git directly for
// callers (tests, manual invocation) that don't set it.
func resolveGitDir() (string, error) {
	if dir := os.Getenv("GIT_DIR"); dir != "" {
		return dir, nil
	}
	out, err := exec.Command("git", "rev-parse", "--git-dir").Output()
	if err != nil {
		return "", fmt.Errorf("GIT_DIR not set and `git rev-parse --git-dir` failed: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}
