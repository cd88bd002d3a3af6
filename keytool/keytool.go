// Package keytool wraps the external key-management program used to
// escrow the repository's symmetric key to one or more recipients, and to
// recover it later (spec.md sec 6 "Environment"). The program itself is an
// external collaborator (think gpg or age) addressed only by argv
// convention; this package never interprets its key formats, only pipes
// bytes through it and checks its exit status, in the same subprocess
// style as gitobj.CLI.
package keytool

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"

	"github.com/datatrails/go-datatrails-common/logger"
)

// ErrKeyToolFailure is returned whenever the external program exits
// non-zero, for either wrap or unwrap.
var ErrKeyToolFailure = errors.New("keytool: key-management program failed")

// Tool invokes a configured external key-management binary.
type Tool struct {
	// Path is the executable to run; defaults to "gpg" if empty.
	Path string
	Log  logger.Logger
}

// New returns a Tool that runs path (or "gpg" if path is empty).
func New(path string, log logger.Logger) *Tool {
	if path == "" {
		path = "gpg"
	}
	return &Tool{Path: path, Log: log}
}

// Wrap escrows key to each of recipients, returning the wrapped bytes.
// Invokes the tool as `<path> -q -e -r <recipient>...`.
func (t *Tool) Wrap(ctx context.Context, key []byte, recipients []string) ([]byte, error) {
	args := []string{"-q", "-e"}
	for _, r := range recipients {
		args = append(args, "-r", r)
	}
	return t.run(ctx, key, args...)
}

// Unwrap recovers the escrowed key material. Invokes `<path> -q -d`.
func (t *Tool) Unwrap(ctx context.Context, wrapped []byte) ([]byte, error) {
	return t.run(ctx, wrapped, "-q", "-d")
}

func (t *Tool) run(ctx context.Context, stdin []byte, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, t.Path, args...)
	cmd.Stdin = bytes.NewReader(stdin)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if t.Log != nil {
		t.Log.Debugf("%s %v", t.Path, args)
	}
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%w: %s: %s", ErrKeyToolFailure, err, stderr.String())
	}
	return stdout.Bytes(), nil
}
