// Command git-incrypt creates a bare encrypted repository in the current
// directory and writes its metadata record (spec.md sec 6 "CLI surface"):
//
//	git-incrypt init [-n NAME] [-e EMAIL] [-d DATE] [-m MSG]... KEY...
//
// Argument parsing is deliberately thin (spec.md sec 1 lists it as an
// external collaborator): flags only translate into the option structs
// the metadata and keytool packages already expose, in the style
// SPEC_FULL.md's Configuration section describes.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	homedir "github.com/mitchellh/go-homedir"

	"github.com/datatrails/go-datatrails-common/logger"

	"github.com/git-incrypt/git-incrypt/gitobj"
	"github.com/git-incrypt/git-incrypt/keytool"
	"github.com/git-incrypt/git-incrypt/metadata"
	"github.com/git-incrypt/git-incrypt/objectmap"
)

// messageList accumulates repeated -m flags into template message
// paragraphs, mirroring `git commit`'s -m repetition convention.
type messageList []string

func (m *messageList) String() string { return strings.Join(*m, "\n\n") }
func (m *messageList) Set(v string) error {
	*m = append(*m, v)
	return nil
}

func main() {
	if len(os.Args) < 2 || os.Args[1] != "init" {
		fmt.Fprintln(os.Stderr, "usage: git-incrypt init [-n NAME] [-e EMAIL] [-d DATE] [-m MSG]... [-default BRANCH] [-keytool PATH] KEY...")
		os.Exit(2)
	}

	fs := flag.NewFlagSet("init", flag.ExitOnError)
	name := fs.String("n", "git-incrypt", "template commit author/committer name")
	email := fs.String("e", "git-incrypt@localhost", "template commit author/committer email")
	date := fs.String("d", "", "template commit date, RFC3339 (default: now)")
	defaultBranch := fs.String("default", "refs/heads/master", "default branch exposed to the host VCS")
	keytoolPath := fs.String("keytool", "", "external key-management program (default: gpg)")
	logLevel := fs.String("loglevel", "INFO", "log level (NOOP disables logging)")
	var messages messageList
	fs.Var(&messages, "m", "template commit message paragraph (repeatable)")
	if err := fs.Parse(os.Args[2:]); err != nil {
		os.Exit(2)
	}

	recipients := fs.Args()
	if len(recipients) == 0 {
		fmt.Fprintln(os.Stderr, "git-incrypt init: at least one recipient KEY is required")
		os.Exit(2)
	}
	for i, r := range recipients {
		if expanded, err := homedir.Expand(r); err == nil {
			recipients[i] = expanded
		}
	}
	if len(messages) == 0 {
		messages = messageList{"git-incrypt metadata"}
	}
	if *date == "" {
		*date = time.Now().UTC().Format(time.RFC3339)
	}

	logger.New(*logLevel)
	log := logger.Sugar.WithServiceName("git-incrypt")

	if err := run(context.Background(), log, runConfig{
		name:          *name,
		email:         *email,
		date:          *date,
		defaultBranch: *defaultBranch,
		keytoolPath:   *keytoolPath,
		messages:      messages,
		recipients:    recipients,
	}); err != nil {
		log.Errorf("git-incrypt init: %v", err)
		fmt.Fprintf(os.Stderr, "git-incrypt init: %v\n", err)
		os.Exit(1)
	}
}

type runConfig struct {
	name, email, date, defaultBranch, keytoolPath string
	messages                                      messageList
	recipients                                    []string
}

func run(ctx context.Context, log logger.Logger, cfg runConfig) error {
	dir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("resolving working directory: %w", err)
	}

	if err := gitInitBare(ctx, dir); err != nil {
		return err
	}

	store := gitobj.NewCLI(dir, log)

	template, err := buildTemplate(ctx, store, cfg)
	if err != nil {
		return fmt.Errorf("building template commit: %w", err)
	}

	tool := keytool.New(cfg.keytoolPath, log)
	md, err := metadata.Init(ctx, tool, cfg.recipients, template, cfg.defaultBranch)
	if err != nil {
		return fmt.Errorf("wrapping key to %d recipient(s): %w", len(cfg.recipients), err)
	}

	if err := metadata.Write(ctx, store, md, objectmap.New(), metadata.WithLog(log)); err != nil {
		return fmt.Errorf("writing metadata record: %w", err)
	}

	fmt.Printf("%x\n", md.Key)
	fmt.Fprintln(os.Stderr, "git-incrypt: repository key printed to stdout -- store it out-of-band if you want a copy outside the wrapped recipients above")
	return nil
}

func gitInitBare(ctx context.Context, dir string) error {
	cmd := exec.CommandContext(ctx, "git", "init", "--bare", "-q", dir)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git init --bare: %w: %s", err, out)
	}
	return nil
}

// buildTemplate derives the template commit body (spec.md sec 3 "Template
// commit body", sec 9 "Template body") by asking the real git binary to
// build a throwaway commit with the requested author/committer/date/
// message and then stripping its tree header -- design note (a) in
// spec.md sec 9, avoiding any risk of our own canonicalization drifting
// from git's actual serialization.
func buildTemplate(ctx context.Context, store *gitobj.CLI, cfg runConfig) ([]byte, error) {
	emptyTree, err := store.WriteTree(ctx, gitobj.NewTreeBuilder())
	if err != nil {
		return nil, fmt.Errorf("writing empty tree: %w", err)
	}

	args := []string{"--git-dir=" + store.Dir, "commit-tree", emptyTree.String()}
	for _, m := range cfg.messages {
		args = append(args, "-m", m)
	}
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME="+cfg.name, "GIT_AUTHOR_EMAIL="+cfg.email, "GIT_AUTHOR_DATE="+cfg.date,
		"GIT_COMMITTER_NAME="+cfg.name, "GIT_COMMITTER_EMAIL="+cfg.email, "GIT_COMMITTER_DATE="+cfg.date,
	)
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("commit-tree: %w", err)
	}
	id, err := gitobj.ParseID(strings.TrimSpace(string(out)))
	if err != nil {
		return nil, err
	}

	_, raw, err := store.ReadRaw(ctx, id)
	if err != nil {
		return nil, err
	}
	commit, err := gitobj.ParseCommit(raw)
	if err != nil {
		return nil, err
	}
	return commit.Body, nil
}
