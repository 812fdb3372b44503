// Package gitops reverts shipped commits in the workspace repository.
package gitops

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Reverter undoes a commit and reports the tool output.
type Reverter interface {
	Revert(ctx context.Context, commit string) (string, error)
}

// RevertError carries the combined output of a failed revert.
type RevertError struct {
	Commit string
	Output string
	Err    error
}

func (e *RevertError) Error() string {
	out := strings.TrimSpace(e.Output)
	if out == "" {
		return fmt.Sprintf("git revert %s: %v", e.Commit, e.Err)
	}
	return fmt.Sprintf("git revert %s: %v: %s", e.Commit, e.Err, out)
}

func (e *RevertError) Unwrap() error { return e.Err }

// GitReverter shells out to git revert --no-edit.
type GitReverter struct {
	Repo    string
	Timeout time.Duration
	// Binary defaults to "git".
	Binary string
}

func (g GitReverter) Revert(ctx context.Context, commit string) (string, error) {
	commit = strings.TrimSpace(commit)
	if commit == "" || strings.HasPrefix(commit, "-") {
		return "", &RevertError{Commit: commit, Err: errors.New("invalid commit reference")}
	}
	timeout := g.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	bin := g.Binary
	if bin == "" {
		bin = "git"
	}
	repo := g.Repo
	if repo == "" {
		repo = "."
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, "-C", repo, "revert", "--no-edit", commit)
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			err = fmt.Errorf("timed out after %s", timeout)
		}
		return out.String(), &RevertError{Commit: commit, Output: out.String(), Err: err}
	}
	return out.String(), nil
}
