package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Clone shallow-clones branch of repo into dir, then resolves commit to a
// concrete SHA: when commit is a real SHA it is checked out directly; when
// commit is the sentinel "HEAD" the tip of branch as cloned is resolved
// and returned so the caller can persist it on the Job before RUNNING.
func Clone(ctx context.Context, dir, repo, branch, commit string) (resolvedSHA string, err error) {
	cloneURL := repoURL(repo)

	if err := runGit(ctx, dir, "clone", "--depth", "1", "--branch", branch, "--single-branch", cloneURL, "."); err != nil {
		return "", fmt.Errorf("clone %s@%s: %w", repo, branch, err)
	}

	if commit == "" || commit == "HEAD" {
		sha, err := gitOutput(ctx, dir, "rev-parse", "HEAD")
		if err != nil {
			return "", fmt.Errorf("resolve HEAD for %s@%s: %w", repo, branch, err)
		}
		return sha, nil
	}

	if err := runGit(ctx, dir, "fetch", "--depth", "1", "origin", commit); err != nil {
		return "", fmt.Errorf("fetch %s: %w", commit, err)
	}
	if err := runGit(ctx, dir, "checkout", commit); err != nil {
		return "", fmt.Errorf("checkout %s: %w", commit, err)
	}
	return commit, nil
}

// repoURL turns an "owner/name" shorthand into a clonable URL. A caller
// targeting a self-hosted Git mirror passes the full URL as repo instead,
// in which case this is a no-op.
func repoURL(repo string) string {
	if strings.Contains(repo, "://") || strings.HasPrefix(repo, "git@") {
		return repo
	}
	return "https://github.com/" + repo + ".git"
}

func runGit(ctx context.Context, dir string, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

func gitOutput(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
