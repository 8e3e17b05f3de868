// Package git fetches preview sources.
package git

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"strings"
)

// Clone shallow-clones repoURL into dest, checking out branch when set.
// Credentials embedded in repoURL never appear in the returned error.
func Clone(ctx context.Context, repoURL, branch, dest string) error {
	repoURL = strings.TrimSpace(repoURL)
	if repoURL == "" {
		return errors.New("repository URL cannot be empty")
	}
	if strings.HasPrefix(repoURL, "-") {
		return fmt.Errorf("invalid repository URL %q", repoURL)
	}
	if dest == "" {
		return errors.New("destination cannot be empty")
	}
	args := []string{"clone", "--depth", "1", "--quiet"}
	if branch = strings.TrimSpace(branch); branch != "" {
		if strings.HasPrefix(branch, "-") {
			return fmt.Errorf("invalid branch %q", branch)
		}
		args = append(args, "--branch", branch, "--single-branch")
	}
	args = append(args, "--", repoURL, ".")

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dest
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0", "GIT_ASKPASS=true")
	output, err := cmd.CombinedOutput()
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("git clone %s: %w", Redact(repoURL), ctxErr)
	}
	detail := strings.TrimSpace(string(output))
	if safe := Redact(repoURL); safe != repoURL {
		detail = strings.ReplaceAll(detail, repoURL, safe)
		if u, perr := url.Parse(repoURL); perr == nil && u.User != nil {
			if pass, ok := u.User.Password(); ok && pass != "" {
				detail = strings.ReplaceAll(detail, pass, "xxxxx")
			}
			if name := u.User.Username(); name != "" {
				detail = strings.ReplaceAll(detail, name+"@", "xxxxx@")
			}
		}
	}
	return fmt.Errorf("git clone %s failed: %w: %s", Redact(repoURL), err, detail)
}

// Redact replaces URL userinfo with a placeholder, for logs and errors.
func Redact(repoURL string) string {
	u, err := url.Parse(repoURL)
	if err != nil || u.User == nil {
		return repoURL
	}
	u.User = url.User("xxxxx")
	return u.String()
}
