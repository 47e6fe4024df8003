// Package git shells out to the git binary to version entity files.
package git

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// DefaultLockFile is the lock file created in the work tree while a commit
// is in progress.
const DefaultLockFile = ".tillage.lock"

// ErrLockTimeout is returned when the work tree lock cannot be acquired in time.
var ErrLockTimeout = errors.New("timed out waiting for repository lock")

// Author is the identity recorded on commits.
type Author struct {
	Name  string
	Email string
}

// Client runs git commands in a work tree. Writers serialise on a file lock
// so that several processes can share the same tree.
type Client struct {
	WorkDir string
	Logger  *slog.Logger
	// Author overrides the committer identity; empty uses the git config.
	Author      Author
	LockFile    string
	LockTimeout time.Duration
}

// NewClient creates a client for the given work tree.
func NewClient(workDir string, logger *slog.Logger) *Client {
	return &Client{
		WorkDir:     workDir,
		Logger:      logger,
		LockFile:    DefaultLockFile,
		LockTimeout: 10 * time.Second,
	}
}

// IsInstalled reports whether a git binary is on PATH.
func IsInstalled() bool {
	_, err := exec.LookPath("git")
	return err == nil
}

// Lock acquires the work tree lock, polling until it is free, the context
// ends or LockTimeout elapses. The returned function releases it.
func (c *Client) Lock(ctx context.Context) (func(), error) {
	path := filepath.Join(c.WorkDir, c.LockFile)

	var deadline <-chan time.Time
	if c.LockTimeout > 0 {
		timer := time.NewTimer(c.LockTimeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL, 0o666)
		if err == nil {
			_ = f.Close()
			return func() { _ = os.Remove(path) }, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("acquire lock: %w", err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			return nil, ErrLockTimeout
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// Run executes a git command in the work tree. It does not take the lock.
func (c *Client) Run(ctx context.Context, args ...string) (string, error) {
	if c.Logger != nil {
		c.Logger.Debug("executing git", "args", args, "dir", c.WorkDir)
	}

	full := args
	if c.Author.Name != "" {
		full = append([]string{"-c", "user.name=" + c.Author.Name, "-c", "user.email=" + c.Author.Email}, args...)
	}
	cmd := exec.CommandContext(ctx, "git", full...)
	cmd.Dir = c.WorkDir

	out, err := cmd.CombinedOutput()
	output := strings.TrimSpace(string(out))
	if err != nil {
		return output, fmt.Errorf("git %s: %w: %s", args[0], err, output)
	}
	return output, nil
}

// IsRepo reports whether the work tree is inside a git repository.
func (c *Client) IsRepo(ctx context.Context) bool {
	out, err := c.Run(ctx, "rev-parse", "--is-inside-work-tree")
	return err == nil && out == "true"
}

// Init creates a repository in the work tree. Re-running it is harmless.
func (c *Client) Init(ctx context.Context) error {
	_, err := c.Run(ctx, "init")
	return err
}

// Add stages files.
func (c *Client) Add(ctx context.Context, files ...string) error {
	if len(files) == 0 {
		return nil
	}
	_, err := c.Run(ctx, append([]string{"add", "--"}, files...)...)
	return err
}

// Rm stages the removal of files that may already be gone from disk.
func (c *Client) Rm(ctx context.Context, files ...string) error {
	if len(files) == 0 {
		return nil
	}
	_, err := c.Run(ctx, append([]string{"rm", "--cached", "--ignore-unmatch", "-q", "--"}, files...)...)
	return err
}

// Reset unstages files, restoring their index entries from HEAD. It fails
// in a repository without commits.
func (c *Client) Reset(ctx context.Context, files ...string) error {
	if len(files) == 0 {
		return nil
	}
	_, err := c.Run(ctx, append([]string{"reset", "-q", "--"}, files...)...)
	return err
}

// Commit records the staged changes. Nothing staged is not an error.
func (c *Client) Commit(ctx context.Context, msg string) error {
	status, err := c.Run(ctx, "diff", "--cached", "--name-only")
	if err != nil {
		return err
	}
	if status == "" {
		return nil
	}
	_, err = c.Run(ctx, "commit", "-q", "-m", msg)
	return err
}

// Status returns the porcelain status of the work tree.
func (c *Client) Status(ctx context.Context) (string, error) {
	return c.Run(ctx, "status", "--porcelain")
}

// Log returns the subject lines of the last n commits, newest first.
func (c *Client) Log(ctx context.Context, n int) ([]string, error) {
	out, err := c.Run(ctx, "log", fmt.Sprintf("-%d", n), "--format=%s")
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}
