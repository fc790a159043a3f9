package git

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/zjrosen/kiln/internal/log"
	"github.com/zjrosen/kiln/internal/tracing"
)

// CommandFactoryFunc creates an exec.Cmd for testing purposes.
type CommandFactoryFunc func(ctx context.Context, name string, args ...string) *exec.Cmd

// RealExecutor shells out to the git binary.
type RealExecutor struct {
	locks          sync.Map // map[localPath]*sync.Mutex
	commandFactory CommandFactoryFunc
}

// NewExecutor creates an Executor backed by the git CLI.
func NewExecutor() *RealExecutor {
	return &RealExecutor{commandFactory: exec.CommandContext}
}

// Compile-time check that RealExecutor implements Executor.
var _ Executor = (*RealExecutor)(nil)

// lockPath serializes working-tree access for one checkout. Different
// paths proceed independently.
func (e *RealExecutor) lockPath(path string) func() {
	v, _ := e.locks.LoadOrStore(path, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// run executes git with the given arguments, returning trimmed stdout.
// Failures are classified into the package sentinels.
func (e *RealExecutor) run(ctx context.Context, dir string, args ...string) (string, error) {
	ctx, span := tracing.StartSpan(ctx, tracing.SpanPrefixGit+args[0],
		attribute.String(tracing.AttrCommand, "git "+strings.Join(args, " ")))

	cmd := e.commandFactory(ctx, "git", args...)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		err = classify(dir, strings.TrimSpace(stderr.String()), err)
		tracing.EndSpan(span, err)
		return "", err
	}
	tracing.EndSpan(span, nil)
	return strings.TrimSpace(stdout.String()), nil
}

// classify maps a git failure onto the package sentinels.
func classify(dir, stderr string, err error) error {
	msg := stderr
	if msg == "" {
		msg = err.Error()
	}
	lower := strings.ToLower(msg)
	switch {
	case dir != "" && strings.Contains(lower, "not a git repository"):
		return fmt.Errorf("%w: %s", ErrNotGitRepo, dir)
	case dir != "" && strings.Contains(lower, "no such file or directory"):
		return fmt.Errorf("%w: %s", ErrPathMissing, dir)
	default:
		return fmt.Errorf("%w: %s", ErrGitCommand, msg)
	}
}

// ensureRepo verifies the path holds a checkout before any command runs,
// so missing paths and plain directories report deterministically.
func ensureRepo(path string) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("%w: %s", ErrPathMissing, path)
	}
	if _, err := os.Stat(filepath.Join(path, ".git")); err != nil {
		return fmt.Errorf("%w: %s", ErrNotGitRepo, path)
	}
	return nil
}

// failure renders an error into the uniform result shape.
func failure(err error) Result {
	return Result{Success: false, Error: err.Error()}
}

// shortSHA abbreviates a commit hash for log lines.
func shortSHA(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}

// commitInfo holds the fields read from git log for one commit.
type commitInfo struct {
	sha     string
	message string
	author  string
	email   string
	date    time.Time
}

// headCommit reads HEAD metadata. NUL separators keep commit messages
// containing newlines intact.
func (e *RealExecutor) headCommit(ctx context.Context, path string) (commitInfo, error) {
	out, err := e.run(ctx, path, "log", "-1", "--pretty=format:%H%x00%B%x00%an%x00%ae%x00%ct")
	if err != nil {
		return commitInfo{}, err
	}
	parts := strings.SplitN(out, "\x00", 5)
	if len(parts) != 5 {
		return commitInfo{}, fmt.Errorf("%w: unexpected log output %q", ErrGitCommand, out)
	}
	ts, err := strconv.ParseInt(strings.TrimSpace(parts[4]), 10, 64)
	if err != nil {
		return commitInfo{}, fmt.Errorf("%w: bad commit timestamp %q", ErrGitCommand, parts[4])
	}
	return commitInfo{
		sha:     parts[0],
		message: strings.TrimSpace(parts[1]),
		author:  parts[2],
		email:   parts[3],
		date:    time.Unix(ts, 0).UTC(),
	}, nil
}

// Clone makes a shallow checkout of the branch, replacing any existing
// directory at localPath.
func (e *RealExecutor) Clone(ctx context.Context, remoteURL, localPath, branch string) CloneResult {
	unlock := e.lockPath(localPath)
	defer unlock()

	log.Info(log.CatGit, "cloning repository", "url", remoteURL, "path", localPath, "branch", branch)

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return CloneResult{Result: failure(fmt.Errorf("%w: %v", ErrGitCommand, err))}
	}
	if _, err := os.Stat(localPath); err == nil {
		log.Warn(log.CatGit, "clone path exists, removing", "path", localPath)
		if err := os.RemoveAll(localPath); err != nil {
			return CloneResult{Result: failure(fmt.Errorf("%w: %v", ErrGitCommand, err))}
		}
	}

	args := []string{"clone", "--depth", "1"}
	if branch != "" {
		args = append(args, "--branch", branch)
	}
	args = append(args, remoteURL, localPath)
	if _, err := e.run(ctx, "", args...); err != nil {
		return CloneResult{Result: failure(err)}
	}

	head, err := e.headCommit(ctx, localPath)
	if err != nil {
		return CloneResult{Result: failure(err)}
	}
	log.Info(log.CatGit, "clone complete", "path", localPath, "commit", shortSHA(head.sha))
	return CloneResult{
		Result:        Result{Success: true},
		ClonePath:     localPath,
		CommitSHA:     head.sha,
		CommitMessage: head.message,
		CommitAuthor:  head.author,
		CommittedAt:   head.date,
	}
}

// Update pulls the tracked branch and reports how far HEAD moved.
func (e *RealExecutor) Update(ctx context.Context, localPath, branch string) UpdateResult {
	unlock := e.lockPath(localPath)
	defer unlock()

	if err := ensureRepo(localPath); err != nil {
		return UpdateResult{Result: failure(err)}
	}

	previous, err := e.run(ctx, localPath, "rev-parse", "HEAD")
	if err != nil {
		return UpdateResult{Result: failure(err)}
	}

	if branch != "" {
		head, err := e.run(ctx, localPath, "rev-parse", "--abbrev-ref", "HEAD")
		if err != nil {
			return UpdateResult{Result: failure(err)}
		}
		if head != branch {
			if _, err := e.run(ctx, localPath, "checkout", branch); err != nil {
				return UpdateResult{Result: failure(err)}
			}
		}
	}

	if _, err := e.run(ctx, localPath, "fetch", "origin"); err != nil {
		return UpdateResult{Result: failure(err)}
	}
	if _, err := e.run(ctx, localPath, "pull"); err != nil {
		return UpdateResult{Result: failure(err)}
	}

	current, err := e.run(ctx, localPath, "rev-parse", "HEAD")
	if err != nil {
		return UpdateResult{Result: failure(err)}
	}

	result := UpdateResult{
		Result:         Result{Success: true},
		PreviousCommit: previous,
		CurrentCommit:  current,
	}
	if previous == current {
		log.Debug(log.CatGit, "repository already up to date", "path", localPath)
		return result
	}

	pulled, err := e.run(ctx, localPath, "rev-list", "--count", previous+".."+current)
	if err != nil {
		return UpdateResult{Result: failure(err)}
	}
	result.CommitsPulled, _ = strconv.Atoi(pulled)

	stat, err := e.run(ctx, localPath, "diff", "--shortstat", previous, current)
	if err != nil {
		return UpdateResult{Result: failure(err)}
	}
	result.FilesChanged, result.Insertions, result.Deletions = parseShortstat(stat)

	log.Info(log.CatGit, "repository updated", "path", localPath,
		"commits", result.CommitsPulled, "files", result.FilesChanged)
	return result
}

// Checkout moves the working tree to a specific commit, leaving HEAD
// detached.
func (e *RealExecutor) Checkout(ctx context.Context, localPath, commitSHA string) CheckoutResult {
	unlock := e.lockPath(localPath)
	defer unlock()

	if err := ensureRepo(localPath); err != nil {
		return CheckoutResult{Result: failure(err)}
	}
	if _, err := e.run(ctx, localPath, "checkout", commitSHA); err != nil {
		return CheckoutResult{Result: failure(err)}
	}
	head, err := e.headCommit(ctx, localPath)
	if err != nil {
		return CheckoutResult{Result: failure(err)}
	}
	log.Debug(log.CatGit, "checked out commit", "path", localPath, "commit", shortSHA(head.sha))
	return CheckoutResult{
		Result:        Result{Success: true},
		CommitSHA:     head.sha,
		CommitMessage: head.message,
		CommitAuthor:  head.author,
	}
}

// LatestCommit describes the commit at HEAD.
func (e *RealExecutor) LatestCommit(ctx context.Context, localPath string) CommitResult {
	unlock := e.lockPath(localPath)
	defer unlock()

	if err := ensureRepo(localPath); err != nil {
		return CommitResult{Result: failure(err)}
	}
	head, err := e.headCommit(ctx, localPath)
	if err != nil {
		return CommitResult{Result: failure(err)}
	}
	branch, err := e.run(ctx, localPath, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return CommitResult{Result: failure(err)}
	}
	return CommitResult{
		Result:        Result{Success: true},
		CommitSHA:     head.sha,
		CommitMessage: head.message,
		CommitAuthor:  head.author,
		CommitEmail:   head.email,
		CommittedAt:   head.date,
		Branch:        branch,
	}
}

// Exists reports whether localPath holds a git checkout.
func (e *RealExecutor) Exists(localPath string) bool {
	return ensureRepo(localPath) == nil
}
