// Package git shells out to the git CLI to manage project checkouts.
//
// Operations return uniform results carrying Success and Error instead of
// returning Go errors: callers surface the strings to clients and events
// verbatim.
package git

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors classified from git failures. Their text renders
// verbatim into result Error strings, so casing follows the wire format
// rather than Go convention.
var (
	// ErrNotGitRepo indicates the path exists but holds no repository.
	ErrNotGitRepo = errors.New("Not a git repository")
	// ErrPathMissing indicates the local path does not exist.
	ErrPathMissing = errors.New("Path does not exist")
	// ErrGitCommand indicates git itself failed; the message carries stderr.
	ErrGitCommand = errors.New("Git command failed")
)

// Result is the base shape every git operation returns.
type Result struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// CloneResult reports a completed clone and its HEAD commit.
type CloneResult struct {
	Result
	ClonePath     string    `json:"clone_path,omitempty"`
	CommitSHA     string    `json:"commit_sha,omitempty"`
	CommitMessage string    `json:"commit_message,omitempty"`
	CommitAuthor  string    `json:"commit_author,omitempty"`
	CommittedAt   time.Time `json:"committed_at,omitzero"`
}

// UpdateResult reports how far HEAD moved after a pull. All counts are
// zero when the repository was already up to date.
type UpdateResult struct {
	Result
	PreviousCommit string `json:"previous_commit,omitempty"`
	CurrentCommit  string `json:"current_commit,omitempty"`
	CommitsPulled  int    `json:"commits_pulled"`
	FilesChanged   int    `json:"files_changed"`
	Insertions     int    `json:"insertions"`
	Deletions      int    `json:"deletions"`
}

// CheckoutResult reports the commit now at HEAD.
type CheckoutResult struct {
	Result
	CommitSHA     string `json:"commit_sha,omitempty"`
	CommitMessage string `json:"commit_message,omitempty"`
	CommitAuthor  string `json:"commit_author,omitempty"`
}

// CommitResult describes the commit at HEAD.
type CommitResult struct {
	Result
	CommitSHA     string    `json:"commit_sha,omitempty"`
	CommitMessage string    `json:"commit_message,omitempty"`
	CommitAuthor  string    `json:"commit_author,omitempty"`
	CommitEmail   string    `json:"commit_email,omitempty"`
	CommittedAt   time.Time `json:"committed_at,omitzero"`
	Branch        string    `json:"branch,omitempty"`
}

// FileChange is one file's contribution to a diff.
type FileChange struct {
	File       string `json:"file"`
	ChangeType string `json:"change_type"`
	Insertions int    `json:"insertions"`
	Deletions  int    `json:"deletions"`
}

// DiffResult aggregates the changes between two commits.
type DiffResult struct {
	Result
	FromCommit      string       `json:"from_commit,omitempty"`
	ToCommit        string       `json:"to_commit,omitempty"`
	Files           []FileChange `json:"files_changed,omitempty"`
	TotalFiles      int          `json:"total_files"`
	TotalInsertions int          `json:"total_insertions"`
	TotalDeletions  int          `json:"total_deletions"`
	Patch           string       `json:"patch,omitempty"`
}

// Executor runs git operations against project checkouts. Implementations
// serialize operations touching the same working tree.
type Executor interface {
	Clone(ctx context.Context, remoteURL, localPath, branch string) CloneResult
	Update(ctx context.Context, localPath, branch string) UpdateResult
	Checkout(ctx context.Context, localPath, commitSHA string) CheckoutResult
	LatestCommit(ctx context.Context, localPath string) CommitResult
	Diff(ctx context.Context, localPath, fromCommit, toCommit string) DiffResult
	Exists(localPath string) bool
}
