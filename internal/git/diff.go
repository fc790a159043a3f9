package git

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// Diff compares two commits and reports per-file changes, aggregate
// counts, and a unified patch.
func (e *RealExecutor) Diff(ctx context.Context, localPath, fromCommit, toCommit string) DiffResult {
	unlock := e.lockPath(localPath)
	defer unlock()

	if err := ensureRepo(localPath); err != nil {
		return DiffResult{Result: failure(err)}
	}

	files, err := e.changedFiles(ctx, localPath, fromCommit, toCommit)
	if err != nil {
		return DiffResult{Result: failure(err)}
	}

	result := DiffResult{
		Result:     Result{Success: true},
		FromCommit: fromCommit,
		ToCommit:   toCommit,
		Files:      files,
		TotalFiles: len(files),
	}
	for _, f := range files {
		result.TotalInsertions += f.Insertions
		result.TotalDeletions += f.Deletions
	}
	result.Patch = e.renderPatch(ctx, localPath, fromCommit, toCommit, files)
	return result
}

// changedFiles merges numstat line counts with name-status change types.
func (e *RealExecutor) changedFiles(ctx context.Context, path, from, to string) ([]FileChange, error) {
	numstat, err := e.run(ctx, path, "diff", "--numstat", from, to)
	if err != nil {
		return nil, err
	}
	nameStatus, err := e.run(ctx, path, "diff", "--name-status", from, to)
	if err != nil {
		return nil, err
	}

	// Rename and copy rows carry a similarity score (R100) and two paths;
	// the new path identifies the file.
	types := make(map[string]string)
	for _, line := range strings.Split(nameStatus, "\n") {
		fields := strings.Split(line, "\t")
		if len(fields) < 2 {
			continue
		}
		types[fields[len(fields)-1]] = fields[0][:1]
	}

	var files []FileChange
	for _, line := range strings.Split(numstat, "\n") {
		fields := strings.Split(line, "\t")
		if len(fields) < 3 {
			continue
		}
		file := fields[len(fields)-1]
		// Binary files report "-" counts.
		insertions, _ := strconv.Atoi(fields[0])
		deletions, _ := strconv.Atoi(fields[1])
		changeType := types[file]
		if changeType == "" {
			changeType = "M"
		}
		files = append(files, FileChange{
			File:       file,
			ChangeType: changeType,
			Insertions: insertions,
			Deletions:  deletions,
		})
	}
	return files, nil
}

// parseShortstat extracts counts from git diff --shortstat output,
// e.g. " 3 files changed, 14 insertions(+), 2 deletions(-)".
func parseShortstat(out string) (files, insertions, deletions int) {
	for _, part := range strings.Split(out, ",") {
		fields := strings.Fields(part)
		if len(fields) < 2 {
			continue
		}
		n, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		switch {
		case strings.HasPrefix(fields[1], "file"):
			files = n
		case strings.HasPrefix(fields[1], "insertion"):
			insertions = n
		case strings.HasPrefix(fields[1], "deletion"):
			deletions = n
		}
	}
	return files, insertions, deletions
}

// renderPatch builds a unified patch across the changed files. Unreadable
// sides come back empty, which covers added and deleted files.
func (e *RealExecutor) renderPatch(ctx context.Context, path, from, to string, files []FileChange) string {
	dmp := diffmatchpatch.New()
	var b strings.Builder
	for _, f := range files {
		before, _ := e.run(ctx, path, "show", from+":"+f.File)
		after, _ := e.run(ctx, path, "show", to+":"+f.File)
		text := dmp.PatchToText(dmp.PatchMake(before, after))
		if text == "" {
			continue
		}
		fmt.Fprintf(&b, "--- %s\n%s", f.File, text)
	}
	return b.String()
}
