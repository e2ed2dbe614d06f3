// Package history keeps an audit trail of the data directory as a git
// repository. Every mutating admin request lands as one commit, so the full
// record history can be inspected with stock git tooling. Pure go-git, no
// git binary needed.
package history

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// Author identifies who caused a change.
type Author struct {
	Name  string
	Email string
}

// Log wraps a git repository rooted at the data directory.
type Log struct {
	dir          string
	defaultName  string
	defaultEmail string
	repo         *gogit.Repository
	mu           sync.Mutex
}

// Open opens the data directory as a git repository, initializing one on
// first use.
func Open(dir, defaultName, defaultEmail string) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	repo, err := gogit.PlainOpen(dir)
	if err != nil {
		// Not a repo yet.
		repo, err = gogit.PlainInit(dir, false)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize history repo: %w", err)
		}
		cfg, err := repo.Config()
		if err != nil {
			return nil, fmt.Errorf("failed to read history repo config: %w", err)
		}
		cfg.User.Name = defaultName
		cfg.User.Email = defaultEmail
		if err := repo.SetConfig(cfg); err != nil {
			return nil, fmt.Errorf("failed to write history repo config: %w", err)
		}
	}
	return &Log{dir: dir, defaultName: defaultName, defaultEmail: defaultEmail, repo: repo}, nil
}

// Commit stages everything under the data directory and commits it. A clean
// worktree is a no-op, so calling after non-mutating requests is harmless.
func (l *Log) Commit(_ context.Context, author Author, msg string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, err := l.repo.Worktree()
	if err != nil {
		return fmt.Errorf("failed to get worktree: %w", err)
	}
	if err := w.AddWithOptions(&gogit.AddOptions{All: true}); err != nil {
		return fmt.Errorf("failed to stage changes: %w", err)
	}
	status, err := w.Status()
	if err != nil {
		return fmt.Errorf("failed to get worktree status: %w", err)
	}
	if status.IsClean() {
		return nil
	}

	name, email := author.Name, author.Email
	if name == "" {
		name = l.defaultName
	}
	if email == "" {
		email = l.defaultEmail
	}
	now := time.Now()
	_, err = w.Commit(msg, &gogit.CommitOptions{
		Author:    &object.Signature{Name: name, Email: email, When: now},
		Committer: &object.Signature{Name: l.defaultName, Email: l.defaultEmail, When: now},
	})
	if err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// Entry is one change in the trail, newest first in Recent.
type Entry struct {
	Hash    string
	Message string
	Author  string
	When    time.Time
}

// Recent returns up to limit commits, newest first.
func (l *Log) Recent(limit int) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	head, err := l.repo.Head()
	if err != nil {
		// No commits yet.
		return nil, nil
	}
	iter, err := l.repo.Log(&gogit.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}
	defer iter.Close()

	var out []Entry
	for limit <= 0 || len(out) < limit {
		c, err := iter.Next()
		if err != nil {
			break
		}
		out = append(out, Entry{
			Hash:    c.Hash.String(),
			Message: c.Message,
			Author:  c.Author.Name,
			When:    c.Author.When,
		})
	}
	return out, nil
}
