// Package gitrepo checks remote git repositories without cloning them.
package gitrepo

import (
	"context"
	"errors"
	"fmt"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/storage/memory"
)

// RemoteChecker answers "does this repository exist" by listing the remote's
// references, the equivalent of `git ls-remote`.
type RemoteChecker struct {
	timeout time.Duration
}

func NewRemoteChecker(timeout time.Duration) *RemoteChecker {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &RemoteChecker{timeout: timeout}
}

// Exists reports whether remoteURL serves a git repository. Hosts answer
// unknown repositories with "not found" or "authentication required"; both
// count as missing. An empty repository exists.
func (c *RemoteChecker) Exists(ctx context.Context, remoteURL string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	remote := git.NewRemote(memory.NewStorage(), &config.RemoteConfig{
		Name: "origin",
		URLs: []string{remoteURL},
	})
	_, err := remote.ListContext(ctx, &git.ListOptions{})
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, transport.ErrEmptyRemoteRepository):
		return true, nil
	case errors.Is(err, transport.ErrRepositoryNotFound),
		errors.Is(err, transport.ErrAuthenticationRequired):
		return false, nil
	default:
		return false, fmt.Errorf("list remote %s: %w", remoteURL, err)
	}
}
