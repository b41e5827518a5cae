// Package links validates manually submitted repository links and records
// them as the submitting client's snapshot.
package links

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"reposcout/api/internal/github"
	"reposcout/api/internal/store"
)

var (
	ErrInvalidFormat = errors.New("invalid repository link")
	ErrNotFound      = errors.New("repository does not exist")
)

var repoLinkPattern = regexp.MustCompile(`^https://github\.com/([^/]+)/([^/]+)`)

// Parse extracts owner and repository name from a GitHub repository link.
func Parse(link string) (owner, name string, err error) {
	match := repoLinkPattern.FindStringSubmatch(strings.TrimSpace(link))
	if match == nil {
		return "", "", ErrInvalidFormat
	}
	owner = match[1]
	name = strings.TrimSuffix(match[2], ".git")
	if owner == "" || name == "" {
		return "", "", ErrInvalidFormat
	}
	return owner, name, nil
}

// Checker reports whether a repository link points at an existing repository.
type Checker interface {
	Exists(ctx context.Context, link string) (bool, error)
}

// APIChecker checks existence through the GitHub REST API.
type APIChecker struct {
	client *github.Client
}

func NewAPIChecker(client *github.Client) *APIChecker {
	return &APIChecker{client: client}
}

func (c *APIChecker) Exists(ctx context.Context, link string) (bool, error) {
	owner, name, err := Parse(link)
	if err != nil {
		return false, err
	}
	return c.client.RepoExists(ctx, owner, name)
}

type Service struct {
	snapshots store.SnapshotStore
	checker   Checker
	logger    *zap.Logger
}

func NewService(snapshots store.SnapshotStore, checker Checker, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{snapshots: snapshots, checker: checker, logger: logger}
}

// Submit validates link and, only when it is well formed and exists,
// records it as clientID's snapshot. It returns the normalized link.
func (s *Service) Submit(ctx context.Context, clientID, link string) (string, error) {
	link = strings.TrimSpace(link)
	if link == "" {
		return "", fmt.Errorf("%w: no link provided", ErrInvalidFormat)
	}
	if _, _, err := Parse(link); err != nil {
		return "", err
	}

	exists, err := s.checker.Exists(ctx, link)
	if err != nil {
		s.logger.Warn("repository existence check failed", zap.String("link", link), zap.Error(err))
		return "", fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	if !exists {
		return "", ErrNotFound
	}

	if err := s.snapshots.Append(ctx, clientID, link); err != nil {
		return "", fmt.Errorf("append link: %w", err)
	}
	s.logger.Info("repository link added", zap.String("client_id", clientID), zap.String("link", link))
	return link, nil
}
