package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	git "github.com/go-git/go-git/v6"
	gitconfig "github.com/go-git/go-git/v6/config"
	"github.com/go-git/go-git/v6/plumbing/object"
	githttp "github.com/go-git/go-git/v6/plumbing/transport/http"
	log "github.com/sirupsen/logrus"
)

// GitStoreConfig configures the git-backed token store.
type GitStoreConfig struct {
	RemoteURL string
	Username  string
	Password  string
	// LocalPath is where the working copy lives.
	LocalPath string
}

// GitTokenStore wraps the file backend with a git working copy: every Save
// commits the change and pushes best effort, giving the token store an
// audit trail and offsite replication for free.
type GitTokenStore struct {
	inner *FileTokenStore
	repo  *git.Repository
	auth  *githttp.BasicAuth
}

// NewGitTokenStore clones the remote (or opens an existing working copy)
// at cfg.LocalPath.
func NewGitTokenStore(ctx context.Context, cfg GitStoreConfig, cipher *Cipher) (*GitTokenStore, error) {
	var auth *githttp.BasicAuth
	if cfg.Username != "" || cfg.Password != "" {
		auth = &githttp.BasicAuth{Username: cfg.Username, Password: cfg.Password}
	}
	repo, err := git.PlainOpen(cfg.LocalPath)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		repo, err = git.PlainCloneContext(ctx, cfg.LocalPath, &git.CloneOptions{
			URL:  cfg.RemoteURL,
			Auth: auth,
		})
		if err != nil {
			// Empty or unreachable-at-clone remote: initialize locally and
			// wire the remote up so later pushes can succeed.
			repo, err = git.PlainInit(cfg.LocalPath, false)
			if err == nil {
				_, err = repo.CreateRemote(&gitconfig.RemoteConfig{
					Name: git.DefaultRemoteName,
					URLs: []string{cfg.RemoteURL},
				})
			}
		}
	}
	if err != nil {
		return nil, fmt.Errorf("store: failed to prepare git working copy: %w", err)
	}
	return &GitTokenStore{
		inner: NewFileTokenStore(cfg.LocalPath, cipher),
		repo:  repo,
		auth:  auth,
	}, nil
}

// WorkDir returns the git working copy path.
func (s *GitTokenStore) WorkDir() string {
	return s.inner.BaseDir()
}

// Save implements TokenStore: write, commit, push best effort.
func (s *GitTokenStore) Save(ctx context.Context, record *TokenRecord) error {
	if err := s.inner.Save(ctx, record); err != nil {
		return err
	}
	s.commitAndPush(ctx, fmt.Sprintf("update token %s", record.EntryID))
	return nil
}

// Load implements TokenStore.
func (s *GitTokenStore) Load(ctx context.Context, entryID string) (*TokenRecord, error) {
	return s.inner.Load(ctx, entryID)
}

// Delete implements TokenStore.
func (s *GitTokenStore) Delete(ctx context.Context, entryID string) error {
	if err := s.inner.Delete(ctx, entryID); err != nil {
		return err
	}
	s.commitAndPush(ctx, fmt.Sprintf("remove token %s", entryID))
	return nil
}

// List implements TokenStore.
func (s *GitTokenStore) List(ctx context.Context) ([]*TokenRecord, error) {
	return s.inner.List(ctx)
}

// SaveEntries implements EntriesPersister.
func (s *GitTokenStore) SaveEntries(ctx context.Context, doc []byte) error {
	if err := s.inner.SaveEntries(ctx, doc); err != nil {
		return err
	}
	s.commitAndPush(ctx, "update entries registry")
	return nil
}

// LoadEntries implements EntriesPersister.
func (s *GitTokenStore) LoadEntries(ctx context.Context) ([]byte, error) {
	return s.inner.LoadEntries(ctx)
}

// commitAndPush records the working tree and pushes. Push failures are
// logged, never surfaced: the local copy is authoritative.
func (s *GitTokenStore) commitAndPush(ctx context.Context, message string) {
	wt, err := s.repo.Worktree()
	if err != nil {
		log.WithError(err).Warn("git store: failed to open worktree")
		return
	}
	if err = wt.AddGlob("."); err != nil {
		log.WithError(err).Warn("git store: failed to stage changes")
		return
	}
	status, err := wt.Status()
	if err == nil && status.IsClean() {
		return
	}
	_, err = wt.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  "alexahub",
			Email: "alexahub@localhost",
			When:  time.Now(),
		},
	})
	if err != nil {
		log.WithError(err).Warn("git store: commit failed")
		return
	}
	if err = s.repo.PushContext(ctx, &git.PushOptions{Auth: s.auth}); err != nil &&
		!errors.Is(err, git.NoErrAlreadyUpToDate) {
		log.WithError(err).Warn("git store: push failed, keeping local commit")
	}
}
