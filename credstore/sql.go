package credstore

import (
	"context"

	"github.com/habedi/trackr/db"
)

// SQLBackend persists credentials in the local SQLite database. It is the
// durable option for the refresh credential.
type SQLBackend struct {
	repo db.CredentialRepository
}

// NewSQLBackend wraps a CredentialRepository.
func NewSQLBackend(repo db.CredentialRepository) *SQLBackend {
	return &SQLBackend{repo: repo}
}

func (s *SQLBackend) Get(ctx context.Context, key string) (string, error) {
	cred, err := s.repo.Get(ctx, key)
	if err != nil {
		return "", err
	}
	if cred == nil {
		return "", ErrNotFound
	}
	return cred.Value, nil
}

func (s *SQLBackend) Set(ctx context.Context, key, value string) error {
	return s.repo.Put(ctx, key, value)
}

func (s *SQLBackend) Delete(ctx context.Context, key string) error {
	return s.repo.Delete(ctx, key)
}
