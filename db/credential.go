package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Credential is a single named credential value, e.g. the refresh token.
type Credential struct {
	Name      string `gorm:"primaryKey" json:"name"`
	Value     string `json:"value"`
	UpdatedAt time.Time
}

// CredentialRepository defines decoupled operations for credential persistence.
type CredentialRepository interface {
	// Get returns the stored credential, or nil when none exists.
	Get(ctx context.Context, name string) (*Credential, error)
	Put(ctx context.Context, name, value string) error
	Delete(ctx context.Context, name string) error
}

// gormCredentialRepo is a GORM-backed implementation of CredentialRepository.
// Use constructor NewCredentialRepository to obtain an instance.
type gormCredentialRepo struct{ db *gorm.DB }

// NewCredentialRepository creates a CredentialRepository. Accepts *gorm.DB to avoid global access.
func NewCredentialRepository(db *gorm.DB) CredentialRepository {
	return &gormCredentialRepo{db: db}
}

func (r *gormCredentialRepo) Get(ctx context.Context, name string) (*Credential, error) {
	if r.db == nil {
		return nil, fmt.Errorf("repository not initialized")
	}
	var cred Credential
	err := r.db.WithContext(ctx).First(&cred, "name = ?", name).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cred, nil
}

func (r *gormCredentialRepo) Put(ctx context.Context, name, value string) error {
	if r.db == nil {
		return fmt.Errorf("repository not initialized")
	}
	cred := Credential{Name: name, Value: value, UpdatedAt: time.Now().UTC()}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&cred).Error
}

func (r *gormCredentialRepo) Delete(ctx context.Context, name string) error {
	if r.db == nil {
		return fmt.Errorf("repository not initialized")
	}
	return r.db.WithContext(ctx).Where("name = ?", name).Delete(&Credential{}).Error
}
