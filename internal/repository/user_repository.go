package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
)

// ErrDuplicateEmail is returned when an account already uses the email.
var ErrDuplicateEmail = errors.New("email already registered")

// UserAccount is a patient login. PasswordHash holds a bcrypt hash.
type UserAccount struct {
	ID           string    `gorm:"column:id;primaryKey;size:36"`
	Name         string    `gorm:"column:name;size:128"`
	Email        string    `gorm:"column:email;size:254;uniqueIndex"`
	PasswordHash string    `gorm:"column:password_hash;size:72"`
	CreatedAt    time.Time `gorm:"column:created_at"`
	UpdatedAt    time.Time `gorm:"column:updated_at"`
}

// TableName overrides the default table name.
func (UserAccount) TableName() string {
	return "user_accounts"
}

// CreateUser inserts a new account; an email clash yields ErrDuplicateEmail.
func (r *AnalysisRepository) CreateUser(ctx context.Context, user *UserAccount) error {
	if _, err := r.FindUserByEmail(ctx, user.Email); err == nil {
		return ErrDuplicateEmail
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	err := r.executeWithRetry(ctx, "repository.create_user", user.ID, func() error {
		return r.db.WithContext(ctx).Create(user).Error
	})
	if err != nil && isUniqueViolation(err) {
		return ErrDuplicateEmail
	}
	return err
}

// FindUserByEmail looks an account up by its normalized email.
func (r *AnalysisRepository) FindUserByEmail(ctx context.Context, email string) (*UserAccount, error) {
	var user UserAccount
	err := r.db.WithContext(ctx).First(&user, "email = ?", email).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// isUniqueViolation covers the race between the lookup and the insert.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}
