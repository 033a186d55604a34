package store

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/quarryhq/quarry/common"
)

// CreateUser inserts a new account. The first account on an empty instance
// becomes a superuser so a fresh deployment is administrable.
func (s *Store) CreateUser(ctx context.Context, user *User) error {
	return s.WithTx(ctx, func(tx *Store) error {
		var count int64
		if err := tx.db.Model(&User{}).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			user.IsSuperuser = true
		}

		if err := tx.db.Create(user).Error; err != nil {
			if isUniqueViolation(err) {
				return common.E(common.KindConflictState, "username or email already registered")
			}
			return err
		}
		return nil
	})
}

// UserByID fetches an account by id.
func (s *Store) UserByID(ctx context.Context, id uint) (*User, error) {
	var user User
	if err := s.db.WithContext(ctx).First(&user, id).Error; err != nil {
		return nil, notFound(err, "user", id)
	}
	return &user, nil
}

// UserByEmail fetches an account by email.
func (s *Store) UserByEmail(ctx context.Context, email string) (*User, error) {
	var user User
	if err := s.db.WithContext(ctx).Where("email = ?", email).First(&user).Error; err != nil {
		return nil, notFound(err, "user", email)
	}
	return &user, nil
}

// UserByUsername fetches an account by username.
func (s *Store) UserByUsername(ctx context.Context, username string) (*User, error) {
	var user User
	if err := s.db.WithContext(ctx).Where("username = ?", username).First(&user).Error; err != nil {
		return nil, notFound(err, "user", username)
	}
	return &user, nil
}

// isUniqueViolation detects Postgres unique constraint errors (SQLSTATE
// 23505) without importing the driver error type here.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	type sqlState interface{ SQLState() string }
	var st sqlState
	if errors.As(err, &st) {
		return st.SQLState() == "23505"
	}
	return false
}
