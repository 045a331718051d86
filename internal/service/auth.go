package service

import (
	"context"
	"errors"
	"log"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"bikely/server/internal/model"
)

// ErrInvalidCredentials is returned for any authentication failure
var ErrInvalidCredentials = errors.New("invalid credentials")

// AuthService authenticates company dashboard operators
type AuthService struct {
	db *gorm.DB
}

// NewAuthService creates a new auth service. With a nil db every login fails;
// the rider-facing surfaces stay open.
func NewAuthService(db *gorm.DB) *AuthService {
	return &AuthService{db: db}
}

// Authenticate validates operator credentials
func (s *AuthService) Authenticate(ctx context.Context, username, password string) (*model.User, error) {
	if s.db == nil {
		return nil, ErrInvalidCredentials
	}

	var user model.User
	if err := s.db.WithContext(ctx).Where("username = ?", username).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	if user.Status != 1 {
		return nil, errors.New("user is inactive")
	}

	return &user, nil
}

// CreateUser creates a new operator account with a hashed password
func (s *AuthService) CreateUser(ctx context.Context, user *model.User) error {
	if s.db == nil {
		return errors.New("user store unavailable")
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(user.Password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	user.Password = string(hashedPassword)

	return s.db.WithContext(ctx).Create(user).Error
}

// EnsureDefaultAdmin seeds the admin account on a fresh database
func (s *AuthService) EnsureDefaultAdmin(ctx context.Context, password string) error {
	if s.db == nil {
		return nil
	}

	var count int64
	if err := s.db.WithContext(ctx).Model(&model.User{}).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	admin := &model.User{
		Username: "admin",
		Password: password,
		Role:     "admin",
		Status:   1,
	}
	if err := s.CreateUser(ctx, admin); err != nil {
		return err
	}
	log.Println("[Auth] Seeded default admin account")
	return nil
}
