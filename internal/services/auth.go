package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"chirp/internal/models"
	"chirp/internal/utils"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

const defaultTokenTTL = 24 * time.Hour

// AuthService registers dashboard users and issues their JWTs.
type AuthService struct {
	db        *gorm.DB
	jwtSecret string
	ttl       time.Duration
	now       func() time.Time
}

func NewAuthService(db *gorm.DB, jwtSecret string) *AuthService {
	return &AuthService{db: db, jwtSecret: jwtSecret, ttl: defaultTokenTTL, now: time.Now}
}

type Registration struct {
	OrganizationName string `json:"organizationName" validate:"required,min=2"`
	Name             string `json:"name" validate:"required"`
	Email            string `json:"email" validate:"required,email"`
	Password         string `json:"password" validate:"required,min=8"`
	DefaultRegion    string `json:"defaultRegion" validate:"omitempty,len=2"`
}

// Session is a logged-in user with a bearer token.
type Session struct {
	User      *models.User `json:"user"`
	Token     string       `json:"token"`
	ExpiresAt time.Time    `json:"expiresAt"`
}

// Register creates a FREE organization owned by the new user.
func (s *AuthService) Register(ctx context.Context, r Registration) (*Session, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(r.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user := &models.User{
		Email:        r.Email,
		PasswordHash: string(hash),
		Name:         r.Name,
		Role:         models.UserRoleOwner,
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		org := &models.Organization{Name: r.OrganizationName, Plan: models.PlanFree, DefaultRegion: strings.ToUpper(r.DefaultRegion)}
		if err := tx.Create(org).Error; err != nil {
			return err
		}
		user.OrganizationID = org.ID
		user.Organization = org
		return tx.Create(user).Error
	})
	if err != nil {
		return nil, err
	}
	return s.session(user)
}

// Login checks the password and records the login time.
func (s *AuthService) Login(ctx context.Context, email, password string) (*Session, error) {
	var user models.User
	err := s.db.WithContext(ctx).Preload("Organization").
		First(&user, "email = ?", strings.ToLower(strings.TrimSpace(email))).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return nil, ErrInvalidCredentials
	}

	now := s.now()
	user.LastLoginAt = &now
	if err := s.db.WithContext(ctx).Model(&user).Update("last_login_at", now).Error; err != nil {
		return nil, err
	}
	return s.session(&user)
}

func (s *AuthService) Me(ctx context.Context, userID string) (*models.User, error) {
	var user models.User
	if err := s.db.WithContext(ctx).Preload("Organization").First(&user, "id = ?", userID).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *AuthService) session(u *models.User) (*Session, error) {
	token, err := utils.IssueToken(utils.TokenClaims{
		UserID:         u.ID,
		OrganizationID: u.OrganizationID,
		Email:          u.Email,
		Role:           string(u.Role),
	}, s.jwtSecret, s.ttl)
	if err != nil {
		return nil, err
	}
	return &Session{User: u, Token: token, ExpiresAt: s.now().Add(s.ttl)}, nil
}
