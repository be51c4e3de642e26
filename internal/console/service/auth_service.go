package service

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/xela07ax/spaceai-agent-core/internal/domain"
	"github.com/xela07ax/spaceai-agent-core/internal/infra/auth"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

type AuthProvider interface {
	GetUserByUsername(ctx context.Context, username string) (*domain.User, error)
}

type AuthService struct {
	repo   AuthProvider
	issuer *auth.Issuer
	logger *zap.Logger
}

func NewAuthService(repo AuthProvider, issuer *auth.Issuer, logger *zap.Logger) *AuthService {
	return &AuthService{
		repo:   repo,
		issuer: issuer,
		logger: logger.Named("auth-service"),
	}
}

// Login проверяет пароль и выпускает RS256 токен с правами пользователя.
func (s *AuthService) Login(ctx context.Context, username, password string) (*domain.TokenResponse, error) {
	// 1. Аутентификация (источник правды — хранилище пользователей)
	user, err := s.repo.GetUserByUsername(ctx, username)
	if err != nil || user == nil {
		return nil, ErrInvalidCredentials
	}

	// 2. Проверка пароля
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		s.logger.Info("login rejected", zap.String("username", username))
		return nil, ErrInvalidCredentials
	}

	// 3. Подпись токена закрытым ключом
	return s.issuer.Issue(user)
}

// HashPassword: для заведения пользователей (bootstrap администратора).
func HashPassword(password string, cost int) (string, error) {
	if cost < bcrypt.MinCost {
		cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
