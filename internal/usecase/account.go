package usecase

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/example/retina-check/internal/logging"
	"github.com/example/retina-check/internal/repository"
)

const (
	// PasswordCost is the bcrypt work factor for stored passwords.
	PasswordCost = 10
	// MaxPasswordBytes is the longest password bcrypt accepts.
	MaxPasswordBytes = 72
)

var (
	ErrPasswordMismatch   = errors.New("passwords do not match")
	ErrEmailTaken         = errors.New("email already registered")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidSignup      = errors.New("name, email and password are required")
	ErrPasswordTooLong    = errors.New("password must be at most 72 bytes")
)

// AccountRepository defines the account persistence the use case needs.
type AccountRepository interface {
	CreateUser(ctx context.Context, user *repository.UserAccount) error
	FindUserByEmail(ctx context.Context, email string) (*repository.UserAccount, error)
}

// TokenIssuer signs an access token for a user id.
type TokenIssuer interface {
	Issue(subject string) (string, error)
}

// SignupRequest is the registration form.
type SignupRequest struct {
	Name            string
	Email           string
	Password        string
	ConfirmPassword string
}

// Session is returned on signup and login.
type Session struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
	Token  string `json:"token"`
}

// AccountUseCase registers and authenticates patients.
type AccountUseCase struct {
	repo   AccountRepository
	tokens TokenIssuer
	logger *zap.Logger
	cost   int
}

// NewAccountUseCase constructs a new use case instance.
func NewAccountUseCase(repo AccountRepository, tokens TokenIssuer, logger *zap.Logger) *AccountUseCase {
	return &AccountUseCase{
		repo:   repo,
		tokens: tokens,
		logger: logger.Named("account_usecase"),
		cost:   PasswordCost,
	}
}

// Signup creates an account and returns a session for it.
func (uc *AccountUseCase) Signup(ctx context.Context, req SignupRequest) (*Session, error) {
	name := strings.TrimSpace(req.Name)
	email := normalizeEmail(req.Email)
	if name == "" || email == "" || req.Password == "" {
		return nil, ErrInvalidSignup
	}
	if req.Password != req.ConfirmPassword {
		return nil, ErrPasswordMismatch
	}
	if len(req.Password) > MaxPasswordBytes {
		return nil, ErrPasswordTooLong
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), uc.cost)
	if err != nil {
		return nil, logging.NewOperationError("usecase.hash_password", "", err)
	}

	user := &repository.UserAccount{
		ID:           uuid.NewString(),
		Name:         name,
		Email:        email,
		PasswordHash: string(hash),
	}
	opLogger := logging.WithOperation(uc.logger, "usecase.signup", user.ID)
	if err := uc.repo.CreateUser(ctx, user); err != nil {
		if errors.Is(err, repository.ErrDuplicateEmail) {
			return nil, ErrEmailTaken
		}
		opLogger.Error("failed to create account", zap.Error(err))
		return nil, err
	}

	opLogger.Info("account created")
	return uc.session(user)
}

// Login checks the password and returns a session. Unknown emails and wrong
// passwords both yield ErrInvalidCredentials.
func (uc *AccountUseCase) Login(ctx context.Context, email, password string) (*Session, error) {
	user, err := uc.repo.FindUserByEmail(ctx, normalizeEmail(email))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, logging.NewOperationError("usecase.login", "", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		logging.WithOperation(uc.logger, "usecase.login", user.ID).Info("password mismatch")
		return nil, ErrInvalidCredentials
	}
	return uc.session(user)
}

func (uc *AccountUseCase) session(user *repository.UserAccount) (*Session, error) {
	token, err := uc.tokens.Issue(user.ID)
	if err != nil {
		return nil, logging.NewOperationError("usecase.issue_token", user.ID, err)
	}
	return &Session{UserID: user.ID, Name: user.Name, Token: token}, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
