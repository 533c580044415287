// Package auth registers users, issues session tokens and puts the caller's
// identity on the request context. The trading core only reads that
// identity; it never sees passwords or tokens.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"github.com/orangestock/market-engine/internal/model"
	"github.com/orangestock/market-engine/internal/store"
)

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// Identity is the authenticated caller.
type Identity struct {
	UserID   string     `json:"user_id"`
	Username string     `json:"username"`
	Role     model.Role `json:"role"`
}

// IsAdmin reports whether the caller holds the admin role.
func (i Identity) IsAdmin() bool { return i.Role == model.RoleAdmin }

type ctxKey struct{}

// WithIdentity returns ctx carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the identity placed by Middleware.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	return id, ok
}

// Config controls token signing and account creation.
type Config struct {
	Secret         []byte
	TokenTTL       time.Duration
	InitialPoints  decimal.Decimal
	AdminUsernames []string
	BcryptCost     int
}

// Service implements registration, login and token verification.
type Service struct {
	store store.Store
	cfg   Config
	now   func() time.Time
}

// NewService creates an auth service.
func NewService(st store.Store, cfg Config) *Service {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 7 * 24 * time.Hour
	}
	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = bcrypt.DefaultCost
	}
	return &Service{store: st, cfg: cfg, now: time.Now}
}

// RegisterRequest is the JSON body for POST /auth/register.
type RegisterRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Validate checks the field rules for a new account.
func (r RegisterRequest) Validate() error {
	n := len([]rune(r.Username))
	switch {
	case r.Username == "" || r.Email == "" || r.Password == "":
		return fmt.Errorf("username, email and password are required: %w", model.ErrInvalidArgument)
	case n < 3 || n > 20:
		return fmt.Errorf("username must be 3-20 characters: %w", model.ErrInvalidArgument)
	case len(r.Password) < 6:
		return fmt.Errorf("password must be at least 6 characters: %w", model.ErrInvalidArgument)
	case !emailPattern.MatchString(r.Email):
		return fmt.Errorf("invalid email address: %w", model.ErrInvalidArgument)
	}
	return nil
}

// Register creates an account with the configured starting balance and
// returns it with a session token.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*model.User, string, error) {
	req.Username = strings.TrimSpace(req.Username)
	req.Email = strings.TrimSpace(req.Email)
	if err := req.Validate(); err != nil {
		return nil, "", err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.cfg.BcryptCost)
	if err != nil {
		return nil, "", fmt.Errorf("hash password: %w", err)
	}

	now := s.now().UTC()
	u := &model.User{
		ID:           uuid.New().String(),
		Username:     req.Username,
		Email:        req.Email,
		PasswordHash: string(hash),
		Role:         s.roleFor(req.Username),
		Points:       s.cfg.InitialPoints,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateUser(ctx, u); err != nil {
		return nil, "", err
	}

	token, err := s.IssueToken(u)
	if err != nil {
		return nil, "", err
	}
	slog.Info("user registered", "user", u.ID, "username", u.Username, "role", u.Role)
	return u, token, nil
}

// Login checks credentials and returns a fresh token. Unknown users and
// wrong passwords are indistinguishable to the caller.
func (s *Service) Login(ctx context.Context, username, password string) (*model.User, string, error) {
	if username == "" || password == "" {
		return nil, "", fmt.Errorf("username and password are required: %w", model.ErrInvalidArgument)
	}

	u, err := s.store.GetUserByUsername(ctx, strings.TrimSpace(username))
	if errors.Is(err, model.ErrNotFound) {
		return nil, "", fmt.Errorf("invalid username or password: %w", model.ErrUnauthenticated)
	}
	if err != nil {
		return nil, "", err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return nil, "", fmt.Errorf("invalid username or password: %w", model.ErrUnauthenticated)
	}

	token, err := s.IssueToken(u)
	if err != nil {
		return nil, "", err
	}
	return u, token, nil
}

type claims struct {
	Username string     `json:"username"`
	Role     model.Role `json:"role"`
	jwt.RegisteredClaims
}

// IssueToken signs an HS256 token for u.
func (s *Service) IssueToken(u *model.User) (string, error) {
	now := s.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Username: u.Username,
		Role:     u.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.TokenTTL)),
		},
	})
	signed, err := token.SignedString(s.cfg.Secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ParseToken verifies a token and returns the identity it carries.
func (s *Service) ParseToken(tokenString string) (Identity, error) {
	var c claims
	_, err := jwt.ParseWithClaims(tokenString, &c, func(*jwt.Token) (any, error) {
		return s.cfg.Secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))
	if err != nil {
		return Identity{}, fmt.Errorf("invalid or expired token: %w", model.ErrUnauthenticated)
	}
	if c.Subject == "" {
		return Identity{}, fmt.Errorf("token has no subject: %w", model.ErrUnauthenticated)
	}
	return Identity{UserID: c.Subject, Username: c.Username, Role: c.Role}, nil
}

func (s *Service) roleFor(username string) model.Role {
	for _, admin := range s.cfg.AdminUsernames {
		if strings.EqualFold(admin, username) {
			return model.RoleAdmin
		}
	}
	return model.RoleUser
}
