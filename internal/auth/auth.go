// Package auth registers users, checks passwords and issues bearer tokens.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/ent0n29/memoria/internal/memory"
)

var (
	ErrConflict     = errors.New("email already registered")
	ErrUnauthorized = errors.New("unauthorized")
	ErrInvalidInput = errors.New("invalid input")

	ErrInvalidCredentials = fmt.Errorf("incorrect email or password: %w", ErrUnauthorized)
	ErrAccountDisabled    = fmt.Errorf("user account is disabled: %w", ErrUnauthorized)
	ErrInvalidToken       = fmt.Errorf("could not validate credentials: %w", ErrUnauthorized)
)

const TokenType = "bearer"

// Config controls hashing and token lifetime.
type Config struct {
	SecretKey   string
	TokenTTL    time.Duration
	BcryptCost  int
	TokenIssuer string
}

// Token is the login response body.
type Token struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

type claims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

type Service struct {
	store  memory.Store
	secret []byte
	ttl    time.Duration
	cost   int
	issuer string
	now    func() time.Time

	dummyOnce sync.Once
	dummyHash []byte
}

func NewService(store memory.Store, cfg Config) (*Service, error) {
	if strings.TrimSpace(cfg.SecretKey) == "" {
		return nil, errors.New("auth secret key is required")
	}
	cost := cfg.BcryptCost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		return nil, fmt.Errorf("bcrypt cost %d out of range [%d,%d]", cost, bcrypt.MinCost, bcrypt.MaxCost)
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Service{
		store:  store,
		secret: []byte(cfg.SecretKey),
		ttl:    ttl,
		cost:   cost,
		issuer: cfg.TokenIssuer,
		now:    time.Now,
	}, nil
}

// NormalizeEmail lower-cases and trims an address and checks its shape.
func NormalizeEmail(email string) (string, error) {
	e := strings.ToLower(strings.TrimSpace(email))
	addr, err := mail.ParseAddress(e)
	if err != nil || addr.Address != e {
		return "", fmt.Errorf("%w: %q is not a valid email address", ErrInvalidInput, email)
	}
	return e, nil
}

// Register creates an active user with an empty profile.
func (s *Service) Register(ctx context.Context, email, password string) (memory.User, error) {
	e, err := NormalizeEmail(email)
	if err != nil {
		return memory.User{}, err
	}
	if password == "" {
		return memory.User{}, fmt.Errorf("%w: password must not be empty", ErrInvalidInput)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		if errors.Is(err, bcrypt.ErrPasswordTooLong) {
			return memory.User{}, fmt.Errorf("%w: password is longer than 72 bytes", ErrInvalidInput)
		}
		return memory.User{}, fmt.Errorf("hash password: %w", err)
	}
	u, err := s.store.CreateUser(ctx, e, string(hash))
	if err != nil {
		if errors.Is(err, memory.ErrConflict) {
			return memory.User{}, ErrConflict
		}
		return memory.User{}, fmt.Errorf("create user: %w", err)
	}
	return u, nil
}

// Login checks credentials and returns a signed access token. Bad email and
// bad password are reported identically.
func (s *Service) Login(ctx context.Context, email, password string) (Token, error) {
	u, err := s.store.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		if errors.Is(err, memory.ErrNotFound) {
			// Spend the same bcrypt work as a wrong password would.
			_ = bcrypt.CompareHashAndPassword(s.unknownUserHash(), []byte(password))
			return Token{}, ErrInvalidCredentials
		}
		return Token{}, fmt.Errorf("load user: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return Token{}, ErrInvalidCredentials
	}
	if !u.Active {
		return Token{}, ErrAccountDisabled
	}
	signed, err := s.IssueToken(u)
	if err != nil {
		return Token{}, err
	}
	return Token{AccessToken: signed, TokenType: TokenType}, nil
}

// unknownUserHash is a hash at the service's cost that no password is
// expected to match.
func (s *Service) unknownUserHash() []byte {
	s.dummyOnce.Do(func() {
		s.dummyHash, _ = bcrypt.GenerateFromPassword([]byte("memoria:no-such-user"), s.cost)
	})
	return s.dummyHash
}

func (s *Service) IssueToken(u memory.User) (string, error) {
	now := s.now()
	c := claims{
		Email: u.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.ID,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ParseToken verifies signature and expiry and returns the user id.
func (s *Service) ParseToken(raw string) (string, error) {
	var c claims
	_, err := jwt.ParseWithClaims(raw, &c, func(*jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil || c.Subject == "" {
		return "", ErrInvalidToken
	}
	return c.Subject, nil
}

// Authenticate resolves a bearer token to an active user.
func (s *Service) Authenticate(ctx context.Context, raw string) (memory.User, error) {
	userID, err := s.ParseToken(raw)
	if err != nil {
		return memory.User{}, err
	}
	u, err := s.store.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, memory.ErrNotFound) {
			return memory.User{}, ErrInvalidToken
		}
		return memory.User{}, fmt.Errorf("load user: %w", err)
	}
	if !u.Active {
		return memory.User{}, ErrInvalidToken
	}
	return u, nil
}

// SetActive enables or disables a user by email.
func (s *Service) SetActive(ctx context.Context, email string, active bool) (memory.User, error) {
	e, err := NormalizeEmail(email)
	if err != nil {
		return memory.User{}, err
	}
	u, err := s.store.SetUserActive(ctx, e, active)
	if err != nil {
		return memory.User{}, fmt.Errorf("set user active: %w", err)
	}
	return u, nil
}
