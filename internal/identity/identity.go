// Package identity manages user accounts: password sign-in, bearer tokens and
// the emailed verification and password-reset links.
package identity

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/conquiguias/conquiguias/internal/auth"
)

var (
	ErrEmailExists        = errors.New("email already exists")
	ErrInvalidEmail       = errors.New("invalid email")
	ErrWeakPassword       = errors.New("weak password")
	ErrUserNotFound       = errors.New("user not found")
	ErrInvalidToken       = errors.New("invalid token")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// MinPasswordLength is the shortest accepted password.
const MinPasswordLength = 6

// User is an account as exposed to callers.
type User struct {
	UID           string    `json:"uid"`
	Email         string    `json:"email"`
	DisplayName   string    `json:"displayName"`
	PhotoURL      string    `json:"photoURL,omitempty"`
	EmailVerified bool      `json:"emailVerified"`
	CreatedAt     time.Time `json:"createdAt"`
}

// NewUser is the input of CreateUser.
type NewUser struct {
	Email       string
	Password    string
	DisplayName string
	PhotoURL    string
}

// UserUpdate changes only the non-nil fields.
type UserUpdate struct {
	DisplayName *string
	PhotoURL    *string
}

// Store persists accounts. Insert must return ErrEmailExists on duplicates and
// lookups must return ErrUserNotFound for unknown users.
type Store interface {
	Insert(ctx context.Context, u User, passwordHash string) error
	ByID(ctx context.Context, uid string) (User, error)
	ByEmail(ctx context.Context, email string) (User, string, error)
	Update(ctx context.Context, uid string, upd UserUpdate) error
	SetEmailVerified(ctx context.Context, uid string) error
	SetPasswordHash(ctx context.Context, uid, hash string) error
}

// Provider implements account operations on top of a Store.
type Provider struct {
	store   Store
	signer  auth.Signer
	baseURL string
	cost    int
}

// NewProvider creates a provider; links point at baseURL.
func NewProvider(store Store, signer auth.Signer, baseURL string) *Provider {
	return &Provider{store: store, signer: signer, baseURL: strings.TrimRight(baseURL, "/"), cost: bcrypt.DefaultCost}
}

// VerifyToken validates a bearer access token.
func (p *Provider) VerifyToken(ctx context.Context, token string) (auth.Claims, error) {
	claims, err := p.signer.Parse(token)
	if err != nil {
		return auth.Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return claims, nil
}

// CreateUser registers a new, unverified account.
func (p *Provider) CreateUser(ctx context.Context, in NewUser) (User, error) {
	email, err := normalizeEmail(in.Email)
	if err != nil {
		return User{}, err
	}
	hash, err := p.hash(in.Password)
	if err != nil {
		return User{}, err
	}
	u := User{
		UID:         uuid.NewString(),
		Email:       email,
		DisplayName: strings.TrimSpace(in.DisplayName),
		PhotoURL:    in.PhotoURL,
		CreatedAt:   time.Now().UTC(),
	}
	if err := p.store.Insert(ctx, u, hash); err != nil {
		return User{}, err
	}
	return u, nil
}

// GetUser returns the account with uid.
func (p *Provider) GetUser(ctx context.Context, uid string) (User, error) {
	return p.store.ByID(ctx, uid)
}

// GetUserByEmail returns the account registered with email.
func (p *Provider) GetUserByEmail(ctx context.Context, email string) (User, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return User{}, err
	}
	u, _, err := p.store.ByEmail(ctx, email)
	return u, err
}

// UpdateUser changes display name and/or photo.
func (p *Provider) UpdateUser(ctx context.Context, uid string, upd UserUpdate) (User, error) {
	if err := p.store.Update(ctx, uid, upd); err != nil {
		return User{}, err
	}
	return p.store.ByID(ctx, uid)
}

// GenerateEmailVerificationLink returns a link that marks email as verified.
func (p *Provider) GenerateEmailVerificationLink(ctx context.Context, email string) (string, error) {
	return p.link(ctx, email, auth.PurposeVerifyEmail)
}

// GeneratePasswordResetLink returns a link that allows choosing a new password.
func (p *Provider) GeneratePasswordResetLink(ctx context.Context, email string) (string, error) {
	return p.link(ctx, email, auth.PurposeResetPassword)
}

func (p *Provider) link(ctx context.Context, email, purpose string) (string, error) {
	u, err := p.GetUserByEmail(ctx, email)
	if err != nil {
		return "", err
	}
	token, err := p.signer.IssueLink(u.UID, u.Email, purpose)
	if err != nil {
		return "", err
	}
	q := url.Values{"mode": {purpose}, "oobCode": {token}}
	return p.baseURL + "/auth/action?" + q.Encode(), nil
}

// VerifyEmail consumes a verification link token.
func (p *Provider) VerifyEmail(ctx context.Context, token string) (User, error) {
	claims, err := p.signer.ParsePurpose(token, auth.PurposeVerifyEmail)
	if err != nil {
		return User{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if err := p.store.SetEmailVerified(ctx, claims.UID); err != nil {
		return User{}, err
	}
	return p.store.ByID(ctx, claims.UID)
}

// ResetPassword consumes a reset link token and stores the new password.
func (p *Provider) ResetPassword(ctx context.Context, token, password string) error {
	claims, err := p.signer.ParsePurpose(token, auth.PurposeResetPassword)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	hash, err := p.hash(password)
	if err != nil {
		return err
	}
	return p.store.SetPasswordHash(ctx, claims.UID, hash)
}

// SignIn checks a password and issues a token pair.
func (p *Provider) SignIn(ctx context.Context, email, password string) (User, auth.TokenPair, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return User{}, auth.TokenPair{}, err
	}
	u, hash, err := p.store.ByEmail(ctx, email)
	if errors.Is(err, ErrUserNotFound) {
		return User{}, auth.TokenPair{}, ErrInvalidCredentials
	}
	if err != nil {
		return User{}, auth.TokenPair{}, err
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return User{}, auth.TokenPair{}, ErrInvalidCredentials
	}
	pair, err := p.signer.Issue(u.UID, u.Email)
	if err != nil {
		return User{}, auth.TokenPair{}, fmt.Errorf("issue token: %w", err)
	}
	return u, pair, nil
}

func (p *Provider) hash(password string) (string, error) {
	if len(password) < MinPasswordLength {
		return "", ErrWeakPassword
	}
	b, err := bcrypt.GenerateFromPassword([]byte(password), p.cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(b), nil
}

func normalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", ErrInvalidEmail
	}
	return email, nil
}
