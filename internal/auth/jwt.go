package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Link purposes. Access and refresh tokens carry an empty purpose.
const (
	PurposeVerifyEmail   = "verifyEmail"
	PurposeResetPassword = "resetPassword"
	purposeRefresh       = "refresh"
)

// TokenPair holds access and refresh tokens.
type TokenPair struct {
	AccessToken  string    `json:"idToken"`
	RefreshToken string    `json:"refreshToken"`
	AccessExp    time.Time `json:"expiresAt"`
	RefreshExp   time.Time `json:"-"`
}

// Claims represents JWT payload.
type Claims struct {
	UID     string `json:"uid"`
	Email   string `json:"email"`
	Purpose string `json:"purpose,omitempty"`
	jwt.RegisteredClaims
}

// Signer issues and verifies HS256 tokens for one issuer.
type Signer struct {
	Issuer     string
	Key        string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	LinkTTL    time.Duration
}

// Issue issues signed access and refresh tokens for a user.
func (s Signer) Issue(uid, email string) (TokenPair, error) {
	now := time.Now()
	accessExp := now.Add(s.AccessTTL)
	refreshExp := now.Add(s.RefreshTTL)

	accessToken, err := s.sign(uid, email, "", now, accessExp)
	if err != nil {
		return TokenPair{}, err
	}
	refreshToken, err := s.sign(uid, email, purposeRefresh, now, refreshExp)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		AccessExp:    accessExp,
		RefreshExp:   refreshExp,
	}, nil
}

// IssueLink issues a short-lived token usable only for purpose.
func (s Signer) IssueLink(uid, email, purpose string) (string, error) {
	if purpose == "" {
		return "", errors.New("link purpose required")
	}
	now := time.Now()
	return s.sign(uid, email, purpose, now, now.Add(s.LinkTTL))
}

func (s Signer) sign(uid, email, purpose string, now, exp time.Time) (string, error) {
	claims := Claims{
		UID:     uid,
		Email:   email,
		Purpose: purpose,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.Issuer,
			Subject:   uid,
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.Key))
}

// Parse validates an access token and returns claims.
func (s Signer) Parse(tokenStr string) (Claims, error) {
	return s.ParsePurpose(tokenStr, "")
}

// ParsePurpose validates a token issued for purpose.
func (s Signer) ParsePurpose(tokenStr, purpose string) (Claims, error) {
	claims, err := Parse(tokenStr, s.Key, s.Issuer)
	if err != nil {
		return Claims{}, err
	}
	if claims.Purpose != purpose {
		return Claims{}, errors.New("token purpose mismatch")
	}
	return claims, nil
}

// Parse validates a token and returns claims.
func Parse(tokenStr, key, issuer string) (Claims, error) {
	parsed, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(key), nil
	})
	if err != nil {
		return Claims{}, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return Claims{}, errors.New("invalid token")
	}
	if issuer != "" && claims.Issuer != issuer {
		return Claims{}, errors.New("issuer mismatch")
	}
	return *claims, nil
}
