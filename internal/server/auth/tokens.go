package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Issuer is the issuer claim stamped into every session token.
const Issuer = "cli-auth-backend"

// TokenTTL is the session token lifetime.
const TokenTTL = 30 * 24 * time.Hour

var (
	ErrInvalidToken     = errors.New("invalid token")
	ErrExpiredToken     = errors.New("token has expired")
	ErrInvalidSignature = errors.New("invalid token signature")
)

// Claims is the payload carried by a session token.
type Claims struct {
	UserID   string
	Email    string
	DeviceID string
	IssuedAt time.Time
	Expires  time.Time
}

// TokenService signs and verifies HS256 session tokens.
type TokenService struct {
	secret []byte
}

// NewTokenService creates a token service over the configured secret.
func NewTokenService(secret string) *TokenService {
	return &TokenService{secret: []byte(secret)}
}

// Sign issues a session token for a user/device pair.
func (s *TokenService) Sign(userID, email, deviceID string) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"userId":   userID,
		"email":    email,
		"deviceId": deviceID,
		"iss":      Issuer,
		"iat":      now.Unix(),
		"exp":      now.Add(TokenTTL).Unix(),
	})
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify validates a session token and extracts its claims. It returns a
// sentinel error for altered payloads, bad signatures, and expired tokens;
// it never panics into the caller.
func (s *TokenService) Verify(tokenString string) (*Claims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithIssuer(Issuer))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		if errors.Is(err, jwt.ErrSignatureInvalid) {
			return nil, ErrInvalidSignature
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	userID, _ := claims["userId"].(string)
	email, _ := claims["email"].(string)
	deviceID, _ := claims["deviceId"].(string)
	if userID == "" {
		return nil, ErrInvalidToken
	}

	out := &Claims{UserID: userID, Email: email, DeviceID: deviceID}
	if iat, ok := claims["iat"].(float64); ok {
		out.IssuedAt = time.Unix(int64(iat), 0)
	}
	if exp, ok := claims["exp"].(float64); ok {
		out.Expires = time.Unix(int64(exp), 0)
	}
	if !out.Expires.IsZero() && time.Now().After(out.Expires) {
		return nil, ErrExpiredToken
	}
	return out, nil
}
