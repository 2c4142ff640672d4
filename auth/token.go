package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/dgrijalva/jwt-go"
)

const RESUME_TOKEN_ISSUER = "orchy-scheduler"

var ErrInvalidToken = errors.New("invalid resume token")

type ResumeClaims struct {
	RunId string `json:"runId"`
	jwt.StandardClaims
}

// TokenIssuer mints and checks the short-lived tokens the scheduler attaches
// to resume callbacks.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewTokenIssuer(secret string, ttl time.Duration) *TokenIssuer {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &TokenIssuer{
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
	}
}

func (ti *TokenIssuer) Issue(runId string) (string, error) {
	if len(ti.secret) == 0 {
		return "", fmt.Errorf("internal token secret is not configured")
	}
	issuedAt := ti.now()
	claims := &ResumeClaims{
		RunId: runId,
		StandardClaims: jwt.StandardClaims{
			Issuer:    RESUME_TOKEN_ISSUER,
			Subject:   runId,
			IssuedAt:  issuedAt.Unix(),
			ExpiresAt: issuedAt.Add(ti.ttl).Unix(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(ti.secret)
}

// Verify checks the token signature, expiry and issuer and that it was issued for runId.
func (ti *TokenIssuer) Verify(tokenString string, runId string) error {
	if len(ti.secret) == 0 || tokenString == "" {
		return ErrInvalidToken
	}
	claims := &ResumeClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return ti.secret, nil
	})
	if err != nil || !token.Valid {
		return ErrInvalidToken
	}
	if claims.Issuer != RESUME_TOKEN_ISSUER || claims.RunId != runId || claims.Subject != runId {
		return ErrInvalidToken
	}
	return nil
}
