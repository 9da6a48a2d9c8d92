package service

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/crossclip/crossclip/backend/internal/clock"
	"github.com/crossclip/crossclip/backend/internal/faults"
)

// stateTTL bounds how long an authorization redirect may dangle before the
// callback is rejected.
const stateTTL = 10 * time.Minute

type stateClaims struct {
	UserID   string `json:"uid"`
	Platform string `json:"pfm"`
	jwt.RegisteredClaims
}

// stateSigner mints and verifies the OAuth state parameter. The state is a
// signed claim binding (user, platform, expiry), so the callback needs no
// server-side session to validate it.
type stateSigner struct {
	secret []byte
	clk    clock.Clock
}

func (s stateSigner) sign(userID, platformName string) (string, error) {
	now := s.clk.Now()
	claims := stateClaims{
		UserID:   userID,
		Platform: platformName,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        s.clk.NewID(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(stateTTL)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", faults.Wrap(faults.KindInternal, err, "signing OAuth state failed")
	}
	return signed, nil
}

func (s stateSigner) verify(state, userID, platformName string) error {
	var claims stateClaims
	token, err := jwt.ParseWithClaims(state, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, faults.New(faults.KindAuthStateInvalid, "unexpected state signing method")
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.clk.Now))
	if err != nil || !token.Valid {
		return faults.New(faults.KindAuthStateInvalid, "OAuth state is invalid or expired")
	}
	if claims.UserID != userID || claims.Platform != platformName {
		return faults.New(faults.KindAuthStateInvalid, "OAuth state does not match this user and platform")
	}
	return nil
}
