package oauth

import (
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/pkg/errors"
)

const cookieName = "quickstart_session"

// SessionCookie signs a cookie naming userID as the principal.
func (d *Decorator) SessionCookie(userID string) (*http.Cookie, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(d.ttl)),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(d.key)

	if err != nil {
		return nil, errors.Wrap(err, "sign session")
	}

	return &http.Cookie{
		Name:     cookieName,
		Value:    signed,
		Path:     "/",
		Expires:  now.Add(d.ttl),
		HttpOnly: true,
		Secure:   d.secure,
		SameSite: http.SameSiteLaxMode,
	}, nil
}

func (d *Decorator) principal(r *http.Request) (string, bool) {
	cookie, err := r.Cookie(cookieName)

	if err != nil {
		return "", false
	}

	claims := &jwt.RegisteredClaims{}
	_, err = jwt.ParseWithClaims(cookie.Value, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return d.key, nil
	})

	if err != nil || claims.Subject == "" {
		return "", false
	}

	return claims.Subject, true
}
