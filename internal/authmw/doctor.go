package authmw

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// QueryTokenParam carries the doctor token for clients that cannot set
// headers, such as browser WebSocket connections.
const QueryTokenParam = "access_token"

const issuer = "lookout"

type ctxKeyDoctor struct{}

// DoctorClaims are the JWT claims of a doctor session. Subject is the doctor ID.
type DoctorClaims struct {
	jwt.RegisteredClaims
}

// IssueDoctorToken signs an HS256 token for doctorID valid for ttl.
func IssueDoctorToken(secret []byte, doctorID string, ttl time.Duration, now time.Time) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("authmw: signing secret is required")
	}
	if doctorID == "" {
		return "", errors.New("authmw: doctor id is required")
	}
	claims := DoctorClaims{RegisteredClaims: jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   doctorID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// ParseDoctorToken verifies raw and returns the doctor ID it was issued for.
func ParseDoctorToken(secret []byte, raw string) (string, error) {
	var claims DoctorClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", fmt.Errorf("parse doctor token: %w", err)
	}
	if claims.Subject == "" {
		return "", errors.New("parse doctor token: missing subject")
	}
	return claims.Subject, nil
}

// DoctorJWT returns middleware that authenticates a doctor from the
// Authorization header or, failing that, the access_token query parameter,
// and stores the doctor ID in the request context.
func DoctorJWT(secret string) func(http.Handler) http.Handler {
	key := []byte(secret)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := doctorToken(r)
			if raw == "" {
				unauthorized(w, "missing doctor token")
				return
			}
			doctorID, err := parseKey(key, raw)
			if err != nil {
				unauthorized(w, "invalid token")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithDoctor(r.Context(), doctorID)))
		})
	}
}

// ServiceOrDoctor accepts either the service token or a doctor JWT. Doctor
// requests carry the doctor ID in their context; service requests carry none.
func ServiceOrDoctor(token, secret string) func(http.Handler) http.Handler {
	expected := []byte(token)
	key := []byte(secret)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := doctorToken(r)
			if raw == "" {
				unauthorized(w, "missing or malformed authorization header")
				return
			}
			if len(expected) > 0 && subtle.ConstantTimeCompare([]byte(raw), expected) == 1 {
				next.ServeHTTP(w, r)
				return
			}
			doctorID, err := parseKey(key, raw)
			if err != nil {
				unauthorized(w, "invalid token")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithDoctor(r.Context(), doctorID)))
		})
	}
}

// doctorToken returns the bearer token, or the query token. The query
// parameter is removed from the request URL so it never reaches access logs.
func doctorToken(r *http.Request) string {
	if raw, ok := bearer(r); ok {
		return raw
	}
	q := r.URL.Query()
	raw := q.Get(QueryTokenParam)
	if q.Has(QueryTokenParam) {
		q.Del(QueryTokenParam)
		r.URL.RawQuery = q.Encode()
		r.RequestURI = r.URL.RequestURI()
	}
	return raw
}

func parseKey(key []byte, raw string) (string, error) {
	if len(key) == 0 {
		return "", errors.New("authmw: verification secret is empty")
	}
	return ParseDoctorToken(key, raw)
}

// WithDoctor returns ctx carrying the authenticated doctor ID.
func WithDoctor(ctx context.Context, doctorID string) context.Context {
	return context.WithValue(ctx, ctxKeyDoctor{}, doctorID)
}

// DoctorFromContext returns the authenticated doctor ID, if any.
func DoctorFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ctxKeyDoctor{}).(string)
	return id, ok && id != ""
}
