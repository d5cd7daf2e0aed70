package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const hmacIssuer = "genforge-api"

// HMACClaims are the claims of locally issued HS256 tokens
type HMACClaims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// HMACVerifier validates HS256 tokens signed with a shared secret. It serves
// development setups and tests without an identity provider.
type HMACVerifier struct {
	secret []byte
}

func NewHMACVerifier(secret string) *HMACVerifier {
	return &HMACVerifier{secret: []byte(secret)}
}

func (v *HMACVerifier) Validate(token string) (*Identity, error) {
	parsed, err := jwt.ParseWithClaims(token, &HMACClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errWrongSigningAlg
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(*HMACClaims)
	if !ok || !parsed.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return &Identity{OwnerID: claims.Subject, Email: claims.Email}, nil
}

// Issue signs a token for ownerID. ttl of zero means no expiry.
func (v *HMACVerifier) Issue(ownerID, email string, ttl time.Duration) (string, error) {
	claims := HMACClaims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  ownerID,
			Issuer:   hmacIssuer,
			IssuedAt: jwt.NewNumericDate(time.Now()),
		},
	}
	if ttl != 0 {
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
