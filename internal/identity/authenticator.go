package identity

import (
	"crypto/ed25519"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Authenticator signs and verifies session tokens with an ed25519 key pair.
type Authenticator struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	expire     time.Duration
}

// NewAuthenticator generates a fresh ed25519 key pair at runtime. expire of
// zero means tokens never expire.
func NewAuthenticator(expire time.Duration) (*Authenticator, error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ed25519 key pair: %w", err)
	}
	return &Authenticator{privateKey: priv, publicKey: pub, expire: expire}, nil
}

// NewAuthenticatorFromPath reads ed25519 private/public keys from file.
func NewAuthenticatorFromPath(privatePath, publicPath string, expire time.Duration) (*Authenticator, error) {
	privateKeyData, err := os.ReadFile(privatePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key file: %w", err)
	}
	publicKeyData, err := os.ReadFile(publicPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read public key file: %w", err)
	}
	return &Authenticator{
		privateKey: ed25519.PrivateKey(privateKeyData),
		publicKey:  ed25519.PublicKey(publicKeyData),
		expire:     expire,
	}, nil
}

// CreateToken creates a signed JWT with "sub" = userID.
func (a *Authenticator) CreateToken(userID string) (string, error) {
	claims := jwt.MapClaims{
		"sub": userID,
	}
	if a.expire > 0 {
		claims["exp"] = time.Now().Add(a.expire).Unix()
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	return token.SignedString(a.privateKey)
}

// VerifyToken verifies a JWT string and returns the "sub" field if valid.
func (a *Authenticator) VerifyToken(tokenString string) (string, error) {
	t, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.publicKey, nil
	})
	if err != nil {
		return "", fmt.Errorf("jwt parse error: %w", err)
	}
	if !t.Valid {
		return "", fmt.Errorf("invalid token")
	}

	claims, ok := t.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("invalid jwt claims")
	}
	userID, ok := claims["sub"].(string)
	if !ok {
		return "", fmt.Errorf("missing sub in jwt")
	}
	return userID, nil
}
