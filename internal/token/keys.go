package token

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"ssocore.org/internal/sentinel"
)

const minSecretLength = 32

// Keys is the externally supplied signing material. The engine never
// generates or persists keys itself.
type Keys struct {
	method    jwt.SigningMethod
	signKey   any
	verifyKey any
	keyID     string
}

// HS256Key builds symmetric key material from a shared secret.
func HS256Key(secret []byte) (Keys, error) {
	if len(secret) < minSecretLength {
		return Keys{}, fmt.Errorf("%w: hs256 secret must be at least %d bytes", sentinel.ErrNoKeyMaterial, minSecretLength)
	}
	key := make([]byte, len(secret))
	copy(key, secret)
	return Keys{method: jwt.SigningMethodHS256, signKey: key, verifyKey: key}, nil
}

// RS256Keys builds asymmetric key material from PEM encoded keys.
func RS256Keys(privatePEM, publicPEM string) (Keys, error) {
	privatePEM = strings.TrimSpace(privatePEM)
	publicPEM = strings.TrimSpace(publicPEM)
	if privatePEM == "" || publicPEM == "" {
		return Keys{}, fmt.Errorf("%w: both private and public keys are required", sentinel.ErrNoKeyMaterial)
	}
	priv, err := parseRSAPrivateKey(privatePEM)
	if err != nil {
		return Keys{}, fmt.Errorf("%w: parse private key: %v", sentinel.ErrNoKeyMaterial, err)
	}
	pub, err := parseRSAPublicKey(publicPEM)
	if err != nil {
		return Keys{}, fmt.Errorf("%w: parse public key: %v", sentinel.ErrNoKeyMaterial, err)
	}
	if priv.PublicKey.N.Cmp(pub.N) != 0 || priv.PublicKey.E != pub.E {
		return Keys{}, fmt.Errorf("%w: public key does not match private key", sentinel.ErrNoKeyMaterial)
	}
	return Keys{method: jwt.SigningMethodRS256, signKey: priv, verifyKey: pub}, nil
}

// WithKeyID returns a copy of k that stamps kid into token headers.
func (k Keys) WithKeyID(kid string) Keys {
	k.keyID = strings.TrimSpace(kid)
	return k
}

// Algorithm reports the JWS algorithm, or "" when no key is configured.
func (k Keys) Algorithm() string {
	if k.method == nil {
		return ""
	}
	return k.method.Alg()
}

func (k Keys) valid() bool {
	return k.method != nil && k.signKey != nil && k.verifyKey != nil
}

func parseRSAPrivateKey(pemData string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.New("invalid PEM private key")
	}
	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		if rsaKey, ok := key.(*rsa.PrivateKey); ok {
			return rsaKey, nil
		}
		return nil, errors.New("unsupported private key type")
	default:
		return nil, fmt.Errorf("unsupported private key type %s", block.Type)
	}
}

func parseRSAPublicKey(pemData string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.New("invalid PEM public key")
	}
	switch block.Type {
	case "PUBLIC KEY":
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		rsaKey, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, errors.New("not an RSA public key")
		}
		return rsaKey, nil
	case "RSA PUBLIC KEY":
		return x509.ParsePKCS1PublicKey(block.Bytes)
	default:
		return nil, fmt.Errorf("unsupported public key type %s", block.Type)
	}
}
