// Package keys owns asymmetric key material and HTTP request signatures.
// Each keypair is bound to exactly one actor; remote actors only ever have
// the public half populated.
package keys

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const rsaKeyBits = 2048

// KeyIDSuffix is appended to an actor IRI to form its published key id.
const KeyIDSuffix = "#main-key"

// Keypair is an asymmetric key pair bound to one actor. PrivatePEM is empty
// for remote actors and never leaves this process for local ones.
type Keypair struct {
	ID         uuid.UUID
	OwnerID    string
	KeyID      string
	PublicPEM  []byte
	PrivatePEM []byte
	CreatedAt  time.Time
}

// Generate produces a fresh RSA keypair for a local actor.
func Generate(ownerID string) (*Keypair, error) {
	priv, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, fmt.Errorf("generate rsa key: %w", err)
	}

	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}

	return &Keypair{
		ID:         uuid.New(),
		OwnerID:    ownerID,
		KeyID:      ownerID + KeyIDSuffix,
		PublicPEM:  pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER}),
		PrivatePEM: pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER}),
		CreatedAt:  time.Now().UTC(),
	}, nil
}

// HasPrivate reports whether the private half is present.
func (k *Keypair) HasPrivate() bool { return len(k.PrivatePEM) > 0 }

// Private parses the private half.
func (k *Keypair) Private() (crypto.PrivateKey, error) {
	block, _ := pem.Decode(k.PrivatePEM)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in private key")
	}
	switch block.Type {
	case "PRIVATE KEY":
		return x509.ParsePKCS8PrivateKey(block.Bytes)
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	default:
		return nil, fmt.Errorf("unsupported private key PEM type %q", block.Type)
	}
}

// Public parses the public half.
func (k *Keypair) Public() (crypto.PublicKey, error) {
	return ParsePublicKeyPEM(k.PublicPEM)
}

// ParsePublicKeyPEM parses PEM-encoded public key material as published on
// actor documents. Both PKIX and legacy PKCS#1 encodings are seen in the wild.
func ParsePublicKeyPEM(pemKey []byte) (crypto.PublicKey, error) {
	block, _ := pem.Decode(pemKey)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in key")
	}
	switch block.Type {
	case "PUBLIC KEY":
		return x509.ParsePKIXPublicKey(block.Bytes)
	case "RSA PUBLIC KEY":
		return x509.ParsePKCS1PublicKey(block.Bytes)
	default:
		return nil, fmt.Errorf("unsupported public key PEM type %q", block.Type)
	}
}
