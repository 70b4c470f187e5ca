package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io/ioutil"
)

// KeyBits is the RSA modulus size every node's key pair is generated at.
const KeyBits = 2048

// GenerateKeyPair is RSAKeys (C12): it creates a fresh RSA-2048 key pair,
// used by cmd/adqkeygen to provision a new client or the utility.
func GenerateKeyPair() (*rsa.PrivateKey, error) {
	priv, err := rsa.GenerateKey(rand.Reader, KeyBits)
	if err != nil {
		return nil, fmt.Errorf("crypto: generate key pair: %w", err)
	}
	return priv, nil
}

// WritePrivateKeyPEM writes priv as a PKCS#1 PEM "RSA PRIVATE KEY" block.
func WritePrivateKeyPEM(path string, priv *rsa.PrivateKey) error {
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)}
	return ioutil.WriteFile(path, pem.EncodeToMemory(block), 0600)
}

// WritePublicKeyPEM writes pub as a PKCS#1 PEM "RSA PUBLIC KEY" block.
func WritePublicKeyPEM(path string, pub *rsa.PublicKey) error {
	block := &pem.Block{Type: "RSA PUBLIC KEY", Bytes: x509.MarshalPKCS1PublicKey(pub)}
	return ioutil.WriteFile(path, pem.EncodeToMemory(block), 0644)
}
