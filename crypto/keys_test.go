package crypto

import (
	"crypto/x509"
	"encoding/pem"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateKeyPairProducesA2048BitKey(t *testing.T) {
	priv, err := GenerateKeyPair()
	require.NoError(t, err)
	assert.Equal(t, KeyBits, priv.N.BitLen())
	require.NoError(t, priv.Validate())
}

func TestWritePrivateKeyPEMRoundTrips(t *testing.T) {
	dir, err := ioutil.TempDir("", "adq-crypto-keys")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	priv, err := GenerateKeyPair()
	require.NoError(t, err)
	path := filepath.Join(dir, "node.key")
	require.NoError(t, WritePrivateKeyPEM(path, priv))

	raw, err := ioutil.ReadFile(path)
	require.NoError(t, err)
	block, _ := pem.Decode(raw)
	require.NotNil(t, block)
	assert.Equal(t, "RSA PRIVATE KEY", block.Type)

	got, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	require.NoError(t, err)
	assert.Equal(t, priv.N, got.N)
	assert.Equal(t, priv.D, got.D)
}

func TestWritePublicKeyPEMRoundTrips(t *testing.T) {
	dir, err := ioutil.TempDir("", "adq-crypto-keys")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	priv, err := GenerateKeyPair()
	require.NoError(t, err)
	path := filepath.Join(dir, "node.pub")
	require.NoError(t, WritePublicKeyPEM(path, &priv.PublicKey))

	raw, err := ioutil.ReadFile(path)
	require.NoError(t, err)
	block, _ := pem.Decode(raw)
	require.NotNil(t, block)
	assert.Equal(t, "RSA PUBLIC KEY", block.Type)

	got, err := x509.ParsePKCS1PublicKey(block.Bytes)
	require.NoError(t, err)
	assert.Equal(t, priv.PublicKey.N, got.N)
	assert.Equal(t, priv.PublicKey.E, got.E)
}

func TestWritePrivateKeyPEMFailsOnUnwritablePath(t *testing.T) {
	priv, err := GenerateKeyPair()
	require.NoError(t, err)
	err = WritePrivateKeyPEM(filepath.Join(string([]byte{0}), "node.key"), priv)
	assert.Error(t, err)
}
