package tls

import (
	stdtls "crypto/tls"
	"crypto/x509"
	"net"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func generate(t *testing.T, hosts []string) *x509.Certificate {
	t.Helper()
	dir := t.TempDir()
	certPath := filepath.Join(dir, "cert.pem")
	keyPath := filepath.Join(dir, "key.pem")

	require.NoError(t, GenerateSelfSignedCert(certPath, keyPath, hosts))

	pair, err := stdtls.LoadX509KeyPair(certPath, keyPath)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(pair.Certificate[0])
	require.NoError(t, err)
	return cert
}

func TestGenerateSelfSignedCert(t *testing.T) {
	cert := generate(t, []string{"recordflow.local", "10.0.0.5"})
	assert.Equal(t, []string{"RecordFlow Dev"}, cert.Subject.Organization)
	assert.Equal(t, []string{"recordflow.local"}, cert.DNSNames)
	require.Len(t, cert.IPAddresses, 1)
	assert.True(t, cert.IPAddresses[0].Equal(net.ParseIP("10.0.0.5")))
}

func TestGenerateSelfSignedCertDefaultsToLocalhost(t *testing.T) {
	cert := generate(t, nil)
	assert.Contains(t, cert.DNSNames, "localhost")
	require.NotEmpty(t, cert.IPAddresses)
	assert.True(t, cert.IPAddresses[0].Equal(net.ParseIP("127.0.0.1")))
}
