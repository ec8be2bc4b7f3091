package core

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/youmark/pkcs8"

	"github.com/tturner/doipsim/internal/doip"
	"github.com/tturner/doipsim/internal/entity"
)

// writeTestCertificate writes a self-signed certificate for 127.0.0.1 and
// its key. A non-empty password produces an encrypted PKCS#8 key.
func writeTestCertificate(t *testing.T, password string) (certFile, keyFile string, certDER []byte) {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "doipsim"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1)},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	certDER, err = x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	require.NoError(t, err)

	var keyBlock *pem.Block
	if password == "" {
		der, err := x509.MarshalPKCS8PrivateKey(priv)
		require.NoError(t, err)
		keyBlock = &pem.Block{Type: "PRIVATE KEY", Bytes: der}
	} else {
		der, err := pkcs8.ConvertPrivateKeyToPKCS8(priv, []byte(password))
		require.NoError(t, err)
		keyBlock = &pem.Block{Type: "ENCRYPTED PRIVATE KEY", Bytes: der}
	}

	dir := t.TempDir()
	certFile = filepath.Join(dir, "cert.pem")
	keyFile = filepath.Join(dir, "key.pem")
	require.NoError(t, os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER}), 0o600))
	require.NoError(t, os.WriteFile(keyFile, pem.EncodeToMemory(keyBlock), 0o600))
	return certFile, keyFile, certDER
}

func freeTCPPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func TestLoadTLSConfig(t *testing.T) {
	certFile, keyFile, _ := writeTestCertificate(t, "")
	encCert, encKey, _ := writeTestCertificate(t, "s3cret")

	tests := []struct {
		name    string
		opts    entity.TLSOptions
		wantErr bool
	}{
		{"plain key", entity.TLSOptions{CertFile: certFile, KeyFile: keyFile}, false},
		{"encrypted pkcs8 key", entity.TLSOptions{CertFile: encCert, KeyFile: encKey, KeyPassword: "s3cret"}, false},
		{"wrong password", entity.TLSOptions{CertFile: encCert, KeyFile: encKey, KeyPassword: "wrong"}, true},
		{"missing certificate", entity.TLSOptions{CertFile: filepath.Join(t.TempDir(), "none.pem"), KeyFile: keyFile}, true},
		{"certificate is a directory", entity.TLSOptions{CertFile: t.TempDir(), KeyFile: keyFile}, true},
		{"no supported protocol", entity.TLSOptions{CertFile: certFile, KeyFile: keyFile, Protocols: []string{"SSLv3"}}, true},
		{"no supported cipher", entity.TLSOptions{CertFile: certFile, KeyFile: keyFile, Ciphers: []string{"TLS_NULL_WITH_NULL_NULL"}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := LoadTLSConfig(tt.opts, createTestLogger())
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Len(t, cfg.Certificates, 1)
			assert.Equal(t, tls.VerifyClientCertIfGiven, cfg.ClientAuth)
		})
	}
}

func TestLoadTLSConfigFiltersProtocolsAndCiphers(t *testing.T) {
	certFile, keyFile, _ := writeTestCertificate(t, "")

	cfg, err := LoadTLSConfig(entity.TLSOptions{
		CertFile:  certFile,
		KeyFile:   keyFile,
		Protocols: []string{"TLSv1.3", "SSLv3", "TLSv1.2"},
		Ciphers: []string{
			"TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384",
			"TLS_MADE_UP_SUITE",
			"TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256",
		},
	}, createTestLogger())
	require.NoError(t, err)

	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
	assert.Equal(t, uint16(tls.VersionTLS13), cfg.MaxVersion)
	assert.Equal(t, []uint16{
		tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	}, cfg.CipherSuites)
}

func TestTLSSession(t *testing.T) {
	certFile, keyFile, certDER := writeTestCertificate(t, "s3cret")
	port := freeTCPPort(t)

	srv := startTestServer(t, func(c *entity.Config) {
		c.TLS = entity.TLSOptions{
			Mode:        entity.TLSOptional,
			Port:        port,
			CertFile:    certFile,
			KeyFile:     keyFile,
			KeyPassword: "s3cret",
		}
	}, Options{})
	require.NotNil(t, srv.TLSAddr())

	cert, err := x509.ParseCertificate(certDER)
	require.NoError(t, err)
	roots := x509.NewCertPool()
	roots.AddCert(cert)

	conn, err := tls.Dial("tcp", srv.TLSAddr().String(), &tls.Config{RootCAs: roots, MinVersion: tls.VersionTLS12})
	require.NoError(t, err)
	defer conn.Close()

	resp := activate(t, conn, testerAddress)
	assert.Equal(t, doip.RoutingSuccess, resp.Code)

	sendMessage(t, conn, doip.DiagnosticMessage{SourceAddress: testerAddress, TargetAddress: engineAddress, Data: []byte{0x3E, 0x00}})
	_, ok := readMessage(t, conn).(doip.DiagnosticMessageAck)
	require.True(t, ok)
	diag, ok := readMessage(t, conn).(doip.DiagnosticMessage)
	require.True(t, ok)
	assert.Equal(t, []byte{0x7E, 0x00}, diag.Data)

	// the plain listener keeps serving next to TLS
	plain := dialTester(t, srv)
	assert.Equal(t, doip.RoutingSuccess, activate(t, plain, testerAddress).Code)
}
