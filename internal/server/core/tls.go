package core

import (
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/youmark/pkcs8"

	"github.com/tturner/doipsim/internal/entity"
	"github.com/tturner/doipsim/internal/logging"
)

var tlsVersions = map[string]uint16{
	"TLSV1":   tls.VersionTLS10,
	"TLSV1.0": tls.VersionTLS10,
	"TLSV1.1": tls.VersionTLS11,
	"TLSV1.2": tls.VersionTLS12,
	"TLSV1.3": tls.VersionTLS13,
}

// LoadTLSConfig builds the server TLS configuration. The certificate file
// is both the server identity and the trust store for client certificates.
func LoadTLSConfig(opts entity.TLSOptions, logger *logging.Logger) (*tls.Config, error) {
	for _, path := range []string{opts.CertFile, opts.KeyFile} {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("tls material %s: %w", path, err)
		}
		if !info.Mode().IsRegular() {
			return nil, fmt.Errorf("tls material %s: not a regular file", path)
		}
	}

	certPEM, err := os.ReadFile(opts.CertFile)
	if err != nil {
		return nil, fmt.Errorf("read certificate: %w", err)
	}
	keyPEM, err := os.ReadFile(opts.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}

	cert, err := loadKeyPair(certPEM, keyPEM, opts.KeyPassword)
	if err != nil {
		return nil, err
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(certPEM) {
		return nil, errors.New("certificate file contains no usable certificates")
	}

	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientCAs:    pool,
		ClientAuth:   tls.VerifyClientCertIfGiven,
		MinVersion:   tls.VersionTLS12,
	}

	if len(opts.Protocols) > 0 {
		versions := filterProtocols(opts.Protocols, logger)
		if len(versions) == 0 {
			return nil, fmt.Errorf("none of the TLS protocols %v is supported", opts.Protocols)
		}
		cfg.MinVersion, cfg.MaxVersion = versions[0], versions[0]
		for _, v := range versions[1:] {
			cfg.MinVersion = min(cfg.MinVersion, v)
			cfg.MaxVersion = max(cfg.MaxVersion, v)
		}
	}
	if len(opts.Ciphers) > 0 {
		suites := filterCiphers(opts.Ciphers, logger)
		if len(suites) == 0 {
			return nil, fmt.Errorf("none of the TLS cipher suites %v is supported", opts.Ciphers)
		}
		cfg.CipherSuites = suites
	}
	return cfg, nil
}

// loadKeyPair accepts plain PEM keys, encrypted PKCS#8 keys and legacy
// encrypted PEM blocks.
func loadKeyPair(certPEM, keyPEM []byte, password string) (tls.Certificate, error) {
	if password == "" {
		cert, err := tls.X509KeyPair(certPEM, keyPEM)
		if err != nil {
			return tls.Certificate{}, fmt.Errorf("load key pair: %w", err)
		}
		return cert, nil
	}

	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return tls.Certificate{}, errors.New("private key file contains no PEM block")
	}

	var (
		key any
		err error
	)
	switch {
	case block.Type == "ENCRYPTED PRIVATE KEY":
		key, err = pkcs8.ParsePKCS8PrivateKey(block.Bytes, []byte(password))
	case x509.IsEncryptedPEMBlock(block):
		var der []byte
		der, err = x509.DecryptPEMBlock(block, []byte(password))
		if err == nil {
			key, err = parsePlainKey(der)
		}
	default:
		key, err = parsePlainKey(block.Bytes)
	}
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("decrypt private key: %w", err)
	}

	var cert tls.Certificate
	for rest := certPEM; ; {
		var b *pem.Block
		b, rest = pem.Decode(rest)
		if b == nil {
			break
		}
		if b.Type == "CERTIFICATE" {
			cert.Certificate = append(cert.Certificate, b.Bytes)
		}
	}
	if len(cert.Certificate) == 0 {
		return tls.Certificate{}, errors.New("certificate file contains no certificates")
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return tls.Certificate{}, fmt.Errorf("unsupported private key type %T", key)
	}
	cert.PrivateKey = signer
	return cert, nil
}

func parsePlainKey(der []byte) (any, error) {
	if key, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		return key, nil
	}
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	return x509.ParseECPrivateKey(der)
}

// filterProtocols keeps the configured protocol names this platform
// supports, in configured order.
func filterProtocols(names []string, logger *logging.Logger) []uint16 {
	var out []uint16
	for _, name := range names {
		v, ok := tlsVersions[strings.ToUpper(strings.TrimSpace(name))]
		if !ok {
			logger.Info("Ignoring unsupported TLS protocol %q", name)
			continue
		}
		out = append(out, v)
	}
	return out
}

// filterCiphers keeps the configured cipher suite names this platform
// supports, in configured order.
func filterCiphers(names []string, logger *logging.Logger) []uint16 {
	supported := make(map[string]uint16)
	for _, cs := range tls.CipherSuites() {
		supported[cs.Name] = cs.ID
	}
	var out []uint16
	for _, name := range names {
		id, ok := supported[strings.TrimSpace(name)]
		if !ok {
			logger.Info("Ignoring unsupported TLS cipher suite %q", name)
			continue
		}
		out = append(out, id)
	}
	return out
}
