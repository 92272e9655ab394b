// Package credentials produces the X.509 material a process presents on
// mutually authenticated connections. Real deployments hand in issued
// certificates; when none are configured a self-signed pair is generated
// and kept next to the configured paths.
package credentials

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

// Bundle is a certificate with its key, both PEM encoded, plus the parsed
// tls.Certificate.
type Bundle struct {
	CertPEM []byte
	KeyPEM  []byte
	TLS     tls.Certificate
}

// DefaultHosts are the SANs used when none are given.
var DefaultHosts = []string{"localhost", "127.0.0.1", "::1"}

// Generate creates a self-signed ECDSA P-256 certificate valid for both
// server and client authentication.
func Generate(commonName string, hosts []string) (*Bundle, error) {
	if len(hosts) == 0 {
		hosts = DefaultHosts
	}
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber:          serialNumber,
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             time.Now().Add(-1 * time.Hour),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	seen := map[string]bool{}
	for _, h := range hosts {
		if seen[h] {
			continue
		}
		seen[h] = true
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &priv.PublicKey, priv)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("marshal key: %w", err)
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return Parse(certPEM, keyPEM)
}

// Parse builds a Bundle from PEM blocks.
func Parse(certPEM, keyPEM []byte) (*Bundle, error) {
	pair, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse key pair: %w", err)
	}
	if pair.Leaf == nil && len(pair.Certificate) > 0 {
		pair.Leaf, _ = x509.ParseCertificate(pair.Certificate[0])
	}
	return &Bundle{CertPEM: certPEM, KeyPEM: keyPEM, TLS: pair}, nil
}

// LoadOrGenerate reads certPath/keyPath when both exist. Otherwise it
// generates a self-signed pair and writes it there, or keeps it in memory
// when the paths are empty.
func LoadOrGenerate(certPath, keyPath, commonName string, hosts []string, logger *slog.Logger) (*Bundle, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if certPath != "" && keyPath != "" && fileExists(certPath) && fileExists(keyPath) {
		certPEM, err := os.ReadFile(certPath)
		if err != nil {
			return nil, fmt.Errorf("read cert: %w", err)
		}
		keyPEM, err := os.ReadFile(keyPath)
		if err != nil {
			return nil, fmt.Errorf("read key: %w", err)
		}
		logger.Info("using TLS certificate", "cert", certPath)
		return Parse(certPEM, keyPEM)
	}

	bundle, err := Generate(commonName, hosts)
	if err != nil {
		return nil, err
	}
	if certPath == "" || keyPath == "" {
		logger.Warn("no TLS certificate configured, using an in-memory self-signed one", "cn", commonName)
		return bundle, nil
	}
	if err := os.MkdirAll(filepath.Dir(certPath), 0o700); err != nil {
		return nil, fmt.Errorf("create tls dir: %w", err)
	}
	if err := os.WriteFile(certPath, bundle.CertPEM, 0o600); err != nil {
		return nil, fmt.Errorf("write cert: %w", err)
	}
	if err := os.WriteFile(keyPath, bundle.KeyPEM, 0o600); err != nil {
		return nil, fmt.Errorf("write key: %w", err)
	}
	logger.Info("generated self-signed TLS certificate", "cert", certPath)
	return bundle, nil
}

// LoadPool reads PEM certificates from the given files into a pool. Empty
// paths are skipped; a nil pool is returned when nothing was loaded.
func LoadPool(paths ...string) (*x509.CertPool, error) {
	var pool *x509.CertPool
	for _, path := range paths {
		if path == "" {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read ca %s: %w", path, err)
		}
		if pool == nil {
			pool = x509.NewCertPool()
		}
		if !pool.AppendCertsFromPEM(data) {
			return nil, fmt.Errorf("ca %s: no certificates found", path)
		}
	}
	return pool, nil
}

// PinnedVerifier returns a tls.Config.VerifyPeerCertificate callback that
// accepts exactly the certificate in pemData, whatever host it is reached
// at, while it is within its validity period.
func PinnedVerifier(pemData []byte) (func(rawCerts [][]byte, _ [][]*x509.Certificate) error, error) {
	block, _ := pem.Decode(pemData)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, errors.New("no certificate found")
	}
	pinned, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 || !bytes.Equal(rawCerts[0], pinned.Raw) {
			return fmt.Errorf("peer certificate does not match the pinned certificate for %q", pinned.Subject.CommonName)
		}
		if now := time.Now(); now.Before(pinned.NotBefore) || now.After(pinned.NotAfter) {
			return fmt.Errorf("pinned certificate for %q is not valid at %s", pinned.Subject.CommonName, now.Format(time.RFC3339))
		}
		return nil
	}, nil
}

// SameCertificate reports whether the PEM certificate has the given DER
// encoding.
func SameCertificate(pemData, der []byte) bool {
	block, _ := pem.Decode(pemData)
	if block == nil || block.Type != "CERTIFICATE" {
		return false
	}
	return bytes.Equal(block.Bytes, der)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
