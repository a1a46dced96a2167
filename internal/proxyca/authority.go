// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package proxyca mints (or loads) the certificate authority the
// intercepting proxy uses to terminate TLS for CONNECT tunnels. Per-hostname
// leaf certificates are signed with it by goproxy inside internal/proxy.
package proxyca

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"
)

// Authority wraps a CA keypair capable of signing on-demand leaf
// certificates for TLS interception.
type Authority struct {
	Cert    *x509.Certificate
	Key     *rsa.PrivateKey
	TLSCert tls.Certificate
}

// New mints a fresh, ephemeral CA keypair, matching the "regenerated on
// each launch" behavior the teacher defaults to.
func New() (*Authority, error) {
	cert, key, err := generate()
	if err != nil {
		return nil, err
	}
	return fromParts(cert, key)
}

// LoadOrCreate loads a CA keypair from <dir>/ca.pem and <dir>/ca.key if
// present, or mints and persists a new one. This backs --persist-ca, the
// decision recorded for the CA-persistence open question in SPEC_FULL.md.
func LoadOrCreate(dir string) (*Authority, error) {
	certPath := filepath.Join(dir, "ca.pem")
	keyPath := filepath.Join(dir, "ca.key")

	certPEM, certErr := os.ReadFile(certPath)
	keyPEM, keyErr := os.ReadFile(keyPath)
	if certErr == nil && keyErr == nil {
		cert, key, err := parsePEM(certPEM, keyPEM)
		if err != nil {
			return nil, fmt.Errorf("proxyca: load existing CA: %w", err)
		}
		return fromParts(cert, key)
	}

	cert, key, err := generate()
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("proxyca: create %s: %w", dir, err)
	}
	if err := os.WriteFile(certPath, encodeCertPEM(cert), 0o644); err != nil {
		return nil, fmt.Errorf("proxyca: persist ca cert: %w", err)
	}
	if err := os.WriteFile(keyPath, encodeKeyPEM(key), 0o600); err != nil {
		return nil, fmt.Errorf("proxyca: persist ca key: %w", err)
	}

	return fromParts(cert, key)
}

func fromParts(cert *x509.Certificate, key *rsa.PrivateKey) (*Authority, error) {
	tlsCert, err := tls.X509KeyPair(encodeCertPEM(cert), encodeKeyPEM(key))
	if err != nil {
		return nil, fmt.Errorf("proxyca: build tls keypair: %w", err)
	}
	return &Authority{Cert: cert, Key: key, TLSCert: tlsCert}, nil
}

func generate() (*x509.Certificate, *rsa.PrivateKey, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, fmt.Errorf("proxyca: generate key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return nil, nil, fmt.Errorf("proxyca: generate serial: %w", err)
	}

	tpl := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"della-wonders"},
			CommonName:   "della-wonders local MITM CA",
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature | x509.KeyUsageCRLSign,
		IsCA:                  true,
		BasicConstraintsValid: true,
		MaxPathLen:            1,
	}

	der, err := x509.CreateCertificate(rand.Reader, tpl, tpl, &priv.PublicKey, priv)
	if err != nil {
		return nil, nil, fmt.Errorf("proxyca: create certificate: %w", err)
	}

	parsed, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, fmt.Errorf("proxyca: parse generated certificate: %w", err)
	}

	return parsed, priv, nil
}

func parsePEM(certPEM, keyPEM []byte) (*x509.Certificate, *rsa.PrivateKey, error) {
	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return nil, nil, fmt.Errorf("proxyca: no PEM block in ca cert")
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("proxyca: parse ca cert: %w", err)
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, nil, fmt.Errorf("proxyca: no PEM block in ca key")
	}
	key, err := x509.ParsePKCS1PrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("proxyca: parse ca key: %w", err)
	}

	return cert, key, nil
}

func encodeCertPEM(cert *x509.Certificate) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
}

func encodeKeyPEM(key *rsa.PrivateKey) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
}

// CertPEM returns the CA certificate in PEM form, for writing to the
// client's trust-store path (spec §4.D, §4.F).
func (a *Authority) CertPEM() []byte {
	return encodeCertPEM(a.Cert)
}
