package ca

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"strings"
	"time"

	"github.com/jnovack/offlineweb/pkg/errdefs"
)

const (
	leafKeyBits  = 2048
	leafSkew     = 7 * 24 * time.Hour
	leafValidity = 10 // years
)

// serialFloor keeps leaf serials out of the low range a CA may have used already.
var (
	serialFloor = new(big.Int).Exp(big.NewInt(10), big.NewInt(17), nil)
	serialSpan  = new(big.Int).Lsh(big.NewInt(1), 127)
)

// HostCertificate is an issued leaf certificate and its private key.
type HostCertificate struct {
	Hostname       string
	CertificatePEM []byte
	PrivateKeyPEM  []byte
	NotBefore      time.Time
	NotAfter       time.Time
	SerialNumber   *big.Int
}

// ParseHostCertificate rebuilds a HostCertificate from stored PEM blocks and
// checks that the key matches the certificate.
func ParseHostCertificate(certPEM, keyPEM []byte) (*HostCertificate, error) {
	if _, err := tls.X509KeyPair(certPEM, keyPEM); err != nil {
		return nil, fmt.Errorf("certificate/key mismatch: %w", err)
	}
	cert, err := parseCertificatePEM(certPEM)
	if err != nil {
		return nil, err
	}
	return &HostCertificate{
		Hostname:       cert.Subject.CommonName,
		CertificatePEM: certPEM,
		PrivateKeyPEM:  keyPEM,
		NotBefore:      cert.NotBefore,
		NotAfter:       cert.NotAfter,
		SerialNumber:   cert.SerialNumber,
	}, nil
}

// TLSCertificate returns a server certificate whose chain is the leaf followed by chainPEM.
func (h *HostCertificate) TLSCertificate(chainPEM []byte) (*tls.Certificate, error) {
	full := make([]byte, 0, len(h.CertificatePEM)+len(chainPEM))
	full = append(full, h.CertificatePEM...)
	full = append(full, chainPEM...)
	pair, err := tls.X509KeyPair(full, h.PrivateKeyPEM)
	if err != nil {
		return nil, err
	}
	return &pair, nil
}

// Equal reports whether both certificates carry identical PEM bytes.
func (h *HostCertificate) Equal(o *HostCertificate) bool {
	if h == nil || o == nil {
		return h == o
	}
	return bytes.Equal(h.CertificatePEM, o.CertificatePEM) && bytes.Equal(h.PrivateKeyPEM, o.PrivateKeyPEM)
}

// IssueCertificate parses the CA material and issues a leaf for commonName.
func IssueCertificate(commonName string, caCertPEM, caKeyPEM []byte) (*HostCertificate, error) {
	a, err := LoadAuthority(caCertPEM, caKeyPEM)
	if err != nil {
		return nil, err
	}
	return a.Issue(commonName)
}

// Issue generates a fresh RSA key and a leaf certificate for commonName signed by the CA.
// It is CPU bound and has no side effects.
func (a *Authority) Issue(commonName string) (*HostCertificate, error) {
	op := "issue " + commonName
	if a == nil || a.Cert == nil || a.Key == nil {
		return nil, errdefs.Wrap(errdefs.ErrIssuance, op, errors.New("authority not loaded"))
	}
	commonName = strings.TrimSpace(commonName)
	if commonName == "" {
		return nil, errdefs.Wrap(errdefs.ErrIssuance, op, errors.New("empty common name"))
	}

	priv, err := rsa.GenerateKey(rand.Reader, leafKeyBits)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.ErrIssuance, op, err)
	}
	n, err := rand.Int(rand.Reader, serialSpan)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.ErrIssuance, op, err)
	}
	serial := n.Add(n, serialFloor)

	now := time.Now()
	subject := a.Subject
	subject.CommonName = commonName
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               subject,
		NotBefore:             now.Add(-leafSkew),
		NotAfter:              now.AddDate(leafValidity, 0, 0),
		BasicConstraintsValid: true,
		IsCA:                  false,
		KeyUsage: x509.KeyUsageDigitalSignature | x509.KeyUsageContentCommitment |
			x509.KeyUsageKeyEncipherment | x509.KeyUsageDataEncipherment,
		ExtKeyUsage:        []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		SignatureAlgorithm: signatureAlgorithm(a.Key),
	}
	host := commonName
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if ip := net.ParseIP(host); ip != nil {
		template.IPAddresses = []net.IP{ip}
	} else {
		template.DNSNames = []string{host}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, a.Cert, &priv.PublicKey, a.Key)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.ErrIssuance, op, err)
	}
	return &HostCertificate{
		Hostname:       commonName,
		CertificatePEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		PrivateKeyPEM:  pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)}),
		NotBefore:      template.NotBefore,
		NotAfter:       template.NotAfter,
		SerialNumber:   serial,
	}, nil
}
