// Package ca holds the private certificate authority that signs per-host leaf certificates.
//
// Responsibilities:
//   - Parse a DN (flexible formats) into pkix.Name
//   - Load the CA from separate certificate/key PEM files
//   - Generate a self-signed root CA when asked to bootstrap one
//   - Issue leaf certificates for a hostname, signed by the CA
//
// Nothing in this package touches the leaf certificate cache; see pkg/certcache.
package ca

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/jnovack/offlineweb/pkg/errdefs"
)

// DefaultLeafDN is the organizational subject stamped on every leaf certificate.
const DefaultLeafDN = "/C=US/ST=Washington/L=Redmond/O=Caspia/OU=offlineweb"

// Authority is a parsed CA certificate and its signing key.
type Authority struct {
	Cert *x509.Certificate
	Key  crypto.Signer

	// Subject is the leaf subject template; CommonName is replaced per issuance.
	Subject pkix.Name

	certPEM []byte
	keyPEM  []byte
}

// PEM returns the PEM-encoded CA certificate.
func (a *Authority) PEM() []byte {
	return a.certPEM
}

// LoadAuthority parses a CA from its certificate and private key PEM blocks.
func LoadAuthority(certPEM, keyPEM []byte) (*Authority, error) {
	cert, err := parseCertificatePEM(certPEM)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.ErrIssuance, "parse ca certificate", err)
	}
	key, err := parsePrivateKeyPEM(keyPEM)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.ErrIssuance, "parse ca key", err)
	}
	subject, _ := ParseSubject(DefaultLeafDN)
	return &Authority{Cert: cert, Key: key, Subject: subject, certPEM: certPEM, keyPEM: keyPEM}, nil
}

// NewAuthorityFromFiles reads the CA certificate and key from disk.
func NewAuthorityFromFiles(certPath, keyPath string) (*Authority, error) {
	if certPath == "" || keyPath == "" {
		return nil, errors.New("no ca files provided")
	}
	cb, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("read ca-cert: %w", err)
	}
	kb, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("read ca-key: %w", err)
	}
	return LoadAuthority(cb, kb)
}

func parseCertificatePEM(b []byte) (*x509.Certificate, error) {
	rest := b
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			return nil, errors.New("no CERTIFICATE block found")
		}
		if block.Type == "CERTIFICATE" {
			return x509.ParseCertificate(block.Bytes)
		}
	}
}

func parsePrivateKeyPEM(b []byte) (crypto.Signer, error) {
	rest := b
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			return nil, errors.New("no PRIVATE KEY block found")
		}
		var (
			k   any
			err error
		)
		switch block.Type {
		case "PRIVATE KEY":
			k, err = x509.ParsePKCS8PrivateKey(block.Bytes)
		case "RSA PRIVATE KEY":
			k, err = x509.ParsePKCS1PrivateKey(block.Bytes)
		case "EC PRIVATE KEY":
			k, err = x509.ParseECPrivateKey(block.Bytes)
		default:
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", strings.ToLower(block.Type), err)
		}
		signer, ok := k.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("unsupported key type %T", k)
		}
		return signer, nil
	}
}

// SaveCertificate writes the CA certificate PEM to path atomically.
func (a *Authority) SaveCertificate(path string) error {
	return writeAtomic(path, a.certPEM, 0o644)
}

// SaveKey writes the CA private key PEM to path atomically.
func (a *Authority) SaveKey(path string) error {
	if len(a.keyPEM) == 0 {
		return errors.New("authority has no key PEM")
	}
	return writeAtomic(path, a.keyPEM, 0o600)
}

func writeAtomic(path string, b []byte, mode os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, mode); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ParseDN parses a flexible DN string into pkix.Name and requires a CN.
// Supported formats:
//   - plain string without '=' -> treated as CommonName
//   - slash-style:  "/C=US/ST=.../O=Org/CN=Name"
//   - comma/semicolon style: "CN=Name,O=Org,C=US"
func ParseDN(s string) (pkix.Name, error) {
	name, err := ParseSubject(s)
	if err != nil {
		return name, err
	}
	if name.CommonName == "" {
		return name, errors.New("dn must include CN")
	}
	return name, nil
}

// ParseSubject is ParseDN without the CN requirement, for leaf subject templates.
func ParseSubject(s string) (pkix.Name, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return pkix.Name{}, errors.New("empty dn")
	}
	if !strings.Contains(s, "=") {
		return pkix.Name{CommonName: s}, nil
	}
	name := pkix.Name{}
	for _, p := range splitDN(s) {
		k, v, ok := strings.Cut(strings.TrimSpace(p), "=")
		if !ok {
			continue
		}
		v = strings.TrimSpace(v)
		switch strings.ToUpper(strings.TrimSpace(k)) {
		case "CN":
			name.CommonName = v
		case "O":
			name.Organization = append(name.Organization, v)
		case "OU":
			name.OrganizationalUnit = append(name.OrganizationalUnit, v)
		case "L":
			name.Locality = append(name.Locality, v)
		case "ST", "S":
			name.Province = append(name.Province, v)
		case "C":
			name.Country = append(name.Country, v)
		}
	}
	return name, nil
}

func splitDN(s string) []string {
	if strings.HasPrefix(s, "/") {
		return strings.Split(strings.TrimPrefix(s, "/"), "/")
	}
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ';'
	})
}

// GenerateRootCASelfSigned generates an RSA-4096 self-signed root for the provided name.
func GenerateRootCASelfSigned(name pkix.Name) (*Authority, error) {
	return GenerateRootCA(name, 4096)
}

// GenerateRootCA generates a self-signed root with an RSA key of the given size.
func GenerateRootCA(name pkix.Name, bits int) (*Authority, error) {
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("generate root RSA key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, err
	}
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               name,
		NotBefore:             time.Now().Add(-1 * time.Hour),
		NotAfter:              time.Now().AddDate(30, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		IsCA:                  true,
		BasicConstraintsValid: true,
		MaxPathLen:            2,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &priv.PublicKey, priv)
	if err != nil {
		return nil, fmt.Errorf("create root certificate: %w", err)
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})
	return LoadAuthority(certPEM, keyPEM)
}

func signatureAlgorithm(k crypto.Signer) x509.SignatureAlgorithm {
	switch k.Public().(type) {
	case *rsa.PublicKey:
		return x509.SHA256WithRSA
	case *ecdsa.PublicKey:
		return x509.ECDSAWithSHA256
	case ed25519.PublicKey:
		return x509.PureEd25519
	}
	return x509.UnknownSignatureAlgorithm
}
