package security

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"os"
	"time"
)

// Identity is the result of a successful certificate verification.
type Identity struct {
	// ServiceName is the certificate CN.
	ServiceName string

	// Fingerprint is the hex SHA-256 of the certificate DER, used for the
	// denylist and registry auth binding.
	Fingerprint string

	NotAfter time.Time
}

// CertVerifier verifies service certificates against the project CA.
type CertVerifier struct {
	roots *x509.CertPool
}

// LoadCA builds a verifier from a PEM CA bundle on disk.
//
// Parameters:
//   - path: PEM file holding one or more CA certificates
//
// Returns:
//   - *CertVerifier: Verifier rooted at the project CA
//   - error: If the file is unreadable or contains no certificates
func LoadCA(path string) (*CertVerifier, error) {
	pemBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading CA file: %w", err)
	}

	roots := x509.NewCertPool()
	if !roots.AppendCertsFromPEM(pemBytes) {
		return nil, fmt.Errorf("no CA certificates found in %s", path)
	}
	return &CertVerifier{roots: roots}, nil
}

// NewCertVerifier builds a verifier from an in-memory pool. Used by tests.
func NewCertVerifier(roots *x509.CertPool) *CertVerifier {
	return &CertVerifier{roots: roots}
}

// VerifyPEM parses a PEM certificate, verifies its chain against the project
// CA, and extracts the service identity.
//
// Parameters:
//   - certPEM: PEM-encoded X.509 certificate
//
// Returns:
//   - Identity: Service name (CN) and fingerprint
//   - error: ErrCertInvalid (wrapped) on parse or chain failure
func (v *CertVerifier) VerifyPEM(certPEM []byte) (Identity, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return Identity{}, fmt.Errorf("%w: not a PEM certificate", ErrCertInvalid)
	}

	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %w", ErrCertInvalid, err)
	}

	if _, err := cert.Verify(x509.VerifyOptions{
		Roots:     v.roots,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageAny},
	}); err != nil {
		return Identity{}, fmt.Errorf("%w: %w", ErrCertInvalid, err)
	}

	if cert.Subject.CommonName == "" {
		return Identity{}, fmt.Errorf("%w: certificate has no CN", ErrCertInvalid)
	}

	sum := sha256.Sum256(cert.Raw)
	return Identity{
		ServiceName: cert.Subject.CommonName,
		Fingerprint: hex.EncodeToString(sum[:]),
		NotAfter:    cert.NotAfter,
	}, nil
}
