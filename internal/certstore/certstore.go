// Package certstore manages the platform's TLS material: it loads the
// server.pfx container or generates a fresh self-signed identity, exports
// the public half as server.cer, and validates client certificates against
// the configured thumbprint allow-list.
package certstore

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
	pkcs12 "software.sslmate.com/src/go-pkcs12"

	"github.com/portlink/backend/internal/observability"
)

// ErrValidationFailed rejects a peer certificate. Connections failing
// validation never fall through to plain transport.
var ErrValidationFailed = errors.New("tls validation failed")

// Options configures the store.
type Options struct {
	PFXPath    string
	CERPath    string
	Passphrase string
	Subject    string

	// DevMode relaxes chain validation to tolerate exactly an untrusted
	// root, and logs (instead of rejecting) thumbprint mismatches.
	DevMode bool

	AllowedThumbprints []string
	AllowedSubjects    []string
}

// Store holds the loaded server identity. The certificate is immutable
// after Open.
type Store struct {
	opts   Options
	cert   tls.Certificate
	leaf   *x509.Certificate
	logger *observability.Logger

	allowedPrints map[string]struct{}
}

// Open loads server.pfx, or generates and persists a fresh identity when the
// container is absent.
func Open(opts Options, logger *observability.Logger) (*Store, error) {
	if opts.Subject == "" {
		opts.Subject = "portlink"
	}
	if opts.Passphrase == "" {
		opts.Passphrase = derivePassphrase(opts.Subject)
	}

	s := &Store{
		opts:          opts,
		logger:        logger,
		allowedPrints: make(map[string]struct{}, len(opts.AllowedThumbprints)),
	}
	for _, tp := range opts.AllowedThumbprints {
		s.allowedPrints[strings.ToLower(tp)] = struct{}{}
	}

	data, err := os.ReadFile(opts.PFXPath)
	switch {
	case err == nil:
		if err := s.loadPFX(data); err != nil {
			return nil, err
		}
	case os.IsNotExist(err):
		if err := s.generate(); err != nil {
			return nil, err
		}
	default:
		return nil, err
	}
	return s, nil
}

func (s *Store) loadPFX(data []byte) error {
	key, leaf, chain, err := pkcs12.DecodeChain(data, s.opts.Passphrase)
	if err != nil {
		return fmt.Errorf("decode %s: %w", s.opts.PFXPath, err)
	}
	cert := tls.Certificate{PrivateKey: key, Leaf: leaf, Certificate: [][]byte{leaf.Raw}}
	for _, c := range chain {
		cert.Certificate = append(cert.Certificate, c.Raw)
	}
	s.cert = cert
	s.leaf = leaf
	return nil
}

// generate creates the self-signed identity: RSA-2048, CN and DNS SAN from
// the configured subject, server-auth EKU, valid from a day ago to a year
// out. The container and the DER export land next to the working directory.
func (s *Store) generate() error {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return fmt.Errorf("generate private key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return fmt.Errorf("generate serial: %w", err)
	}

	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName: s.opts.Subject,
		},
		NotBefore:             time.Now().Add(-24 * time.Hour),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  false,
		DNSNames:              []string{s.opts.Subject},
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("create certificate: %w", err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return err
	}

	pfx, err := pkcs12.Modern.Encode(key, leaf, nil, s.opts.Passphrase)
	if err != nil {
		return fmt.Errorf("encode pfx: %w", err)
	}
	if err := os.WriteFile(s.opts.PFXPath, pfx, 0o600); err != nil {
		return err
	}
	if s.opts.CERPath != "" {
		if err := os.WriteFile(s.opts.CERPath, der, 0o644); err != nil {
			return err
		}
	}

	s.cert = tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key, Leaf: leaf}
	s.leaf = leaf
	if s.logger != nil {
		s.logger.Info("generated self-signed server certificate")
	}
	return nil
}

// ServerTLSConfig builds the listener config. With client certs required,
// the allow-list callback decides.
func (s *Store) ServerTLSConfig(requireClientCert bool) *tls.Config {
	cfg := &tls.Config{
		Certificates: []tls.Certificate{s.cert},
		MinVersion:   tls.VersionTLS12,
	}
	if requireClientCert {
		cfg.ClientAuth = tls.RequireAnyClientCert
		cfg.VerifyPeerCertificate = s.VerifyClient
	}
	return cfg
}

// NotAfter reports the server certificate's expiry.
func (s *Store) NotAfter() time.Time {
	if s.leaf == nil {
		return time.Time{}
	}
	return s.leaf.NotAfter
}

// Thumbprint returns the server certificate's SHA-1 thumbprint.
func (s *Store) Thumbprint() string {
	if s.leaf == nil {
		return ""
	}
	return Thumbprint(s.leaf.Raw)
}

// Thumbprint computes the canonical lower-case hex SHA-1 of a DER
// certificate.
func Thumbprint(der []byte) string {
	sum := sha1.Sum(der)
	return hex.EncodeToString(sum[:])
}

// VerifyClient is the peer-certificate callback: the peer must present a
// certificate whose thumbprint is allow-listed; outside dev mode its chain
// must verify cleanly, its subject must be allowed and it must be unexpired.
// Dev mode tolerates exactly an untrusted root and logs thumbprint
// mismatches without rejecting.
func (s *Store) VerifyClient(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	if len(rawCerts) == 0 {
		return fmt.Errorf("%w: no client certificate", ErrValidationFailed)
	}
	leaf, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrValidationFailed, err)
	}

	tp := Thumbprint(leaf.Raw)
	if _, ok := s.allowedPrints[tp]; !ok {
		if !s.opts.DevMode {
			return fmt.Errorf("%w: thumbprint %s not allowed", ErrValidationFailed, tp)
		}
		if s.logger != nil {
			s.logger.Warn(fmt.Sprintf("dev mode: unlisted client thumbprint %s accepted", tp))
		}
	}

	intermediates := x509.NewCertPool()
	for _, raw := range rawCerts[1:] {
		if c, err := x509.ParseCertificate(raw); err == nil {
			intermediates.AddCert(c)
		}
	}
	_, verifyErr := leaf.Verify(x509.VerifyOptions{
		Intermediates: intermediates,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	})

	if s.opts.DevMode {
		// The only tolerated chain state is an untrusted root.
		var unknownAuthority x509.UnknownAuthorityError
		if verifyErr != nil && !errors.As(verifyErr, &unknownAuthority) {
			return fmt.Errorf("%w: %v", ErrValidationFailed, verifyErr)
		}
		return nil
	}

	if verifyErr != nil {
		return fmt.Errorf("%w: %v", ErrValidationFailed, verifyErr)
	}
	if time.Now().After(leaf.NotAfter) {
		return fmt.Errorf("%w: certificate expired %s", ErrValidationFailed, leaf.NotAfter)
	}
	if len(s.opts.AllowedSubjects) > 0 && !subjectAllowed(leaf.Subject.CommonName, s.opts.AllowedSubjects) {
		return fmt.Errorf("%w: subject %q not allowed", ErrValidationFailed, leaf.Subject.CommonName)
	}
	return nil
}

func subjectAllowed(cn string, allowed []string) bool {
	for _, a := range allowed {
		if strings.EqualFold(cn, a) {
			return true
		}
	}
	return false
}

// derivePassphrase produces the deterministic container passphrase used when
// no passphrase is configured, matching the legacy deployment's behavior of
// keying material to the service identity.
func derivePassphrase(subject string) string {
	host, _ := os.Hostname()
	key := argon2.IDKey([]byte(subject+"@"+host), []byte("portlink-pfx"), 1, 64*1024, 4, 32)
	return hex.EncodeToString(key)
}
