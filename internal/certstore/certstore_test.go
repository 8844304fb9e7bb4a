package certstore

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func openTestStore(t *testing.T, opts Options) *Store {
	t.Helper()
	dir := t.TempDir()
	if opts.PFXPath == "" {
		opts.PFXPath = filepath.Join(dir, "server.pfx")
	}
	if opts.CERPath == "" {
		opts.CERPath = filepath.Join(dir, "server.cer")
	}
	if opts.Passphrase == "" {
		opts.Passphrase = "test-pass"
	}
	s, err := Open(opts, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func selfSignedClient(t *testing.T, cn string, notAfter time.Time) []byte {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	template := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	return der
}

func TestOpen_GeneratesAndPersists(t *testing.T) {
	dir := t.TempDir()
	opts := Options{
		PFXPath:    filepath.Join(dir, "server.pfx"),
		CERPath:    filepath.Join(dir, "server.cer"),
		Passphrase: "secret",
		Subject:    "portlink-test",
	}
	s, err := Open(opts, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if _, err := os.Stat(opts.PFXPath); err != nil {
		t.Fatal("server.pfx not persisted")
	}
	cer, err := os.ReadFile(opts.CERPath)
	if err != nil {
		t.Fatal("server.cer not exported")
	}
	leaf, err := x509.ParseCertificate(cer)
	if err != nil {
		t.Fatalf("server.cer is not DER: %v", err)
	}
	if leaf.Subject.CommonName != "portlink-test" {
		t.Errorf("CN = %q", leaf.Subject.CommonName)
	}
	if leaf.IsCA {
		t.Error("leaf must not be a CA")
	}
	if len(leaf.DNSNames) == 0 || leaf.DNSNames[0] != "portlink-test" {
		t.Errorf("SANs = %v", leaf.DNSNames)
	}
	if !leaf.NotAfter.After(time.Now().Add(300 * 24 * time.Hour)) {
		t.Errorf("NotAfter too soon: %v", leaf.NotAfter)
	}

	// Reopen: same identity comes back from the container.
	again, err := Open(opts, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if again.Thumbprint() != s.Thumbprint() {
		t.Error("reload produced a different identity")
	}
}

func TestOpen_WrongPassphraseFails(t *testing.T) {
	dir := t.TempDir()
	opts := Options{PFXPath: filepath.Join(dir, "server.pfx"), Passphrase: "right"}
	if _, err := Open(opts, nil); err != nil {
		t.Fatal(err)
	}
	opts.Passphrase = "wrong"
	if _, err := Open(opts, nil); err == nil {
		t.Fatal("expected decode failure with wrong passphrase")
	}
}

func TestVerifyClient_NoCertificate(t *testing.T) {
	s := openTestStore(t, Options{})
	if err := s.VerifyClient(nil, nil); !errors.Is(err, ErrValidationFailed) {
		t.Fatalf("expected validation failure, got %v", err)
	}
}

func TestVerifyClient_ThumbprintGate(t *testing.T) {
	client := selfSignedClient(t, "edge-client", time.Now().Add(time.Hour))
	tp := Thumbprint(client)

	// Unlisted thumbprint rejects outside dev mode.
	s := openTestStore(t, Options{})
	if err := s.VerifyClient([][]byte{client}, nil); !errors.Is(err, ErrValidationFailed) {
		t.Fatalf("unlisted thumbprint accepted: %v", err)
	}

	// Allow-listed (case-insensitive) but self-signed: clean-chain rule still
	// rejects outside dev mode.
	s = openTestStore(t, Options{AllowedThumbprints: []string{strings.ToUpper(tp)}})
	if err := s.VerifyClient([][]byte{client}, nil); !errors.Is(err, ErrValidationFailed) {
		t.Fatalf("self-signed chain accepted outside dev mode: %v", err)
	}

	// Dev mode tolerates exactly the untrusted root.
	s = openTestStore(t, Options{DevMode: true, AllowedThumbprints: []string{tp}})
	if err := s.VerifyClient([][]byte{client}, nil); err != nil {
		t.Fatalf("dev mode rejected untrusted root: %v", err)
	}
}

func TestVerifyClient_DevModeLogsUnlistedThumbprint(t *testing.T) {
	client := selfSignedClient(t, "edge-client", time.Now().Add(time.Hour))
	s := openTestStore(t, Options{DevMode: true})
	if err := s.VerifyClient([][]byte{client}, nil); err != nil {
		t.Fatalf("dev mode must not reject on thumbprint mismatch: %v", err)
	}
}

func TestVerifyClient_ExpiredRejectsInDevMode(t *testing.T) {
	expired := selfSignedClient(t, "edge-client", time.Now().Add(-time.Hour))
	tp := Thumbprint(expired)
	s := openTestStore(t, Options{DevMode: true, AllowedThumbprints: []string{tp}})
	// An expired self-signed cert fails verification with more than just
	// UntrustedRoot; dev mode must still reject it.
	if err := s.VerifyClient([][]byte{expired}, nil); !errors.Is(err, ErrValidationFailed) {
		t.Fatalf("expired certificate accepted in dev mode: %v", err)
	}
}

func TestServerTLSConfig(t *testing.T) {
	s := openTestStore(t, Options{})
	cfg := s.ServerTLSConfig(false)
	if len(cfg.Certificates) != 1 || cfg.VerifyPeerCertificate != nil {
		t.Error("plain server config malformed")
	}
	cfg = s.ServerTLSConfig(true)
	if cfg.VerifyPeerCertificate == nil {
		t.Error("client-cert config missing verify callback")
	}
}
