// Package mitm terminates TLS for intercepted hosts. It keeps a local CA,
// signs leaf certificates on demand and serves the decrypted HTTP/1.1 or
// HTTP/2 traffic through an http.Handler.
package mitm

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"pseudonymizing-proxy/internal/logger"
)

const (
	maxLeafCache  = 10_000
	leafLifetime  = 7 * 24 * time.Hour
	leafMinRemain = time.Hour
	caLifetime    = 10 * 365 * 24 * time.Hour
)

// CA signs leaf certificates for intercepted hosts.
type CA struct {
	cert *x509.Certificate
	key  crypto.Signer
	log  *logger.Logger

	mu     sync.RWMutex
	leaves map[string]*tls.Certificate
	group  singleflight.Group
}

// LoadOrGenerateCA loads the CA from certFile and keyFile, creating both
// when neither exists. Files that exist but do not parse are an error.
func LoadOrGenerateCA(certFile, keyFile string, log *logger.Logger) (*CA, error) {
	if log == nil {
		log = logger.New("MITM", "info")
	}
	ca, err := LoadCA(certFile, keyFile)
	if err == nil {
		ca.log = log
		log.Infof("ca", "loaded CA %q from %s", ca.cert.Subject.CommonName, certFile)
		return ca, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load CA: %w", err)
	}

	log.Info("ca", "no CA found, generating one")
	if err := GenerateCA(certFile, keyFile); err != nil {
		return nil, fmt.Errorf("generate CA: %w", err)
	}
	if ca, err = LoadCA(certFile, keyFile); err != nil {
		return nil, fmt.Errorf("load generated CA: %w", err)
	}
	ca.log = log
	log.Infof("ca", "generated %s; add it to the trust store to enable interception", certFile)
	log.Infof("ca", "  macOS:   security add-trusted-cert -d -r trustRoot -k ~/Library/Keychains/login.keychain %s", certFile)
	log.Infof("ca", "  Linux:   sudo cp %s /usr/local/share/ca-certificates/pseudonymizing-proxy.crt && sudo update-ca-certificates", certFile)
	log.Infof("ca", "  Windows: certutil -addstore Root %s", certFile)
	return ca, nil
}

// LoadCA reads a PEM certificate and a PEM private key. PKCS#1, PKCS#8 and
// SEC 1 keys are accepted.
func LoadCA(certFile, keyFile string) (*CA, error) {
	certPEM, err := os.ReadFile(certFile)
	if err != nil {
		return nil, err
	}
	keyPEM, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, err
	}

	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, fmt.Errorf("%s: no PEM block", certFile)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse CA cert: %w", err)
	}
	if !cert.IsCA {
		return nil, fmt.Errorf("%s is not a CA certificate", certFile)
	}

	block, _ = pem.Decode(keyPEM)
	if block == nil {
		return nil, fmt.Errorf("%s: no PEM block", keyFile)
	}
	key, err := parseKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse CA key: %w", err)
	}

	return &CA{
		cert:   cert,
		key:    key,
		log:    logger.New("MITM", "info"),
		leaves: make(map[string]*tls.Certificate),
	}, nil
}

func parseKey(der []byte) (crypto.Signer, error) {
	if k, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return k, nil
	}
	if k, err := x509.ParseECPrivateKey(der); err == nil {
		return k, nil
	}
	k, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, errors.New("not a PKCS#1, PKCS#8 or EC private key")
	}
	signer, ok := k.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("unsupported key type %T", k)
	}
	return signer, nil
}

// GenerateCA writes a new self-signed P-256 CA to certFile and keyFile,
// both with mode 0600.
func GenerateCA(certFile, keyFile string) error {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	serial, err := newSerial()
	if err != nil {
		return err
	}
	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   "Pseudonymizing Proxy Local CA",
			Organization: []string{"Pseudonymizing Proxy"},
		},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(caLifetime),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLenZero:        true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("create CA cert: %w", err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return fmt.Errorf("marshal CA key: %w", err)
	}

	if err := writePEM(certFile, "CERTIFICATE", der); err != nil {
		return err
	}
	return writePEM(keyFile, "PRIVATE KEY", keyDER)
}

func writePEM(path, blockType string, der []byte) error {
	data := pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func newSerial() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}
	return serial, nil
}

// Certificate returns the CA certificate.
func (ca *CA) Certificate() *x509.Certificate { return ca.cert }

// CertFor returns a leaf certificate for host, signing a new one when none
// is cached or the cached one expires within the hour. Concurrent calls
// for the same host share one signing operation.
func (ca *CA) CertFor(host string) (*tls.Certificate, error) {
	ca.mu.RLock()
	leaf, ok := ca.leaves[host]
	ca.mu.RUnlock()
	if ok && time.Until(leaf.Leaf.NotAfter) > leafMinRemain {
		return leaf, nil
	}

	v, err, _ := ca.group.Do(host, func() (any, error) {
		return ca.sign(host)
	})
	if err != nil {
		ca.log.Errorf("cert", "signing leaf for %s: %v", host, err)
		return nil, err
	}
	return v.(*tls.Certificate), nil
}

func (ca *CA) sign(host string) (*tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate leaf key: %w", err)
	}
	serial, err := newSerial()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: host},
		NotBefore:    now.Add(-time.Minute),
		NotAfter:     now.Add(leafLifetime),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	if ip := net.ParseIP(host); ip != nil {
		tmpl.IPAddresses = []net.IP{ip}
	} else {
		tmpl.DNSNames = []string{host}
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca.cert, &key.PublicKey, ca.key)
	if err != nil {
		return nil, fmt.Errorf("sign leaf: %w", err)
	}
	parsed, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse leaf: %w", err)
	}
	leaf := &tls.Certificate{
		Certificate: [][]byte{der, ca.cert.Raw},
		PrivateKey:  key,
		Leaf:        parsed,
	}

	ca.mu.Lock()
	if len(ca.leaves) >= maxLeafCache {
		ca.leaves = make(map[string]*tls.Certificate)
	}
	ca.leaves[host] = leaf
	ca.mu.Unlock()

	ca.log.Debugf("cert", "signed leaf for %s, expires %s", host, parsed.NotAfter.Format(time.RFC3339))
	return leaf, nil
}

// TLSConfig returns a server config presenting a leaf for host and
// offering h2 and http/1.1.
func (ca *CA) TLSConfig(host string) *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		NextProtos: []string{"h2", "http/1.1"},
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			return ca.CertFor(host)
		},
	}
}
