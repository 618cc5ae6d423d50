package proxy

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	// DefaultCAOrganization is the organization name on generated roots.
	DefaultCAOrganization = "snoopwire Local CA"
	// DefaultCAValidityDays is the validity period for a generated root.
	DefaultCAValidityDays = 3650 // 10 years
	// DefaultKeyBits is the RSA key size for root and leaf keys.
	DefaultKeyBits = 2048
	// leafValidityDays is the validity period for per-host leaf certs.
	leafValidityDays = 365
)

// CA issues per-host leaf certificates signed by a root certificate,
// generating and persisting the root on first use. Issued leaves are
// cached for the lifetime of the root: clients pin the leaf for the
// duration of a browsing session, so an evicting cache would force
// new handshakes mid-session.
type CA struct {
	mu sync.RWMutex

	rootCert   *x509.Certificate
	rootKey    *rsa.PrivateKey
	rootDigest string
	certPath   string
	keyPath    string

	cacheMu sync.Mutex
	cache   map[string]*tls.Certificate
}

// NewCA creates a CA backed by the given PEM file paths.
func NewCA(certPath, keyPath string) *CA {
	return &CA{
		certPath: certPath,
		keyPath:  keyPath,
		cache:    make(map[string]*tls.Certificate),
	}
}

// CertPath returns the path to the root certificate file.
func (c *CA) CertPath() string {
	return c.certPath
}

// KeyPath returns the path to the root private key file.
func (c *CA) KeyPath() string {
	return c.keyPath
}

// Exists checks whether both the root certificate and key are on disk.
func (c *CA) Exists() bool {
	_, certErr := os.Stat(c.certPath)
	_, keyErr := os.Stat(c.keyPath)
	return certErr == nil && keyErr == nil
}

// Ensure loads an existing root or generates a new one.
func (c *CA) Ensure() error {
	if c.Exists() {
		return c.Load()
	}
	return c.Generate()
}

// Generate creates a new self-signed root and writes it to disk.
func (c *CA) Generate() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	key, err := rsa.GenerateKey(rand.Reader, DefaultKeyBits)
	if err != nil {
		return fmt.Errorf("%w: generating root key: %v", ErrCertGeneration, err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCertGeneration, err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{DefaultCAOrganization},
			CommonName:   DefaultCAOrganization,
		},
		NotBefore:             now,
		NotAfter:              now.AddDate(0, 0, DefaultCAValidityDays),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            0,
		MaxPathLenZero:        true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("%w: signing root: %v", ErrCertGeneration, err)
	}

	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCertGeneration, err)
	}

	if err := os.MkdirAll(filepath.Dir(c.certPath), 0700); err != nil {
		return fmt.Errorf("%w: %v", ErrCertGeneration, err)
	}

	certOut, err := os.Create(c.certPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCertGeneration, err)
	}
	defer func() { _ = certOut.Close() }()

	if err := pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: certDER}); err != nil {
		return fmt.Errorf("%w: writing root cert: %v", ErrCertGeneration, err)
	}

	keyOut, err := os.OpenFile(c.keyPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCertGeneration, err)
	}
	defer func() { _ = keyOut.Close() }()

	keyBytes := x509.MarshalPKCS1PrivateKey(key)
	if err := pem.Encode(keyOut, &pem.Block{Type: "RSA PRIVATE KEY", Bytes: keyBytes}); err != nil {
		return fmt.Errorf("%w: writing root key: %v", ErrCertGeneration, err)
	}

	c.install(cert, key)
	return nil
}

// Load reads the root certificate and key from disk. Unreadable or
// mismatched material is a configuration error: a root whose key does
// not match its certificate would make every leaf handshake fail.
func (c *CA) Load() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	certPEM, err := os.ReadFile(c.certPath)
	if err != nil {
		return fmt.Errorf("%w: reading root cert: %v", ErrConfiguration, err)
	}
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return fmt.Errorf("%w: %s is not PEM", ErrConfiguration, c.certPath)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return fmt.Errorf("%w: parsing root cert: %v", ErrConfiguration, err)
	}

	keyPEM, err := os.ReadFile(c.keyPath)
	if err != nil {
		return fmt.Errorf("%w: reading root key: %v", ErrConfiguration, err)
	}
	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return fmt.Errorf("%w: %s is not PEM", ErrConfiguration, c.keyPath)
	}
	key, err := x509.ParsePKCS1PrivateKey(keyBlock.Bytes)
	if err != nil {
		return fmt.Errorf("%w: parsing root key: %v", ErrConfiguration, err)
	}

	if !key.PublicKey.Equal(cert.PublicKey) {
		return fmt.Errorf("%w: root certificate and key do not match", ErrConfiguration)
	}

	c.install(cert, key)
	return nil
}

// install swaps in a new root and invalidates leaves signed by the old
// one. Caller must hold c.mu.
func (c *CA) install(cert *x509.Certificate, key *rsa.PrivateKey) {
	sum := sha256.Sum256(cert.Raw)
	c.rootCert = cert
	c.rootKey = key
	c.rootDigest = hex.EncodeToString(sum[:])

	c.cacheMu.Lock()
	c.cache = make(map[string]*tls.Certificate)
	c.cacheMu.Unlock()
}

// RootDigest returns the SHA-256 digest of the current root, or ""
// when no root is loaded.
func (c *CA) RootDigest() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rootDigest
}

// RootCertPEM returns the root certificate in PEM format, suitable for
// installing in a client trust store.
func (c *CA) RootCertPEM() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.rootCert == nil {
		return nil, fmt.Errorf("%w: no root loaded", ErrCertGeneration)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: c.rootCert.Raw}), nil
}

// HostCert returns a leaf certificate for host, issuing and caching it
// on first request. host may be a bare hostname or an IP address.
func (c *CA) HostCert(host string) (*tls.Certificate, error) {
	c.cacheMu.Lock()
	if cert, ok := c.cache[host]; ok {
		c.cacheMu.Unlock()
		return cert, nil
	}
	c.cacheMu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	// Double-check after acquiring the signing lock
	c.cacheMu.Lock()
	if cert, ok := c.cache[host]; ok {
		c.cacheMu.Unlock()
		return cert, nil
	}
	c.cacheMu.Unlock()

	if c.rootCert == nil || c.rootKey == nil {
		return nil, fmt.Errorf("%w: no root loaded", ErrCertGeneration)
	}

	key, err := rsa.GenerateKey(rand.Reader, DefaultKeyBits)
	if err != nil {
		return nil, fmt.Errorf("%w: generating key for %s: %v", ErrCertGeneration, host, err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCertGeneration, err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName: host,
		},
		NotBefore:   now,
		NotAfter:    now.AddDate(0, 0, leafValidityDays),
		KeyUsage:    x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	if ip := net.ParseIP(host); ip != nil {
		template.IPAddresses = []net.IP{ip}
	} else {
		template.DNSNames = []string{host}
	}
	// Sign with the root's digest family; a mismatched chain is rejected
	// by some clients.
	template.SignatureAlgorithm = leafSignatureAlgorithm(c.rootCert.SignatureAlgorithm)

	certDER, err := x509.CreateCertificate(rand.Reader, template, c.rootCert, &key.PublicKey, c.rootKey)
	if err != nil {
		return nil, fmt.Errorf("%w: signing leaf for %s: %v", ErrCertGeneration, host, err)
	}

	leaf, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCertGeneration, err)
	}

	cert := &tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  key,
		Leaf:        leaf,
	}

	c.cacheMu.Lock()
	c.cache[host] = cert
	c.cacheMu.Unlock()

	return cert, nil
}

// leafSignatureAlgorithm maps the root's signature algorithm to the one
// used for leaves, so both chain links carry the same digest.
func leafSignatureAlgorithm(root x509.SignatureAlgorithm) x509.SignatureAlgorithm {
	switch root {
	case x509.SHA384WithRSA:
		return x509.SHA384WithRSA
	case x509.SHA512WithRSA:
		return x509.SHA512WithRSA
	default:
		return x509.SHA256WithRSA
	}
}

// CachedLeaves returns the number of issued leaf certificates.
func (c *CA) CachedLeaves() int {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	return len(c.cache)
}
