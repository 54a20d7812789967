package agent

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
	"os"
	"path/filepath"
	"time"
)

// ServerName is the name the agent's certificate is issued for. Clients dial by address and
// present this name, so no DNS entry is needed.
const ServerName = "execgate-agent"

const certLifetime = 7 * 24 * time.Hour

// Certs holds the CA and the server and client key pairs for mTLS between agent and clients.
// The client key pair is what authorizes shipping units to the agent, so handle it carefully.
type Certs struct {
	CA     Cert
	Server Cert
	Client Cert
}

// Cert is a PEM-encoded certificate and private key.
type Cert struct {
	CertPEMBytes []byte
	KeyPEMBytes  []byte

	x509Cert *x509.Certificate
	key      crypto.Signer
}

func ClientTLSConfig(caCertPEM, certPEM, keyPEM []byte) (*tls.Config, error) {
	pool, cert, err := parseKeyPair(caCertPEM, certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing client key pair: %w", err)
	}
	return &tls.Config{
		RootCAs:      pool,
		Certificates: []tls.Certificate{cert},
		ServerName:   ServerName,
	}, nil
}

func ServerTLSConfig(caCertPEM, certPEM, keyPEM []byte) (*tls.Config, error) {
	pool, cert, err := parseKeyPair(caCertPEM, certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing server key pair: %w", err)
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS13,
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		Certificates: []tls.Certificate{cert},
	}, nil
}

func parseKeyPair(caCertPEM, certPEM, keyPEM []byte) (*x509.CertPool, tls.Certificate, error) {
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCertPEM) {
		return nil, tls.Certificate{}, errors.New("no CA certificate found in PEM")
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, tls.Certificate{}, err
	}
	return pool, cert, nil
}

func serialNumber() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return nil, fmt.Errorf("getting random serial number: %w", err)
	}
	return n, nil
}

// issue creates a key and a certificate from template, signed by parent, or self-signed if parent is nil.
func issue(template *x509.Certificate, parent *Cert) (Cert, error) {
	serial, err := serialNumber()
	if err != nil {
		return Cert{}, err
	}
	template.SerialNumber = serial
	template.NotBefore = time.Now().Add(-time.Minute)
	template.NotAfter = time.Now().Add(certLifetime)

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return Cert{}, fmt.Errorf("generating key: %w", err)
	}
	signerCert, signerKey := template, crypto.Signer(key)
	if parent != nil {
		signerCert, signerKey = parent.x509Cert, parent.key
	}
	der, err := x509.CreateCertificate(rand.Reader, template, signerCert, &key.PublicKey, signerKey)
	if err != nil {
		return Cert{}, fmt.Errorf("creating certificate for %s: %w", template.Subject.CommonName, err)
	}
	parsed, err := x509.ParseCertificate(der)
	if err != nil {
		return Cert{}, fmt.Errorf("parsing certificate: %w", err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return Cert{}, fmt.Errorf("marshaling PKCS8 key: %w", err)
	}
	return Cert{
		CertPEMBytes: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		KeyPEMBytes:  pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}),
		x509Cert:     parsed,
		key:          key,
	}, nil
}

// GenerateCerts creates a fresh CA with one server and one client certificate, valid for a week.
func GenerateCerts() (*Certs, error) {
	ca, err := issue(&x509.Certificate{
		Subject:               pkix.Name{CommonName: "execgate CA"},
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("building CA cert: %w", err)
	}

	leaf := func(cn string) *x509.Certificate {
		return &x509.Certificate{
			Subject:     pkix.Name{CommonName: cn},
			DNSNames:    []string{ServerName},
			KeyUsage:    x509.KeyUsageDigitalSignature,
			ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		}
	}
	server, err := issue(leaf(ServerName), &ca)
	if err != nil {
		return nil, fmt.Errorf("building server cert: %w", err)
	}
	client, err := issue(leaf("execgate-client"), &ca)
	if err != nil {
		return nil, fmt.Errorf("building client cert: %w", err)
	}
	return &Certs{CA: ca, Server: server, Client: client}, nil
}

var certFiles = []struct {
	name string
	get  func(c *Certs) *[]byte
}{
	{"ca.pem", func(c *Certs) *[]byte { return &c.CA.CertPEMBytes }},
	{"server.pem", func(c *Certs) *[]byte { return &c.Server.CertPEMBytes }},
	{"server-key.pem", func(c *Certs) *[]byte { return &c.Server.KeyPEMBytes }},
	{"client.pem", func(c *Certs) *[]byte { return &c.Client.CertPEMBytes }},
	{"client-key.pem", func(c *Certs) *[]byte { return &c.Client.KeyPEMBytes }},
}

// WriteFiles writes the certificates and keys into dir. The CA key is not written.
func (c *Certs) WriteFiles(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	for _, f := range certFiles {
		if err := os.WriteFile(filepath.Join(dir, f.name), *f.get(c), 0o600); err != nil {
			return fmt.Errorf("writing %s: %w", f.name, err)
		}
	}
	return nil
}

// LoadCerts reads certificates written by WriteFiles.
func LoadCerts(dir string) (*Certs, error) {
	c := &Certs{}
	for _, f := range certFiles {
		b, err := os.ReadFile(filepath.Join(dir, f.name))
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", f.name, err)
		}
		*f.get(c) = b
	}
	return c, nil
}
