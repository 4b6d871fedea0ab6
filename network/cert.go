package network

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"net"
	"time"
)

var errFingerprintMismatch = errors.New("certificate fingerprint mismatch")

// GenerateSelfSignedCert creates the certificate a host presents to the
// participants of its session, together with the hex encoded SHA-256
// fingerprint of its DER encoding.
func GenerateSelfSignedCert(host string) (tls.Certificate, string, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, "", err
	}
	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, "", err
	}
	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"Quick Decision"},
		},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().AddDate(0, 0, 1),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	if ip := net.ParseIP(host); ip != nil {
		template.IPAddresses = []net.IP{ip}
	} else if host != "" {
		template.DNSNames = []string{host}
	}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, "", err
	}
	cert := tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  priv,
	}
	return cert, Fingerprint(certDER), nil
}

// Fingerprint returns the hex encoded SHA-256 digest of a DER certificate.
func Fingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])
}

// pinnedTLSConfig trusts exactly the certificate with the given fingerprint.
// With an empty fingerprint any certificate is accepted: the link is still
// encrypted but the host is trusted on first use.
func pinnedTLSConfig(fingerprint string) *tls.Config {
	return &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: true,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if fingerprint == "" {
				return nil
			}
			if len(rawCerts) == 0 {
				return errFingerprintMismatch
			}
			expected, err := hex.DecodeString(fingerprint)
			if err != nil {
				return fmt.Errorf("invalid fingerprint: %w", err)
			}
			actual := sha256.Sum256(rawCerts[0])
			if !bytes.Equal(expected, actual[:]) {
				return errFingerprintMismatch
			}
			return nil
		},
	}
}
