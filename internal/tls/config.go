// Package tls builds server TLS configurations for the HTTP API, either from
// certificate files or from Let's Encrypt.
package tls

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"time"
)

// ExpiryWarning is how close to expiry a certificate starts being reported
const ExpiryWarning = 14 * 24 * time.Hour

// LoadCertificate loads a TLS certificate from PEM files
func LoadCertificate(certFile, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS certificate: %w", err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// CertificateInfo describes a served certificate
type CertificateInfo struct {
	Domain    string
	Issuer    string
	NotBefore time.Time
	NotAfter  time.Time
	DNSNames  []string
}

// DaysLeft returns the whole days until the certificate expires
func (c CertificateInfo) DaysLeft(now time.Time) int {
	return int(c.NotAfter.Sub(now).Hours() / 24)
}

// ExpiresSoon reports whether the certificate is inside the warning window
func (c CertificateInfo) ExpiresSoon(now time.Time) bool {
	return c.NotAfter.Sub(now) < ExpiryWarning
}

// ReadCertificateInfo reads the leaf certificate of a PEM file
func ReadCertificateInfo(certFile string) (*CertificateInfo, error) {
	data, err := os.ReadFile(certFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read certificate file: %w", err)
	}
	return parsePEMInfo(data)
}

// parsePEMInfo returns the info of the first CERTIFICATE block in data
func parsePEMInfo(data []byte) (*CertificateInfo, error) {
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			return nil, fmt.Errorf("no certificate found in PEM data")
		}
		if block.Type != "CERTIFICATE" {
			continue
		}

		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse certificate: %w", err)
		}
		return infoFromCertificate(cert), nil
	}
}

func infoFromCertificate(cert *x509.Certificate) *CertificateInfo {
	return &CertificateInfo{
		Domain:    cert.Subject.CommonName,
		Issuer:    cert.Issuer.CommonName,
		NotBefore: cert.NotBefore,
		NotAfter:  cert.NotAfter,
		DNSNames:  cert.DNSNames,
	}
}
