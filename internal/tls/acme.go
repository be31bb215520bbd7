package tls

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/crypto/acme/autocert"
)

// ACMEManager obtains and renews API certificates from Let's Encrypt
type ACMEManager struct {
	manager *autocert.Manager
	cache   autocert.Cache
	domains []string
}

// NewACMEManager creates a manager restricted to domains, caching
// certificates in cacheDir
func NewACMEManager(email string, domains []string, cacheDir string) *ACMEManager {
	cache := autocert.DirCache(cacheDir)
	return &ACMEManager{
		manager: &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			Email:      email,
			HostPolicy: autocert.HostWhitelist(domains...),
			Cache:      cache,
		},
		cache:   cache,
		domains: domains,
	}
}

// Domains returns the configured domains
func (a *ACMEManager) Domains() []string {
	return a.domains
}

// TLSConfig returns the server configuration that fetches certificates on demand
func (a *ACMEManager) TLSConfig() *tls.Config {
	cfg := a.manager.TLSConfig()
	cfg.MinVersion = tls.VersionTLS12
	return cfg
}

// HTTPHandler answers HTTP-01 challenges and redirects everything else to HTTPS
func (a *ACMEManager) HTTPHandler() http.Handler {
	return a.manager.HTTPHandler(http.HandlerFunc(redirectHTTPS))
}

func redirectHTTPS(w http.ResponseWriter, r *http.Request) {
	target := "https://" + r.Host + r.URL.Path
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}
	http.Redirect(w, r, target, http.StatusMovedPermanently)
}

// CachedCertificates reads certificates from the cache without contacting
// Let's Encrypt. Domains with no cached certificate are left out.
func (a *ACMEManager) CachedCertificates(ctx context.Context) ([]CertificateInfo, error) {
	var results []CertificateInfo

	for _, domain := range a.domains {
		data, err := a.cache.Get(ctx, domain)
		if errors.Is(err, autocert.ErrCacheMiss) {
			continue
		}
		if err != nil {
			return results, fmt.Errorf("failed to read cached certificate for %s: %w", domain, err)
		}

		// autocert stores the private key followed by the chain
		info, err := parsePEMInfo(data)
		if err != nil {
			return results, fmt.Errorf("cached certificate for %s: %w", domain, err)
		}
		info.Domain = domain
		results = append(results, *info)
	}

	return results, nil
}
