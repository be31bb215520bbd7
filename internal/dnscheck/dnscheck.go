// Package dnscheck inspects the DNS records that decide whether merged mail
// is delivered: SPF, DKIM and DMARC of the sender domain and MX of
// recipient domains.
package dnscheck

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"
	"sync"
	"time"
)

// Domain validation errors
var (
	ErrInvalidDomain   = errors.New("invalid domain name")
	ErrInvalidSelector = errors.New("invalid DKIM selector")
)

// domainRegex validates domain name format (RFC 1035)
var domainRegex = regexp.MustCompile(`^(?i)[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?(\.[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?)*$`)

var selectorRegex = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?$`)

// ValidateDomain checks if domain name is valid
func ValidateDomain(domain string) error {
	if domain == "" || len(domain) > 253 || !domainRegex.MatchString(domain) {
		return ErrInvalidDomain
	}
	return nil
}

// ValidateSelector checks if DKIM selector is a valid DNS label
func ValidateSelector(selector string) error {
	if len(selector) > 63 || !selectorRegex.MatchString(selector) {
		return ErrInvalidSelector
	}
	return nil
}

// Resolver is the subset of *net.Resolver used by the checks
type Resolver interface {
	LookupTXT(ctx context.Context, name string) ([]string, error)
	LookupMX(ctx context.Context, name string) ([]*net.MX, error)
}

// Status of a single check
type Status string

const (
	StatusOK       Status = "ok"
	StatusWarning  Status = "warning"
	StatusError    Status = "error"
	StatusNotFound Status = "not_found"
)

// CheckResult represents a single DNS check result
type CheckResult struct {
	Type    string `json:"type"`
	Status  Status `json:"status"`
	Value   string `json:"value,omitempty"`
	Message string `json:"message,omitempty"`
}

// DomainCheckResult contains all DNS check results for a domain
type DomainCheckResult struct {
	Domain  string        `json:"domain"`
	Results []CheckResult `json:"results"`
	Summary Summary       `json:"summary"`
}

// Summary contains check statistics
type Summary struct {
	OK       int `json:"ok"`
	Warnings int `json:"warnings"`
	Errors   int `json:"errors"`
	NotFound int `json:"not_found"`
}

// Passed reports whether no check failed outright
func (s Summary) Passed() bool {
	return s.Errors == 0 && s.NotFound == 0
}

// CheckOptions controls a sender domain check
type CheckOptions struct {
	// Selector is the DKIM selector; the DKIM check is skipped when empty
	Selector string
	// ExpectedDKIM is the TXT value derived from the signing key. When set the
	// published key must match it.
	ExpectedDKIM string
}

// Checker runs DNS checks. MX answers are cached for the checker's lifetime
// bounded by ttl.
type Checker struct {
	resolver Resolver
	ttl      time.Duration
	now      func() time.Time

	mu sync.Mutex
	mx map[string]mxEntry
}

type mxEntry struct {
	accepts   bool
	expiresAt time.Time
}

// NewChecker creates a checker. A nil resolver uses the system resolver.
func NewChecker(resolver Resolver, mxCacheTTL time.Duration) *Checker {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	if mxCacheTTL == 0 {
		mxCacheTTL = 5 * time.Minute
	}
	return &Checker{
		resolver: resolver,
		ttl:      mxCacheTTL,
		now:      time.Now,
		mx:       make(map[string]mxEntry),
	}
}

// CheckDomain runs the MX, SPF, DKIM and DMARC checks for a sender domain
func (c *Checker) CheckDomain(ctx context.Context, domain string, opts CheckOptions) (*DomainCheckResult, error) {
	domain = strings.ToLower(strings.TrimSuffix(domain, "."))
	if err := ValidateDomain(domain); err != nil {
		return nil, err
	}
	if opts.Selector != "" {
		if err := ValidateSelector(opts.Selector); err != nil {
			return nil, err
		}
	}

	result := &DomainCheckResult{Domain: domain}
	result.Results = append(result.Results,
		c.CheckMX(ctx, domain),
		c.CheckSPF(ctx, domain),
	)
	if opts.Selector != "" {
		result.Results = append(result.Results, c.CheckDKIM(ctx, domain, opts.Selector, opts.ExpectedDKIM))
	}
	result.Results = append(result.Results, c.CheckDMARC(ctx, domain))

	for _, r := range result.Results {
		switch r.Status {
		case StatusOK:
			result.Summary.OK++
		case StatusWarning:
			result.Summary.Warnings++
		case StatusError:
			result.Summary.Errors++
		case StatusNotFound:
			result.Summary.NotFound++
		}
	}

	return result, nil
}

// CheckMX checks that the sender domain can receive replies and bounces
func (c *Checker) CheckMX(ctx context.Context, domain string) CheckResult {
	result := CheckResult{Type: "MX Records"}

	records, err := c.resolver.LookupMX(ctx, domain)
	if err != nil {
		return lookupFailure(result, err, "No MX records found, replies and bounces cannot be delivered")
	}
	if len(records) == 0 {
		result.Status = StatusNotFound
		result.Message = "No MX records found, replies and bounces cannot be delivered"
		return result
	}
	if isNullMX(records) {
		result.Status = StatusWarning
		result.Message = "Domain publishes a null MX and accepts no mail"
		return result
	}

	values := make([]string, 0, len(records))
	for _, mx := range records {
		values = append(values, fmt.Sprintf("%s (priority %d)", strings.TrimSuffix(mx.Host, "."), mx.Pref))
	}
	result.Status = StatusOK
	result.Value = strings.Join(values, ", ")
	result.Message = fmt.Sprintf("%d MX record(s) found", len(records))
	return result
}

// CheckSPF checks the SPF record of a domain
func (c *Checker) CheckSPF(ctx context.Context, domain string) CheckResult {
	result := CheckResult{Type: "SPF Record"}
	const missing = "No SPF record found (recommended to add)"

	txtRecords, err := c.resolver.LookupTXT(ctx, domain)
	if err != nil {
		return lookupFailure(result, err, missing)
	}

	var spf []string
	for _, txt := range txtRecords {
		if txt == "v=spf1" || strings.HasPrefix(txt, "v=spf1 ") {
			spf = append(spf, txt)
		}
	}

	switch len(spf) {
	case 0:
		result.Status = StatusNotFound
		result.Message = missing
		return result
	case 1:
	default:
		result.Status = StatusError
		result.Value = strings.Join(spf, " | ")
		result.Message = "Multiple SPF records found, receivers treat this as a permanent error"
		return result
	}

	txt := spf[0]
	result.Status = StatusOK
	result.Value = txt
	switch {
	case strings.Contains(txt, "+all"):
		result.Status = StatusWarning
		result.Message = "SPF uses +all (allows any sender) - consider using ~all or -all"
	case strings.Contains(txt, "-all"):
		result.Message = "SPF configured with strict policy (-all)"
	case strings.Contains(txt, "~all"):
		result.Message = "SPF configured with soft fail (~all)"
	default:
		result.Status = StatusWarning
		result.Message = "SPF record has no all mechanism"
	}
	return result
}

// CheckDKIM checks the DKIM key published under selector. When expected is
// set the published public key must match its p= tag.
func (c *Checker) CheckDKIM(ctx context.Context, domain, selector, expected string) CheckResult {
	result := CheckResult{Type: fmt.Sprintf("DKIM Record (%s._domainkey)", selector)}

	txtRecords, err := c.resolver.LookupTXT(ctx, selector+"._domainkey."+domain)
	if err != nil {
		return lookupFailure(result, err, fmt.Sprintf("No DKIM record found for selector '%s'", selector))
	}

	// Long keys are split over several strings
	record := strings.Join(txtRecords, "")
	result.Value = truncateString(record, 100)
	tags := parseTags(record)

	if v, ok := tags["v"]; ok && v != "DKIM1" {
		result.Status = StatusWarning
		result.Message = "TXT record found but doesn't appear to be a valid DKIM record"
		return result
	}
	pub, ok := tags["p"]
	if !ok {
		result.Status = StatusWarning
		result.Message = "DKIM record missing public key (p=)"
		return result
	}
	if pub == "" {
		result.Status = StatusError
		result.Message = "DKIM key has been revoked (empty p=)"
		return result
	}

	if expected != "" && parseTags(expected)["p"] != pub {
		result.Status = StatusError
		result.Message = "Published key does not match the configured signing key"
		return result
	}

	result.Status = StatusOK
	switch tags["k"] {
	case "ed25519":
		result.Message = "DKIM configured with Ed25519 key"
	default:
		result.Message = "DKIM configured with RSA key"
	}
	return result
}

// CheckDMARC checks the DMARC policy of a domain
func (c *Checker) CheckDMARC(ctx context.Context, domain string) CheckResult {
	result := CheckResult{Type: "DMARC Record"}

	txtRecords, err := c.resolver.LookupTXT(ctx, "_dmarc."+domain)
	if err != nil {
		return lookupFailure(result, err, "No DMARC record found (recommended to add)")
	}

	record := strings.Join(txtRecords, "")
	result.Value = record
	tags := parseTags(record)

	if tags["v"] != "DMARC1" {
		result.Status = StatusWarning
		result.Message = "TXT record found but doesn't appear to be a valid DMARC record"
		return result
	}

	result.Status = StatusOK
	switch tags["p"] {
	case "reject":
		result.Message = "DMARC configured with reject policy (strict)"
	case "quarantine":
		result.Message = "DMARC configured with quarantine policy"
	case "none":
		result.Status = StatusWarning
		result.Message = "DMARC configured with none policy (monitoring only)"
	default:
		result.Status = StatusWarning
		result.Message = "DMARC record has no valid policy (p=)"
	}
	return result
}

// AcceptsMail reports whether a recipient domain publishes a usable MX.
// Answers are cached per domain.
func (c *Checker) AcceptsMail(ctx context.Context, domain string) (bool, error) {
	domain = strings.ToLower(strings.TrimSuffix(domain, "."))
	now := c.now()

	c.mu.Lock()
	entry, ok := c.mx[domain]
	c.mu.Unlock()
	if ok && now.Before(entry.expiresAt) {
		return entry.accepts, nil
	}

	records, err := c.resolver.LookupMX(ctx, domain)
	accepts := false
	if err != nil {
		if !isNotFound(err) {
			return false, fmt.Errorf("MX lookup for %s failed: %w", domain, err)
		}
	} else {
		accepts = len(records) > 0 && !isNullMX(records)
	}

	c.mu.Lock()
	c.mx[domain] = mxEntry{accepts: accepts, expiresAt: now.Add(c.ttl)}
	c.mu.Unlock()

	return accepts, nil
}

// isNullMX reports an RFC 7505 null MX
func isNullMX(records []*net.MX) bool {
	return len(records) == 1 && (records[0].Host == "." || records[0].Host == "")
}

func isNotFound(err error) bool {
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr) && dnsErr.IsNotFound
}

func lookupFailure(result CheckResult, err error, notFound string) CheckResult {
	if isNotFound(err) {
		result.Status = StatusNotFound
		result.Message = notFound
		return result
	}
	result.Status = StatusError
	result.Message = fmt.Sprintf("Lookup failed: %v", err)
	return result
}

// parseTags splits a "k=v; k=v" record. Whitespace inside values is removed
// because long keys are often wrapped.
func parseTags(record string) map[string]string {
	tags := make(map[string]string)
	for _, part := range strings.Split(record, ";") {
		name, value, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		tags[strings.TrimSpace(name)] = strings.Join(strings.Fields(value), "")
	}
	return tags
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
