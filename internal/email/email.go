// Package email provides address helpers shared by the builder, the mailer and the configuration.
package email

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"
)

// ErrNoDomain is returned for an address without a domain part
var ErrNoDomain = errors.New("address has no domain")

// ExtractDomain extracts the domain part from an email address.
// Returns empty string if the email is invalid.
func ExtractDomain(email string) string {
	addr, err := mail.ParseAddress(email)
	if err != nil {
		// Try simple extraction for malformed addresses
		return domainPart(email)
	}
	return domainPart(addr.Address)
}

// ExtractDomainOrDefault extracts the domain part from an email address.
// Returns the provided default value if the email is invalid or domain is empty.
func ExtractDomainOrDefault(email, defaultDomain string) string {
	domain := ExtractDomain(email)
	if domain == "" {
		return defaultDomain
	}
	return domain
}

// ParseRecipient parses a recipient field value such as "a@example.com" or
// "Alice <a@example.com>". The domain of the returned address is lowercased.
func ParseRecipient(value string) (*mail.Address, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, fmt.Errorf("empty address")
	}

	addr, err := mail.ParseAddress(value)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", value, err)
	}

	domain := domainPart(addr.Address)
	if domain == "" {
		return nil, fmt.Errorf("invalid address %q: %w", value, ErrNoDomain)
	}
	at := strings.LastIndex(addr.Address, "@")
	addr.Address = addr.Address[:at+1] + domain

	return addr, nil
}

func domainPart(address string) string {
	at := strings.LastIndex(address, "@")
	if at <= 0 || at == len(address)-1 {
		return ""
	}
	return strings.ToLower(address[at+1:])
}
