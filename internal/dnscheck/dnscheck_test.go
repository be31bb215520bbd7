package dnscheck

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"
)

type fakeResolver struct {
	txt     map[string][]string
	mx      map[string][]*net.MX
	fail    map[string]error
	mxCalls int
}

func notFound(name string) error {
	return &net.DNSError{Err: "no such host", Name: name, IsNotFound: true}
}

func (f *fakeResolver) LookupTXT(ctx context.Context, name string) ([]string, error) {
	if err := f.fail[name]; err != nil {
		return nil, err
	}
	if v, ok := f.txt[name]; ok {
		return v, nil
	}
	return nil, notFound(name)
}

func (f *fakeResolver) LookupMX(ctx context.Context, name string) ([]*net.MX, error) {
	f.mxCalls++
	if err := f.fail[name]; err != nil {
		return nil, err
	}
	if v, ok := f.mx[name]; ok {
		return v, nil
	}
	return nil, notFound(name)
}

const testKey = "MCowBQYDK2VwAyEAexample"

func healthyResolver() *fakeResolver {
	return &fakeResolver{
		txt: map[string][]string{
			"example.com":                    {"google-site-verification=abc", "v=spf1 include:_spf.example.net -all"},
			"mail._domainkey.example.com":    {"v=DKIM1; k=ed25519; ", "p=" + testKey},
			"_dmarc.example.com":             {"v=DMARC1; p=reject; rua=mailto:dmarc@example.com"},
			"sloppy.example":                 {"v=spf1 +all"},
			"_dmarc.sloppy.example":          {"v=DMARC1; p=none"},
			"mail._domainkey.sloppy.example": {"v=DKIM1; k=rsa; p="},
			"twice.example":                  {"v=spf1 -all", "v=spf1 ~all"},
			"mail._domainkey.twice.example":  {"not a dkim record"},
			"_dmarc.twice.example":           {"hello"},
		},
		mx: map[string][]*net.MX{
			"example.com":    {{Host: "mx1.example.com.", Pref: 10}},
			"sloppy.example": {{Host: ".", Pref: 0}},
		},
		fail: map[string]error{},
	}
}

func TestValidateDomain(t *testing.T) {
	tests := []struct {
		name    string
		domain  string
		wantErr bool
	}{
		{"valid simple", "example.com", false},
		{"valid subdomain", "sub.example.com", false},
		{"valid with dash", "my-domain.com", false},
		{"empty", "", true},
		{"too long", string(make([]byte, 254)), true},
		{"invalid chars", "example!.com", true},
		{"starts with dash", "-example.com", true},
		{"double dot", "example..com", true},
		{"path injection", "../etc/passwd", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateDomain(tt.domain)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateDomain(%q) error = %v, wantErr %v", tt.domain, err, tt.wantErr)
			}
		})
	}
}

func TestValidateSelector(t *testing.T) {
	tests := []struct {
		selector string
		wantErr  bool
	}{
		{"default", false},
		{"key2024", false},
		{"dkim-key", false},
		{"", true},
		{string(make([]byte, 64)), true},
		{"selector!", true},
		{"-selector", true},
	}

	for _, tt := range tests {
		t.Run(tt.selector, func(t *testing.T) {
			err := ValidateSelector(tt.selector)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateSelector(%q) error = %v, wantErr %v", tt.selector, err, tt.wantErr)
			}
		})
	}
}

func TestCheckDomain(t *testing.T) {
	c := NewChecker(healthyResolver(), 0)

	res, err := c.CheckDomain(context.Background(), "Example.com.", CheckOptions{
		Selector:     "mail",
		ExpectedDKIM: "v=DKIM1; k=ed25519; p=" + testKey,
	})
	if err != nil {
		t.Fatalf("CheckDomain() error = %v", err)
	}
	if res.Domain != "example.com" {
		t.Errorf("Domain = %q, want example.com", res.Domain)
	}
	if len(res.Results) != 4 {
		t.Fatalf("got %d results, want 4", len(res.Results))
	}
	for _, r := range res.Results {
		if r.Status != StatusOK {
			t.Errorf("%s: status = %s (%s), want ok", r.Type, r.Status, r.Message)
		}
	}
	if !res.Summary.Passed() || res.Summary.OK != 4 {
		t.Errorf("Summary = %+v", res.Summary)
	}
}

func TestCheckDomainWithoutSelector(t *testing.T) {
	c := NewChecker(healthyResolver(), 0)

	res, err := c.CheckDomain(context.Background(), "example.com", CheckOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Results) != 3 {
		t.Errorf("got %d results, want 3 without DKIM", len(res.Results))
	}

	if _, err := c.CheckDomain(context.Background(), "bad domain", CheckOptions{}); !errors.Is(err, ErrInvalidDomain) {
		t.Errorf("CheckDomain() error = %v, want ErrInvalidDomain", err)
	}
	if _, err := c.CheckDomain(context.Background(), "example.com", CheckOptions{Selector: "a.b"}); !errors.Is(err, ErrInvalidSelector) {
		t.Errorf("CheckDomain() error = %v, want ErrInvalidSelector", err)
	}
}

func TestChecks(t *testing.T) {
	r := healthyResolver()
	r.fail["broken.example"] = &net.DNSError{Err: "server misbehaving", Name: "broken.example"}
	c := NewChecker(r, 0)
	ctx := context.Background()

	tests := []struct {
		name   string
		result CheckResult
		want   Status
	}{
		{"mx ok", c.CheckMX(ctx, "example.com"), StatusOK},
		{"mx null", c.CheckMX(ctx, "sloppy.example"), StatusWarning},
		{"mx missing", c.CheckMX(ctx, "twice.example"), StatusNotFound},
		{"mx lookup error", c.CheckMX(ctx, "broken.example"), StatusError},
		{"spf strict", c.CheckSPF(ctx, "example.com"), StatusOK},
		{"spf plus all", c.CheckSPF(ctx, "sloppy.example"), StatusWarning},
		{"spf duplicated", c.CheckSPF(ctx, "twice.example"), StatusError},
		{"spf missing", c.CheckSPF(ctx, "nowhere.example"), StatusNotFound},
		{"dkim ok", c.CheckDKIM(ctx, "example.com", "mail", ""), StatusOK},
		{"dkim key mismatch", c.CheckDKIM(ctx, "example.com", "mail", "v=DKIM1; p=other"), StatusError},
		{"dkim revoked", c.CheckDKIM(ctx, "sloppy.example", "mail", ""), StatusError},
		{"dkim garbage", c.CheckDKIM(ctx, "twice.example", "mail", ""), StatusWarning},
		{"dkim missing", c.CheckDKIM(ctx, "example.com", "other", ""), StatusNotFound},
		{"dmarc reject", c.CheckDMARC(ctx, "example.com"), StatusOK},
		{"dmarc none", c.CheckDMARC(ctx, "sloppy.example"), StatusWarning},
		{"dmarc garbage", c.CheckDMARC(ctx, "twice.example"), StatusWarning},
		{"dmarc missing", c.CheckDMARC(ctx, "nowhere.example"), StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.result.Status != tt.want {
				t.Errorf("status = %s (%s), want %s", tt.result.Status, tt.result.Message, tt.want)
			}
		})
	}
}

func TestAcceptsMail(t *testing.T) {
	r := healthyResolver()
	r.fail["broken.example"] = errors.New("timeout")
	c := NewChecker(r, time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	tests := []struct {
		domain  string
		want    bool
		wantErr bool
	}{
		{"example.com", true, false},
		{"EXAMPLE.com", true, false},
		{"sloppy.example", false, false},
		{"nowhere.example", false, false},
		{"broken.example", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.domain, func(t *testing.T) {
			got, err := c.AcceptsMail(ctx, tt.domain)
			if (err != nil) != tt.wantErr {
				t.Fatalf("AcceptsMail() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("AcceptsMail(%q) = %v, want %v", tt.domain, got, tt.want)
			}
		})
	}

	// example.com answered once, then from cache
	calls := r.mxCalls
	if _, err := c.AcceptsMail(ctx, "example.com"); err != nil {
		t.Fatal(err)
	}
	if r.mxCalls != calls {
		t.Errorf("cached lookup hit the resolver")
	}

	now = now.Add(2 * time.Minute)
	if _, err := c.AcceptsMail(ctx, "example.com"); err != nil {
		t.Fatal(err)
	}
	if r.mxCalls != calls+1 {
		t.Errorf("expired entry was not refreshed")
	}
}

func TestParseTags(t *testing.T) {
	tags := parseTags("v=DKIM1; k=rsa; p=MIIB Ijan\n BgkqhkiG;")
	if tags["v"] != "DKIM1" || tags["k"] != "rsa" || tags["p"] != "MIIBIjanBgkqhkiG" {
		t.Errorf("parseTags() = %v", tags)
	}
}
