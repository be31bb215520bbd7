package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/mailmerge/internal/config"
	"github.com/foxzi/mailmerge/internal/dkim"
	"github.com/foxzi/mailmerge/internal/dnscheck"
	"github.com/foxzi/mailmerge/internal/email"
	"github.com/foxzi/mailmerge/internal/record"
)

var dnsCmd = &cobra.Command{
	Use:   "dns",
	Short: "DNS checks for deliverability",
}

var dnsCheckCmd = &cobra.Command{
	Use:   "check [domain]",
	Short: "Check MX, SPF, DKIM and DMARC of the sender domain",
	Long: `Check the DNS records receivers use to authenticate merged mail.
The domain defaults to the sender address domain. With DKIM enabled the
published key is compared with dkim.key_file.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runDNSCheck,
}

var (
	dnsSelector string
	dnsJSON     bool
	dnsTimeout  time.Duration
)

func init() {
	dnsCheckCmd.Flags().StringVarP(&dnsSelector, "selector", "s", "", "DKIM selector (default: dkim.selector)")
	dnsCheckCmd.Flags().BoolVar(&dnsJSON, "json", false, "print the result as JSON")
	dnsCheckCmd.Flags().DurationVar(&dnsTimeout, "timeout", 15*time.Second, "lookup timeout")

	dnsCmd.AddCommand(dnsCheckCmd)
	rootCmd.AddCommand(dnsCmd)
}

func runDNSCheck(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	domain := cfg.SenderDomain()
	if len(args) == 1 {
		domain = args[0]
	}

	opts, err := dnsCheckOptions(cfg, dnsSelector)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), dnsTimeout)
	defer cancel()

	res, err := dnscheck.NewChecker(nil, 0).CheckDomain(ctx, domain, opts)
	if err != nil {
		return err
	}

	if dnsJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}
	} else {
		printDomainCheck(os.Stdout, res)
	}

	if !res.Summary.Passed() {
		return fmt.Errorf("%d check(s) failed for %s", res.Summary.Errors+res.Summary.NotFound, res.Domain)
	}
	return nil
}

// dnsCheckOptions takes the DKIM selector and expected record from the config
func dnsCheckOptions(cfg *config.Config, selector string) (dnscheck.CheckOptions, error) {
	opts := dnscheck.CheckOptions{Selector: selector}
	if !cfg.DKIM.Enabled {
		return opts, nil
	}
	if opts.Selector == "" {
		opts.Selector = cfg.DKIM.Selector
	}

	key, err := dkim.LoadPrivateKey(cfg.ResolvePath(cfg.DKIM.KeyFile))
	if err != nil {
		return opts, fmt.Errorf("failed to load DKIM key: %w", err)
	}
	kp := &dkim.KeyPair{PrivateKey: key, Domain: cfg.DKIM.Domain, Selector: opts.Selector}
	opts.ExpectedDKIM = kp.DNSRecord()
	return opts, nil
}

func printDomainCheck(w io.Writer, res *dnscheck.DomainCheckResult) {
	fmt.Fprintf(w, "DNS check for %s\n\n", res.Domain)
	for _, r := range res.Results {
		fmt.Fprintf(w, "[%s] %s\n", r.Status, r.Type)
		if r.Value != "" {
			fmt.Fprintf(w, "    %s\n", r.Value)
		}
		if r.Message != "" {
			fmt.Fprintf(w, "    %s\n", r.Message)
		}
	}
	fmt.Fprintf(w, "\nok: %d  warnings: %d  errors: %d  not found: %d\n",
		res.Summary.OK, res.Summary.Warnings, res.Summary.Errors, res.Summary.NotFound)
}

// checkRecipientDomains reports recipients whose domain has no usable MX and
// returns how many recipients are affected
func checkRecipientDomains(ctx context.Context, w io.Writer, checker *dnscheck.Checker, records []*record.Record, emailField string) int {
	byDomain := make(map[string][]int)
	for i, rec := range records {
		addr, _ := rec.Get(emailField)
		rcpt, err := email.ParseRecipient(addr)
		if err != nil {
			continue
		}
		domain := email.ExtractDomain(rcpt.Address)
		byDomain[domain] = append(byDomain[domain], i)
	}

	domains := make([]string, 0, len(byDomain))
	for d := range byDomain {
		domains = append(domains, d)
	}
	sort.Strings(domains)

	affected := 0
	for _, d := range domains {
		ok, err := checker.AcceptsMail(ctx, d)
		switch {
		case err != nil:
			fmt.Fprintf(w, "  %s: %v (%d recipients)\n", d, err, len(byDomain[d]))
			affected += len(byDomain[d])
		case !ok:
			fmt.Fprintf(w, "  %s: no MX, %d recipients undeliverable %v\n", d, len(byDomain[d]), byDomain[d])
			affected += len(byDomain[d])
		}
	}
	return affected
}
