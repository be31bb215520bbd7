package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/mailmerge/internal/tls"
)

var tlsCmd = &cobra.Command{
	Use:   "tls",
	Short: "API TLS certificate management",
}

var tlsStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show API TLS certificate status",
	Args:  cobra.NoArgs,
	RunE:  runTLSStatus,
}

func init() {
	tlsCmd.AddCommand(tlsStatusCmd)
	rootCmd.AddCommand(tlsCmd)
}

func runTLSStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	apiTLS := cfg.API.TLS
	switch {
	case apiTLS.ACME.Enabled:
		fmt.Println("Mode: ACME (Let's Encrypt)")
		fmt.Printf("Domains: %v\n", apiTLS.ACME.Domains)
		fmt.Printf("Cache: %s\n\n", cfg.ResolvePath(apiTLS.ACME.CacheDir))

		m := tls.NewACMEManager(apiTLS.ACME.Email, apiTLS.ACME.Domains, cfg.ResolvePath(apiTLS.ACME.CacheDir))
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		certs, err := m.CachedCertificates(ctx)
		if err != nil {
			return err
		}
		if len(certs) == 0 {
			fmt.Println("No cached certificates. They are obtained on the first HTTPS request.")
			return nil
		}
		printCertificates(os.Stdout, certs, time.Now())

	case apiTLS.CertFile != "":
		fmt.Println("Mode: certificate file")
		fmt.Printf("Certificate: %s\n\n", cfg.ResolvePath(apiTLS.CertFile))

		info, err := tls.ReadCertificateInfo(cfg.ResolvePath(apiTLS.CertFile))
		if err != nil {
			return err
		}
		printCertificates(os.Stdout, []tls.CertificateInfo{*info}, time.Now())

	default:
		fmt.Println("TLS is not configured, the API is served over plain HTTP")
	}
	return nil
}

// printCertificates writes one status line per certificate
func printCertificates(w io.Writer, certs []tls.CertificateInfo, now time.Time) {
	for _, c := range certs {
		status := "OK"
		switch {
		case c.NotAfter.Before(now):
			status = "EXPIRED"
		case c.ExpiresSoon(now):
			status = "renewal needed"
		}
		fmt.Fprintf(w, "  %s: expires %s (%d days) - %s\n",
			c.Domain, c.NotAfter.Format("2006-01-02"), c.DaysLeft(now), status)
	}
}
