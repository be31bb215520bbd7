package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/foxzi/mailmerge/internal/dkim"
)

var (
	dkimDomain    string
	dkimSelector  string
	dkimKeyFile   string
	dkimOutDir    string
	dkimAlgorithm string
)

var dkimCmd = &cobra.Command{
	Use:   "dkim",
	Short: "DKIM key management commands",
}

var dkimKeygenCmd = &cobra.Command{
	Use:     "keygen",
	Aliases: []string{"generate"},
	Short:   "Generate a new DKIM key pair",
	Long:    `Generate a new DKIM key pair (RSA 2048-bit or Ed25519) and output the DNS record.`,
	RunE:    runDKIMKeygen,
}

var dkimShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show DKIM DNS record from existing key",
	RunE:  runDKIMShow,
}

func init() {
	dkimKeygenCmd.Flags().StringVar(&dkimDomain, "domain", "", "Domain name (required)")
	dkimKeygenCmd.Flags().StringVar(&dkimSelector, "selector", "mailmerge", "DKIM selector")
	dkimKeygenCmd.Flags().StringVar(&dkimOutDir, "out", ".", "Output directory for key file")
	dkimKeygenCmd.Flags().StringVar(&dkimAlgorithm, "algorithm", dkim.AlgorithmRSA, "Key algorithm: rsa, ed25519")
	dkimKeygenCmd.MarkFlagRequired("domain")

	dkimShowCmd.Flags().StringVar(&dkimKeyFile, "key", "", "Path to private key file (required)")
	dkimShowCmd.Flags().StringVar(&dkimDomain, "domain", "", "Domain name (required)")
	dkimShowCmd.Flags().StringVar(&dkimSelector, "selector", "mailmerge", "DKIM selector")
	dkimShowCmd.MarkFlagRequired("key")
	dkimShowCmd.MarkFlagRequired("domain")

	dkimCmd.AddCommand(dkimKeygenCmd, dkimShowCmd)
	rootCmd.AddCommand(dkimCmd)
}

func runDKIMKeygen(cmd *cobra.Command, args []string) error {
	kp, err := dkim.GenerateKey(dkimAlgorithm, dkimDomain, dkimSelector)
	if err != nil {
		return fmt.Errorf("failed to generate key: %w", err)
	}

	keyPath := filepath.Join(dkimOutDir, fmt.Sprintf("%s.key", dkimDomain))
	if err := kp.SavePrivateKey(keyPath); err != nil {
		return fmt.Errorf("failed to save private key: %w", err)
	}

	fmt.Printf("DKIM key generated successfully\n\n")
	fmt.Printf("Private key saved to: %s\n\n", keyPath)
	printDKIMRecord(kp)

	return nil
}

func runDKIMShow(cmd *cobra.Command, args []string) error {
	key, err := dkim.LoadPrivateKey(dkimKeyFile)
	if err != nil {
		return fmt.Errorf("failed to load private key: %w", err)
	}

	printDKIMRecord(&dkim.KeyPair{PrivateKey: key, Domain: dkimDomain, Selector: dkimSelector})
	return nil
}

func printDKIMRecord(kp *dkim.KeyPair) {
	fmt.Printf("DNS Record:\n")
	fmt.Printf("  Name: %s\n", kp.DNSName())
	fmt.Printf("  Type: TXT\n")
	fmt.Printf("  Value: %s\n", kp.DNSRecord())
}
