package main

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/foxzi/mailmerge/internal/config"
	"github.com/foxzi/mailmerge/internal/dkim"
	"github.com/foxzi/mailmerge/internal/email"
)

var (
	initEmail    string
	initName     string
	initProvider string
	initHost     string
	initOutput   string
	initDKIM     bool
	initDKIMDir  string
	initAPIKey   string
	initDataDir  string
	initForce    bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize mailmerge configuration",
	Long: `Interactive wizard to create a mailmerge configuration file.

Examples:
  # Interactive mode - prompts for missing values
  mailmerge init

  # Non-interactive
  mailmerge init --email news@example.com --provider gmail

  # Sandbox setup for testing templates
  mailmerge init --email test@example.com --provider sandbox -o test.yaml`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().StringVar(&initEmail, "email", "", "Sender email address")
	initCmd.Flags().StringVar(&initName, "name", "", "Sender display name")
	initCmd.Flags().StringVar(&initProvider, "provider", "", "Provider: gmail, outlook, yahoo, smtp, resend, sandbox")
	initCmd.Flags().StringVar(&initHost, "host", "", "SMTP host for the smtp provider")
	initCmd.Flags().StringVarP(&initOutput, "output", "o", "config.yaml", "Output configuration file path")
	initCmd.Flags().BoolVar(&initDKIM, "dkim", false, "Generate DKIM keys")
	initCmd.Flags().StringVar(&initDKIMDir, "dkim-dir", "", "DKIM keys directory (default: <data-dir>/dkim)")
	initCmd.Flags().StringVar(&initAPIKey, "api-key", "", "Preview API key (auto-generated if not provided)")
	initCmd.Flags().StringVar(&initDataDir, "data-dir", ".", "Directory for the session file and keys")
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite existing config file")

	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("Mailmerge Configuration Wizard")
	fmt.Println("==============================")
	fmt.Println()

	if initEmail == "" {
		initEmail = prompt(reader, "Sender email", "")
		if initEmail == "" {
			return fmt.Errorf("sender email is required")
		}
	}
	if initName == "" {
		initName = prompt(reader, "Sender name", "")
	}
	if initProvider == "" {
		initProvider = prompt(reader, "Provider (gmail, outlook, yahoo, smtp, resend, sandbox)", config.ProviderSMTP)
	}
	initProvider = strings.ToLower(initProvider)
	if initProvider == config.ProviderSMTP && initHost == "" {
		initHost = prompt(reader, "SMTP host", "smtp."+email.ExtractDomain(initEmail))
	}

	if !initDKIM && initProvider != config.ProviderResend && initProvider != config.ProviderSandbox {
		answer := prompt(reader, "Generate DKIM keys? [y/N]", "n")
		initDKIM = strings.ToLower(answer) == "y" || strings.ToLower(answer) == "yes"
	}
	if initDKIMDir == "" {
		initDKIMDir = filepath.Join(initDataDir, "dkim")
	}

	if initAPIKey == "" {
		initAPIKey = generateRandomString(32)
		fmt.Printf("  Generated API key: %s\n", initAPIKey)
	}

	if !initForce {
		if _, err := os.Stat(initOutput); err == nil {
			return fmt.Errorf("config file %s already exists (use --force to overwrite)", initOutput)
		}
	}

	fmt.Println()
	fmt.Println("Creating configuration...")

	var kp *dkim.KeyPair
	var dkimKeyPath string
	if initDKIM {
		var err error
		kp, err = dkim.GenerateKey(dkim.AlgorithmRSA, email.ExtractDomain(initEmail), "mailmerge")
		if err != nil {
			return fmt.Errorf("failed to generate DKIM key: %w", err)
		}
		dkimKeyPath = filepath.Join(initDKIMDir, email.ExtractDomain(initEmail)+".key")
		if err := kp.SavePrivateKey(dkimKeyPath); err != nil {
			return fmt.Errorf("failed to save DKIM key: %w", err)
		}
		fmt.Printf("  DKIM key saved to: %s\n", dkimKeyPath)
	}

	data := generateConfig(dkimKeyPath)
	if _, err := config.Parse([]byte(data)); err != nil {
		return fmt.Errorf("generated configuration is invalid: %w", err)
	}
	if err := os.WriteFile(initOutput, []byte(data), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	fmt.Printf("  Configuration saved to: %s\n", initOutput)
	fmt.Println()

	if kp != nil {
		printDKIMRecord(kp)
		fmt.Println()
	}

	fmt.Println("Next Steps")
	fmt.Println("==========")
	fmt.Println()
	fmt.Println("1. Edit the templates section of the configuration")
	fmt.Println("2. Check templates against your recipients:")
	fmt.Printf("   mailmerge validate -c %s recipients.csv\n", initOutput)
	fmt.Println("3. Preview the messages:")
	fmt.Printf("   mailmerge send -c %s recipients.csv --dry-run\n", initOutput)
	fmt.Println()

	return nil
}

func prompt(reader *bufio.Reader, question, defaultValue string) string {
	if defaultValue != "" {
		fmt.Printf("%s [%s]: ", question, defaultValue)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultValue
	}
	return input
}

func generateRandomString(length int) string {
	bytes := make([]byte, length/2)
	rand.Read(bytes)
	return hex.EncodeToString(bytes)
}

func generateConfig(dkimKeyPath string) string {
	provider := fmt.Sprintf(`provider:
  name: %s`, initProvider)
	switch initProvider {
	case config.ProviderSMTP:
		provider += fmt.Sprintf(`
  host: "%s"
  port: 587
  tls: starttls
  # password: set MAILMERGE_PASSWORD or enter it when prompted`, initHost)
	case config.ProviderResend:
		provider += `
  # api_key: set MAILMERGE_API_KEY`
	case config.ProviderSandbox:
		provider += fmt.Sprintf(`
  output_dir: "%s/sandbox"`, initDataDir)
	default:
		provider += `
  # password: set MAILMERGE_PASSWORD or enter it when prompted`
	}

	dkimSection := fmt.Sprintf(`dkim:
  enabled: false
  selector: "mailmerge"
  key_file: "%s/dkim/%s.key"`, initDataDir, email.ExtractDomain(initEmail))
	if dkimKeyPath != "" {
		dkimSection = fmt.Sprintf(`dkim:
  enabled: true
  selector: "mailmerge"
  key_file: "%s"`, dkimKeyPath)
	}

	return fmt.Sprintf(`# mailmerge configuration
# Generated by: mailmerge init

sender:
  email: "%s"
  name: "%s"

%s

templates:
  subject: "Hello {{.name}}"
  text: |
    Dear {{.name}},

    this message was sent to {{.email}}.
  # html_file: "message.html"

send:
  email_field: email
  delay: 1s
  max_retries: 3
  retry_interval: 5s
  stop_on_error: false

message:
  text_from_html: true
  html_from_markdown: false

session:
  name: default
  path: "%s/mailmerge.db"

%s

api:
  listen_addr: "127.0.0.1:8080"
  api_key: "%s"
  read_timeout: 30s
  write_timeout: 30s
  idle_timeout: 60s

metrics:
  enabled: false
  listen_addr: ":9090"
  path: /metrics

logging:
  level: "info"
  format: "text"
`,
		initEmail,
		initName,
		provider,
		initDataDir,
		dkimSection,
		initAPIKey,
	)
}
