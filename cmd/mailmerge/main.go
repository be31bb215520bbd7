package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/foxzi/mailmerge/internal/app"
	"github.com/foxzi/mailmerge/internal/config"
)

var (
	cfgFile   string
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "mailmerge",
	Short: "Mailmerge - personalized bulk email",
	Long: `Mailmerge renders a subject, text and HTML template for every recipient
record and sends one message per recipient through SMTP, Resend or a local sandbox.`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the template preview API",
	RunE:  runServe,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration commands",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	RunE:  runConfigValidate,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("mailmerge version %s\n", version)
		if commit != "unknown" {
			fmt.Printf("  commit: %s\n", commit)
		}
		if buildTime != "unknown" {
			fmt.Printf("  built:  %s\n", buildTime)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")

	configCmd.AddCommand(configValidateCmd)
	rootCmd.AddCommand(serveCmd, configCmd, versionCmd)
}

// loadConfig reads the config file given with -c
func loadConfig() (*config.Config, error) {
	if cfgFile == "" {
		return nil, fmt.Errorf("config file is required (use -c flag)")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// promptPassword asks for the SMTP password when it is neither configured nor
// in the environment and stdin is a terminal
func promptPassword(cfg *config.Config) error {
	if !cfg.IsSMTP() || cfg.Provider.Password != "" {
		return nil
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil
	}

	fmt.Fprintf(os.Stderr, "Password for %s: ", cfg.Provider.Username)
	password, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return fmt.Errorf("failed to read password: %w", err)
	}
	cfg.Provider.Password = string(password)
	return nil
}

// signalContext returns a context canceled on SIGINT or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	application, err := app.New(cfg, app.Options{Version: version, NoSession: true})
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}
	defer application.Close()

	ctx, cancel := signalContext()
	defer cancel()

	return application.Serve(ctx)
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("configuration is invalid: %w", err)
	}

	application, err := app.New(cfg, app.Options{Logger: discardLogger()})
	if err != nil {
		return fmt.Errorf("configuration is invalid: %w", err)
	}
	defer application.Close()

	fmt.Printf("Configuration is valid\n")
	fmt.Printf("  Sender: %s\n", cfg.Sender.Email)
	if cfg.IsSMTP() {
		fmt.Printf("  Provider: %s (%s, %s)\n", cfg.Provider.Name, cfg.Provider.Addr(), cfg.Provider.TLS)
	} else {
		fmt.Printf("  Provider: %s\n", cfg.Provider.Name)
	}
	fmt.Printf("  Templates: %v\n", application.Engine().Parts())
	fmt.Printf("  Variables: %v\n", application.Engine().Variables())
	fmt.Printf("  Session: %s (%s)\n", cfg.Session.Name, cfg.ResolvePath(cfg.Session.Path))
	if cfg.DKIM.Enabled {
		fmt.Printf("  DKIM: %s._domainkey.%s\n", cfg.DKIM.Selector, cfg.DKIM.Domain)
	}

	return nil
}
