package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/mailmerge/internal/app"
	"github.com/foxzi/mailmerge/internal/dnscheck"
	"github.com/foxzi/mailmerge/internal/mailer"
	"github.com/foxzi/mailmerge/internal/record"
	"github.com/foxzi/mailmerge/internal/template"
)

var (
	sendDryRun         bool
	sendSession        string
	sendNoSession      bool
	sendOutputDir      string
	sendSimulateErrors float64
	sendJSON           bool

	renderIndex  int
	renderOutput string
	renderRaw    bool

	validateCheckMX bool
)

var sendCmd = &cobra.Command{
	Use:   "send <recipients>",
	Short: "Render and send one message per recipient",
	Long: `Render the configured templates for every recipient in a CSV, YAML or JSON
file and send the messages. Recipients already recorded in the session are skipped,
so an interrupted run can be restarted with the same command.

Examples:
  # Send for real
  mailmerge send -c config.yaml recipients.csv

  # Write .eml files instead of sending
  mailmerge send -c config.yaml recipients.csv --dry-run --output preview/`,
	Args: cobra.ExactArgs(1),
	RunE: runSend,
}

var renderCmd = &cobra.Command{
	Use:   "render <recipients>",
	Short: "Render templates for one recipient",
	Args:  cobra.ExactArgs(1),
	RunE:  runRender,
}

var validateCmd = &cobra.Command{
	Use:   "validate <recipients>",
	Short: "Check templates and recipients without sending",
	Long: `Validate the recipient file against the naming rules, compare the template
variables with the recipient fields and render every recipient. With
--check-mx every recipient domain must publish an MX record.`,
	Args: cobra.ExactArgs(1),
	RunE: runValidate,
}

func init() {
	sendCmd.Flags().BoolVar(&sendDryRun, "dry-run", false, "Capture messages as .eml files instead of sending")
	sendCmd.Flags().StringVar(&sendSession, "session", "", "Session name (default: session.name from config)")
	sendCmd.Flags().BoolVar(&sendNoSession, "no-session", false, "Do not record or skip sent recipients")
	sendCmd.Flags().StringVarP(&sendOutputDir, "output", "o", "", "Output directory for --dry-run")
	sendCmd.Flags().Float64Var(&sendSimulateErrors, "simulate-errors", 0, "Probability of simulated delivery errors with --dry-run")
	sendCmd.Flags().BoolVar(&sendJSON, "json", false, "Print the run report as JSON")

	renderCmd.Flags().IntVarP(&renderIndex, "index", "i", 0, "Recipient index (0-based)")
	renderCmd.Flags().StringVarP(&renderOutput, "output", "o", "", "Write the full message to this .eml file")
	renderCmd.Flags().BoolVar(&renderRaw, "raw", false, "Print the full message instead of the rendered parts")

	validateCmd.Flags().BoolVar(&validateCheckMX, "check-mx", false, "Check that recipient domains accept mail")

	rootCmd.AddCommand(sendCmd, renderCmd, validateCmd)
}

func runSend(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	_, records, err := record.Load(args[0])
	if err != nil {
		return err
	}

	if !sendDryRun {
		if err := promptPassword(cfg); err != nil {
			return err
		}
	}

	application, err := app.New(cfg, app.Options{
		DryRun:         sendDryRun,
		SandboxDir:     sendOutputDir,
		SimulateErrors: sendSimulateErrors,
		Session:        sendSession,
		NoSession:      sendNoSession || sendDryRun,
		Version:        version,
	})
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}
	defer application.Close()

	ctx, cancel := signalContext()
	defer cancel()

	report, runErr := application.Send(ctx, records)
	if report != nil {
		if sendJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return err
			}
		} else {
			printReport(os.Stdout, report)
		}
	}
	if runErr != nil {
		return runErr
	}
	if report.Failed > 0 {
		return fmt.Errorf("%d of %d recipients failed", report.Failed, report.Total)
	}
	return nil
}

func printReport(w io.Writer, report *mailer.Report) {
	fmt.Fprintf(w, "Run %s\n", report.RunID)
	fmt.Fprintf(w, "  Total:   %d\n", report.Total)
	fmt.Fprintf(w, "  Sent:    %d\n", report.Sent)
	fmt.Fprintf(w, "  Skipped: %d\n", report.Skipped)
	fmt.Fprintf(w, "  Failed:  %d\n", report.Failed)
	if !report.FinishedAt.IsZero() {
		fmt.Fprintf(w, "  Took:    %s\n", report.FinishedAt.Sub(report.StartedAt).Round(time.Millisecond))
	}
	for _, f := range report.Failures {
		fmt.Fprintf(w, "  - %v\n", f)
	}
}

func runRender(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	_, records, err := record.Load(args[0])
	if err != nil {
		return err
	}
	if renderIndex < 0 || renderIndex >= len(records) {
		return fmt.Errorf("index %d out of range (%d recipients)", renderIndex, len(records))
	}
	rec := records[renderIndex]

	application, err := app.New(cfg, app.Options{Logger: discardLogger(), NoSession: true})
	if err != nil {
		return err
	}
	defer application.Close()

	res, err := application.Engine().Render(rec)
	if err != nil {
		return err
	}

	if renderOutput == "" && !renderRaw {
		printResult(os.Stdout, res)
		return nil
	}

	to, _ := rec.Get(cfg.Send.EmailField)
	msg, err := application.Builder().Build(to, res)
	if err != nil {
		return fmt.Errorf("failed to build message: %w", err)
	}

	if renderOutput != "" {
		if err := os.WriteFile(renderOutput, msg.Data, 0644); err != nil {
			return fmt.Errorf("failed to write message: %w", err)
		}
		fmt.Printf("Message written to %s\n", renderOutput)
		return nil
	}

	_, err = os.Stdout.Write(msg.Data)
	return err
}

func printResult(w io.Writer, res template.Result) {
	for _, part := range template.Parts {
		if !res.Has(part) {
			continue
		}
		fmt.Fprintf(w, "--- %s ---\n%s\n", part, strings.TrimRight(res[part], "\n"))
	}
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	application, err := app.New(cfg, app.Options{Logger: discardLogger(), NoSession: true})
	if err != nil {
		return err
	}
	defer application.Close()

	schema, records, err := record.Load(args[0])
	if err != nil {
		return err
	}

	failures := validateRecords(os.Stdout, application.Engine(), schema, records, cfg.Send.EmailField)
	if validateCheckMX {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		failures += checkRecipientDomains(ctx, os.Stdout, dnscheck.NewChecker(nil, 0), records, cfg.Send.EmailField)
	}
	if failures > 0 {
		return fmt.Errorf("%d of %d recipients failed validation", failures, len(records))
	}
	fmt.Printf("All %d recipients rendered successfully\n", len(records))
	return nil
}

// validateRecords reports schema gaps and renders every record, returning the number of failures
func validateRecords(w io.Writer, engine *template.Engine, schema *record.Schema, records []*record.Record, emailField string) int {
	fmt.Fprintf(w, "Fields:    %s\n", strings.Join(schema.Fields(), ", "))
	fmt.Fprintf(w, "Variables: %s\n", strings.Join(engine.Variables(), ", "))

	if missing := engine.Missing(schema); len(missing) > 0 {
		fmt.Fprintf(w, "Undeclared variables: %s\n", strings.Join(missing, ", "))
	}
	if !schema.Has(emailField) {
		fmt.Fprintf(w, "Address field %q is not declared\n", emailField)
		return len(records)
	}

	failures := 0
	for i, rec := range records {
		if email, _ := rec.Get(emailField); email == "" {
			fmt.Fprintf(w, "  [%d] empty %s\n", i, emailField)
			failures++
			continue
		}
		if _, err := engine.Render(rec); err != nil {
			var re *template.TemplateRenderError
			if errors.As(err, &re) {
				fmt.Fprintf(w, "  [%d] %s: %s\n", i, re.Part, re.Kind)
			}
			fmt.Fprintf(w, "      %v\n", err)
			failures++
		}
	}
	return failures
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
