package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/mailmerge/internal/app"
	"github.com/foxzi/mailmerge/internal/config"
	"github.com/foxzi/mailmerge/internal/ratelimit"
	"github.com/foxzi/mailmerge/internal/session"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect and reset sent-logs",
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions",
	Args:  cobra.NoArgs,
	RunE:  runSessionList,
}

var sessionShowCmd = &cobra.Command{
	Use:   "show <name>",
	Short: "Show recipients recorded in a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionShow,
}

var sessionResetCmd = &cobra.Command{
	Use:   "reset <name>",
	Short: "Forget all recipients of a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionReset,
}

var sessionQuotaCmd = &cobra.Command{
	Use:   "quota [recipient-domain...]",
	Short: "Show submission quota usage",
	RunE:  runSessionQuota,
}

func init() {
	sessionCmd.AddCommand(sessionListCmd, sessionShowCmd, sessionResetCmd, sessionQuotaCmd)
	rootCmd.AddCommand(sessionCmd)
}

func openSessionStore() (*session.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return openStore(cfg)
}

func openStore(cfg *config.Config) (*session.Store, error) {
	store, err := session.Open(cfg.ResolvePath(cfg.Session.Path))
	if err != nil {
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}
	return store, nil
}

func runSessionList(cmd *cobra.Command, args []string) error {
	store, err := openSessionStore()
	if err != nil {
		return err
	}
	defer store.Close()

	sessions, err := store.List(context.Background())
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Println("No sessions")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSENT\tLAST")
	for _, s := range sessions {
		last := "-"
		if !s.LastAt.IsZero() {
			last = s.LastAt.Local().Format(time.DateTime)
		}
		fmt.Fprintf(w, "%s\t%d\t%s\n", s.Name, s.Count, last)
	}
	return w.Flush()
}

func runSessionShow(cmd *cobra.Command, args []string) error {
	store, err := openSessionStore()
	if err != nil {
		return err
	}
	defer store.Close()

	entries, err := store.Entries(context.Background(), args[0])
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Printf("Session %s has no recipients\n", args[0])
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SENT\tEMAIL\tMESSAGE ID\tDIGEST")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%.12s\n", e.SentAt.Local().Format(time.DateTime), e.Email, e.MessageID, e.Digest)
	}
	return w.Flush()
}

func runSessionReset(cmd *cobra.Command, args []string) error {
	store, err := openSessionStore()
	if err != nil {
		return err
	}
	defer store.Close()

	n, err := store.Reset(context.Background(), args[0])
	if err != nil {
		return err
	}
	fmt.Printf("Session %s reset (%d recipients removed)\n", args[0], n)
	return nil
}

func runSessionQuota(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if !cfg.Send.RateLimit.Enabled {
		fmt.Println("Rate limiting is disabled (send.rate_limit.enabled)")
		return nil
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	rl := app.RateLimitConfig(cfg.Send.RateLimit)
	limiter, err := ratelimit.NewLimiter(store.DB(), rl)
	if err != nil {
		return err
	}

	rows := []quotaRow{{level: ratelimit.LevelAccount, key: cfg.Sender.Email, limit: rl.Account}}
	for _, domain := range args {
		limit := rl.Domains[strings.ToLower(domain)]
		if limit == nil {
			limit = rl.RecipientDomain
		}
		rows = append(rows, quotaRow{level: ratelimit.LevelRecipientDomain, key: domain, limit: limit})
	}

	for i := range rows {
		stats, err := limiter.GetStats(context.Background(), rows[i].level, rows[i].key)
		if err != nil {
			return err
		}
		rows[i].stats = stats
	}
	return printQuota(os.Stdout, rows)
}

type quotaRow struct {
	level ratelimit.Level
	key   string
	limit *ratelimit.LimitConfig
	stats *ratelimit.Stats
}

// printQuota writes usage against each limit; zero limits print as unlimited
func printQuota(out io.Writer, rows []quotaRow) error {
	usage := func(count, limit int) string {
		if limit <= 0 {
			return fmt.Sprintf("%d/unlimited", count)
		}
		return fmt.Sprintf("%d/%d", count, limit)
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "LEVEL\tKEY\tHOUR\tDAY")
	for _, r := range rows {
		var perHour, perDay int
		if r.limit != nil {
			perHour, perDay = r.limit.MessagesPerHour, r.limit.MessagesPerDay
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.level, r.key,
			usage(r.stats.HourlyCount, perHour), usage(r.stats.DailyCount, perDay))
	}
	return w.Flush()
}
