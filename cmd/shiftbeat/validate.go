package main

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/shiftbeat/shiftbeat/internal/config"
	"github.com/shiftbeat/shiftbeat/internal/shiftcal"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long: `Validate the Shiftbeat configuration file for syntax and semantic errors,
including every configured shift-time spec.`,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	green := color.New(color.FgGreen, color.Bold)
	red := color.New(color.FgRed, color.Bold)
	yellow := color.New(color.FgYellow)

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		red.Fprintf(os.Stderr, "❌ Configuration validation failed: %v\n", err)
		return err
	}

	green.Fprintf(os.Stdout, "✅ Configuration is valid: %s\n", configPath)

	fmt.Fprintf(os.Stdout, "   storage:   %s\n", cfg.Storage.Type)
	fmt.Fprintf(os.Stdout, "   broadcast: %s\n", cfg.Broadcast.Backend)
	fmt.Fprintf(os.Stdout, "   timezone:  %s\n", cfg.Tracking.ReportingTimezone)

	// Validate shift specs against the configured timezone
	loc, err := time.LoadLocation(cfg.Tracking.ReportingTimezone)
	if err != nil {
		red.Fprintf(os.Stderr, "❌ Invalid reporting timezone: %v\n", err)
		return err
	}
	calendar, err := shiftcal.New(loc)
	if err != nil {
		red.Fprintf(os.Stderr, "❌ Failed to build shift calendar: %v\n", err)
		return err
	}

	if len(cfg.Shifts.Specs) == 0 {
		yellow.Fprintln(os.Stdout, "⚠️  No shift specs configured; all users get the calendar-day fallback window")
		return nil
	}

	users := make([]string, 0, len(cfg.Shifts.Specs))
	for user := range cfg.Shifts.Specs {
		users = append(users, user)
	}
	sort.Strings(users)

	now := time.Now()
	var invalid int
	fmt.Fprintf(os.Stdout, "\nShift specs (%d):\n", len(users))
	for _, user := range users {
		spec := cfg.Shifts.Specs[user]
		window, err := calendar.Resolve(spec, now)
		if err != nil {
			invalid++
			red.Fprintf(os.Stdout, "   ❌ %s: %q (%v)\n", user, spec, err)
			continue
		}
		green.Fprintf(os.Stdout, "   ✅ %s: %q", user, spec)
		fmt.Fprintf(os.Stdout, " -> bucket %s (%s to %s)\n",
			window.BucketID,
			window.Start.Format("Mon 15:04"),
			window.End.Format("Mon 15:04"))
	}

	if invalid > 0 {
		err := fmt.Errorf("%d invalid shift spec(s)", invalid)
		red.Fprintf(os.Stderr, "\n❌ %v\n", err)
		return err
	}

	return nil
}
