package app

import (
	"errors"
	"fmt"
	"io"
	"time"

	"netpulse/internal/config"
	"netpulse/internal/render"
)

// ReportOptions selects what Report prints. Window 0 means 24h.
type ReportOptions struct {
	Window    time.Duration
	Recent    int
	CleanDays int
}

// Report prints archive statistics without starting the app.
func Report(cfgPath string, w io.Writer, opts ReportOptions) error {
	cfg, err := config.NewConfigManager(cfgPath).Load()
	if err != nil {
		return err
	}
	arch := openArchive(cfg)
	if arch == nil {
		return errors.New("archive is disabled (set archive.enabled)")
	}

	if opts.CleanDays > 0 {
		n, err := arch.CleanOlderThan(opts.CleanDays)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "🧹 Removed %d runs older than %d days\n\n", n, opts.CleanDays)
	}

	window := opts.Window
	if window <= 0 {
		window = 24 * time.Hour
	}
	stats, err := arch.StatsSince(window)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, render.FormatStats(stats))

	if opts.Recent > 0 {
		recs, err := arch.Recent(opts.Recent)
		if err != nil {
			return err
		}
		fmt.Fprintln(w)
		fmt.Fprintln(w, render.FormatRecent(recs))
	}
	return nil
}
