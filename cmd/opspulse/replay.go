package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/opspulse/opspulse/internal/event"
	"github.com/opspulse/opspulse/internal/rollup"
	"github.com/opspulse/opspulse/internal/snapshot"
)

func newReplayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay <events.ndjson>",
		Short: "Replay an event log through the aggregation pipeline offline",
		Long: `Reads newline-delimited JSON events, folds them into an in-memory
rollup store with the grace period disabled, and prints the resulting
per-tenant summary. Useful for backfilling analysis and verifying an
exported event log without touching a running service.`,
		Args: cobra.ExactArgs(1),
		RunE: runReplay,
	}
	cmd.Flags().Duration("window", 24*time.Hour, "Summary window, ending at the newest event")
	cmd.Flags().String("source", "hour", "Summary granularity (minute|hour|day)")
	return cmd
}

func runReplay(cmd *cobra.Command, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	defer f.Close()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	// Offline replay folds historical events, so lateness is meaningless:
	// pin the clock past nothing and widen grace to the full retention.
	replayCfg := cfg.Rollup
	replayCfg.GracePeriod = replayCfg.Retention

	store := rollup.NewMemoryStore()
	agg := rollup.NewAggregator(store, rollup.NewMemoryDedupe(replayCfg.Retention), replayCfg)

	var merged, rejected, failed int
	var newest time.Time
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1<<20), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev event.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			log.Warn().Err(err).Msg("skipping undecodable line")
			failed++
			continue
		}
		if err := agg.MergeSync(cmd.Context(), ev); err != nil {
			var rej *event.RejectError
			if errors.As(err, &rej) {
				rejected++
				continue
			}
			return err
		}
		merged++
		if ev.Timestamp.After(newest) {
			newest = ev.Timestamp
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read event log: %w", err)
	}

	log.Info().Int("merged", merged).Int("rejected", rejected).Int("undecodable", failed).Msg("replay complete")
	if merged == 0 {
		return nil
	}

	window, _ := cmd.Flags().GetDuration("window")
	source, _ := cmd.Flags().GetString("source")
	builder := snapshot.NewSummaryBuilder(store, window, rollup.Granularity(source))

	tenants, err := store.Tenants(cmd.Context())
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	for _, tenantID := range tenants {
		snap, err := builder.Build(cmd.Context(), snapshot.Key{ID: "replay", TenantID: tenantID}, newest.UTC())
		if err != nil {
			return fmt.Errorf("summarize tenant %s: %w", tenantID, err)
		}
		if err := enc.Encode(snap); err != nil {
			return err
		}
	}
	return nil
}
