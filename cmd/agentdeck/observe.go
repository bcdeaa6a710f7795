package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	adnats "github.com/agentdeck/agentdeck/internal/adapter/nats"
	"github.com/agentdeck/agentdeck/internal/adapter/postgres"
	"github.com/agentdeck/agentdeck/internal/config"
	"github.com/agentdeck/agentdeck/internal/reducer"
)

// runObserve follows the live event feed and renders the reduced timeline
// state as a periodically refreshed table. With --session it also hydrates
// that session's history from the store before following.
func runObserve(args []string) error {
	fs := flag.NewFlagSet("observe", flag.ContinueOnError)
	sessionID := fs.String("session", "", "follow a single session (default: all)")
	interval := fs.Duration("interval", 2*time.Second, "refresh interval")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()
	store := postgres.NewStore(pool)

	bus, err := adnats.Connect(ctx, cfg.NATS.URL)
	if err != nil {
		return fmt.Errorf("nats: %w", err)
	}
	defer func() { _ = bus.Close() }()

	follower := reducer.NewFollower()

	sums, err := store.ListSessions(ctx)
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	follower.Seed(sums)

	if *sessionID != "" {
		msgs, err := store.LoadHistory(ctx, *sessionID)
		if err != nil {
			return fmt.Errorf("load history: %w", err)
		}
		follower.Hydrate(*sessionID, msgs)
	}

	unsubscribe, err := follower.Follow(ctx, bus, *sessionID)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	defer unsubscribe()

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			printState(follower)
		}
	}
}

func printState(follower *reducer.Follower) {
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tSTATUS\tTITLE\tMSGS\tPENDING\tFILES\tUPDATED")

	follower.With(func(st *reducer.State) {
		for id, view := range st.Sessions {
			updated := ""
			if !view.UpdatedAt.IsZero() {
				updated = view.UpdatedAt.Format(time.TimeOnly)
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
				id, view.Status, view.Title,
				len(view.Messages), len(view.Pending), len(view.WorkspaceFiles), updated)
		}
		if st.GlobalError != "" {
			fmt.Fprintf(tw, "\nerror: %s\n", st.GlobalError)
		}
	})

	_ = tw.Flush()
}
