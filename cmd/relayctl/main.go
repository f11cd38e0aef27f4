package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/loqalabs/loqa-relay/internal/config"
	"github.com/loqalabs/loqa-relay/internal/eventstore"
)

var version = "0.1.0-dev"

const usage = "expected 'validate', 'sessions', 'events' or 'version'"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	if err := run(os.Args[1], os.Args[2:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(name string, args []string, out io.Writer) error {
	var (
		configPath string
		guildID    string
		sessionID  string
		limit      int
	)
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "relay.yaml", "Path to configuration file")

	switch name {
	case "validate":
		if err := fs.Parse(args); err != nil {
			return err
		}
		if _, err := config.Load(configPath); err != nil {
			return err
		}
		fmt.Fprintln(out, "config valid")
		return nil
	case "sessions":
		fs.StringVar(&guildID, "guild", "", "Guild id")
		fs.IntVar(&limit, "limit", 10, "Maximum sessions to list")
		if err := fs.Parse(args); err != nil {
			return err
		}
		if guildID == "" {
			return fmt.Errorf("-guild is required")
		}
		return withEvents(configPath, func(ctx context.Context, store *eventstore.Store) error {
			sessions, err := store.RecentSessions(ctx, guildID, limit)
			if err != nil {
				return err
			}
			return printSessions(out, sessions)
		})
	case "events":
		fs.StringVar(&sessionID, "session", "", "Session id")
		fs.IntVar(&limit, "limit", 100, "Maximum events to list")
		if err := fs.Parse(args); err != nil {
			return err
		}
		if sessionID == "" {
			return fmt.Errorf("-session is required")
		}
		return withEvents(configPath, func(ctx context.Context, store *eventstore.Store) error {
			events, err := store.ListSessionEvents(ctx, sessionID, limit)
			if err != nil {
				return err
			}
			return printEvents(out, events)
		})
	case "version":
		fmt.Fprintln(out, version)
		return nil
	default:
		return fmt.Errorf("unknown command %q; %s", name, usage)
	}
}

func withEvents(configPath string, fn func(context.Context, *eventstore.Store) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.EventStore.RetentionMode == "ephemeral" {
		return fmt.Errorf("event store retention is ephemeral; nothing is recorded")
	}
	// The daemon may hold the database open.
	cfg.EventStore.VacuumOnStart = false

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := eventstore.Open(ctx, cfg.EventStore, logger)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(ctx, store)
}

func printSessions(out io.Writer, sessions []eventstore.Session) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tVOICE\tTEXT\tORIGIN\tSTARTED\tENDED\tCAUSE")
	for _, s := range sessions {
		ended := "-"
		if !s.EndedAt.IsZero() {
			ended = s.EndedAt.Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			s.ID, s.VoiceChannelID, s.TextChannelID, s.Origin, s.StartedAt.Format(time.RFC3339), ended, s.EndCause)
	}
	return tw.Flush()
}

func printEvents(out io.Writer, events []eventstore.Event) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tTYPE\tUTTERANCE\tDETAIL")
	for _, e := range events {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.CreatedAt.Format(time.RFC3339), e.Type, e.UtteranceID, e.Detail)
	}
	return tw.Flush()
}
