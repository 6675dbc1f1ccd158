package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/tgifai/relay/internal/session"
)

var sessionHwd = &SessionRunner{}

type SessionRunner struct{}

func (r *SessionRunner) cmd() *cli.Command {
	return &cli.Command{
		Name:  "session",
		Usage: "Inspect persisted conversation sessions",
		Commands: []*cli.Command{
			{
				Name:   "list",
				Usage:  "List persisted sessions, most recent first",
				Action: r.list,
			},
			{
				Name:      "forget",
				Usage:     "Drop a conversation's persisted session",
				ArgsUsage: "<channel id>:<chat id>",
				Action:    r.forget,
			},
		},
	}
}

func (r *SessionRunner) open(cmd *cli.Command) (*session.Store, error) {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	store := session.NewStore(cfg.Sessions.Store)
	if err := store.Load(); err != nil {
		return nil, err
	}
	return store, nil
}

func (r *SessionRunner) list(_ context.Context, cmd *cli.Command) error {
	store, err := r.open(cmd)
	if err != nil {
		return err
	}
	fmt.Print(formatSessions(store.List()))
	return nil
}

func (r *SessionRunner) forget(_ context.Context, cmd *cli.Command) error {
	id := strings.TrimSpace(cmd.Args().First())
	if id == "" {
		return fmt.Errorf("conversation id is required")
	}
	store, err := r.open(cmd)
	if err != nil {
		return err
	}
	if _, ok := store.Get(id); !ok {
		return fmt.Errorf("no persisted session for %s", id)
	}
	if err := store.Delete(id); err != nil {
		return err
	}
	fmt.Printf("Forgot %s. Stop the gateway first if it is running, or the record is rewritten.\n", id)
	return nil
}

func formatSessions(recs []session.PersistedSession) string {
	if len(recs) == 0 {
		return "No persisted sessions.\n"
	}
	var b strings.Builder
	for _, rec := range recs {
		state := ""
		if rec.Paused {
			state = " [paused]"
		}
		fmt.Fprintf(&b, "%s%s\n", rec.ConversationID, state)
		fmt.Fprintf(&b, "  session:  %s\n", orNone(rec.SessionID))
		fmt.Fprintf(&b, "  dir:      %s\n", rec.WorkingDir)
		fmt.Fprintf(&b, "  messages: %d, tokens %d in / %d out, $%.4f\n",
			rec.MessageCount, rec.InputTokens, rec.OutputTokens, rec.CostUSD)
		if !rec.LastActivity.IsZero() {
			fmt.Fprintf(&b, "  active:   %s\n", rec.LastActivity.Local().Format(time.DateTime))
		}
	}
	return b.String()
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
