package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ashureev/supportchat/internal/connection"
	"github.com/ashureev/supportchat/internal/domain"
	"github.com/ashureev/supportchat/internal/messages"
	"github.com/ashureev/supportchat/internal/restapi"
	"github.com/ashureev/supportchat/internal/router"
	"github.com/ashureev/supportchat/internal/store"
)

var flagToken string

var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "Answer visitors as support staff",
	Long: `Answer visitors as support staff.

  /sessions [past]   list active or past sessions
  /open <id>         open a session
  /ai                toggle the AI responder for the open session
  /file <path>       send an attachment to the open session
  /quit              exit

Any other line is sent to the open session.`,
	RunE: runConsole,
}

func init() {
	consoleCmd.Flags().StringVar(&flagToken, "token", "", "staff token; stored for later runs")
}

func runConsole(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	kv := openState(cfg.Client.StatePath)
	defer func() {
		if err := kv.Close(); err != nil {
			slog.Debug("Failed to close client state", "error", err)
		}
	}()

	if flagToken != "" {
		if err := kv.Set(ctx, store.KeyAdminToken, flagToken); err != nil {
			slog.Warn("Failed to store staff token", "error", err)
		}
	}
	token, err := restapi.KVToken{KV: kv}.Token(ctx)
	if err != nil || token == "" {
		token = flagToken
	}

	api, err := restapi.New(cfg.Client.APIURL, restapi.WithTokenSource(restapi.StaticToken(token)))
	if err != nil {
		return err
	}

	mgr := connection.NewManager(cfg.Client.SocketURL, newDialer(), slog.Default())
	defer mgr.Close()

	msgs := messages.NewStore()
	notify, updates := changes()
	s, err := router.NewStaff(router.StaffConfig{
		Options: router.Options{
			Manager:       mgr,
			Messages:      msgs,
			QuietInterval: cfg.Client.TypingQuiet,
			OnChange:      notify,
		},
		Backend:  api,
		Uploader: api,
		Token:    token,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if err := s.RefreshSessions(ctx, false); err != nil {
		return fmt.Errorf("staff login: %w", err)
	}
	printSessions(out, s)

	if err := s.Connect(ctx); err != nil {
		return err
	}
	defer s.Disconnect()

	p := newPrinter(out, msgs)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.Run(ctx) })
	g.Go(func() error { return s.PollSessions(ctx, cfg.Client.SessionPoll) })

	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case c := <-updates:
				switch c.Kind {
				case router.ChangeMessages:
					if c.SessionID == s.Directory().SelectedID() {
						p.session(c.SessionID)
					} else {
						fmt.Fprintf(out, "new message in %s\n", c.SessionID)
					}
				case router.ChangeTyping:
					if c.SessionID != "" && c.SessionID == s.Directory().SelectedID() && s.VisitorTyping() {
						fmt.Fprintln(out, "… visitor is typing")
					}
				case router.ChangeAI:
					fmt.Fprintf(out, "AI responder for %s: %v\n", c.SessionID, s.AIEnabled(c.SessionID))
				case router.ChangeConnection:
					if !s.Established() {
						fmt.Fprintln(out, "offline, reconnecting")
					}
				}
			}
		}
	})

	input := lines(cmd.InOrStdin())
	g.Go(func() error {
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return nil
			case line, ok := <-input:
				if !ok {
					return nil
				}
				if quit := consoleLine(ctx, out, s, strings.TrimSpace(line)); quit {
					return nil
				}
			}
		}
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func consoleLine(ctx context.Context, out io.Writer, s *router.Staff, line string) bool {
	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "":
		return false
	case "/quit":
		return true
	case "/sessions":
		if err := s.RefreshSessions(ctx, arg == "past"); err != nil {
			fmt.Fprintf(out, "cannot list sessions: %v\n", err)
			return false
		}
		printSessions(out, s)
	case "/open":
		sess, ok := s.Directory().Lookup(arg)
		if !ok {
			sess = domain.Session{ID: arg}
		}
		if err := s.SelectSession(ctx, sess); err != nil {
			fmt.Fprintf(out, "cannot open %s: %v\n", arg, err)
			return false
		}
		fmt.Fprintf(out, "opened %s (AI %v)\n", arg, s.AIEnabled(arg))
	case "/ai":
		if _, err := s.ToggleAI(ctx); err != nil {
			fmt.Fprintf(out, "AI toggle failed: %v\n", err)
		}
	case "/file":
		if err := sendFile(ctx, arg, s.SendAttachment); err != nil {
			fmt.Fprintf(out, "attachment not sent: %v\n", err)
		}
	default:
		if s.Directory().SelectedID() == "" {
			fmt.Fprintln(out, "open a session first")
			return false
		}
		s.InputChanged()
		if !s.SendMessage(ctx, line, nil) {
			fmt.Fprintln(out, "not connected, message not sent")
		}
	}
	return false
}

func printSessions(out io.Writer, s *router.Staff) {
	sessions, past := s.Directory().Sessions()
	label := "active"
	if past {
		label = "past"
	}
	fmt.Fprintf(out, "%d %s sessions\n", len(sessions), label)
	for _, sess := range sessions {
		last := "-"
		if !sess.LastMessageAt.IsZero() {
			last = sess.LastMessageAt.Local().Format("Jan 2 15:04")
		}
		fmt.Fprintf(out, "  %s  last=%s  ai=%v  ip=%s\n", sess.ID, last, s.AIEnabled(sess.ID), sess.UserIP)
	}
}
