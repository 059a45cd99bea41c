package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ashureev/supportchat/internal/connection"
	"github.com/ashureev/supportchat/internal/identity"
	"github.com/ashureev/supportchat/internal/messages"
	"github.com/ashureev/supportchat/internal/restapi"
	"github.com/ashureev/supportchat/internal/router"
)

var visitorCmd = &cobra.Command{
	Use:   "visitor",
	Short: "Chat as a website visitor",
	Long: `Chat as a website visitor. Each line typed is sent as a message.
"/file <path>" uploads and sends an attachment, "/quit" exits.`,
	RunE: runVisitor,
}

func runVisitor(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	kv := openState(cfg.Client.StatePath)
	defer func() {
		if err := kv.Close(); err != nil {
			slog.Debug("Failed to close client state", "error", err)
		}
	}()

	api, err := restapi.New(cfg.Client.APIURL)
	if err != nil {
		return err
	}

	var origin router.OriginResolver = router.StaticOrigin(router.UnknownOrigin)
	if cfg.Client.OriginLookup {
		origin = router.IPLookup{URL: cfg.Client.OriginLookupURL}
	}

	mgr := connection.NewManager(cfg.Client.SocketURL, newDialer(), slog.Default())
	defer mgr.Close()

	store := messages.NewStore()
	notify, updates := changes()
	v, err := router.NewVisitor(router.VisitorConfig{
		Options: router.Options{
			Manager:       mgr,
			Messages:      store,
			QuietInterval: cfg.Client.TypingQuiet,
			OnChange:      notify,
		},
		Identity:  identity.New(kv, slog.Default()),
		History:   api,
		Uploader:  api,
		Origin:    origin,
		UserAgent: cfg.Client.UserAgent,
	})
	if err != nil {
		return err
	}

	if err := v.Connect(ctx); err != nil {
		return err
	}
	defer v.Disconnect()

	out := cmd.OutOrStdout()
	p := newPrinter(out, store)
	fmt.Fprintf(out, "session %s\n", v.SessionID())

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return v.Run(ctx) })

	g.Go(func() error {
		staffTyping := false
		for {
			select {
			case <-ctx.Done():
				return nil
			case c := <-updates:
				switch c.Kind {
				case router.ChangeMessages:
					p.session(v.SessionID())
				case router.ChangeTyping:
					if now := v.StaffTyping(); now != staffTyping {
						staffTyping = now
						if now {
							fmt.Fprintln(out, "… support is typing")
						}
					}
				case router.ChangeConnection:
					if v.Established() {
						fmt.Fprintln(out, "connected")
					} else {
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
				line = strings.TrimSpace(line)
				switch {
				case line == "/quit":
					return nil
				case strings.HasPrefix(line, "/file "):
					if err := sendFile(ctx, strings.TrimSpace(strings.TrimPrefix(line, "/file ")), v.SendAttachment); err != nil {
						fmt.Fprintf(out, "attachment not sent: %v\n", err)
					}
				case line != "":
					v.InputChanged()
					if !v.SendMessage(ctx, line, nil) {
						fmt.Fprintln(out, "not connected, message not sent")
					}
				}
			}
		}
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
