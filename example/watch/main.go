// Command watch logs in as one user, keeps a reconciled copy of the
// mailbox and prints push events as they arrive.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.io/infrasutra/intramail/internal/client"
	"github.io/infrasutra/intramail/internal/event"
)

func main() {
	baseURL := flag.String("url", "http://localhost:3025", "intramail base URL")
	email := flag.String("email", "admin@intramail.local", "mailbox to watch")
	resync := flag.Duration("resync", 30*time.Second, "periodic resync interval")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	transport, err := client.NewHTTPTransport(*baseURL)
	if err != nil {
		logger.Error("build transport", "error", err)
		os.Exit(1)
	}
	if err := transport.Login(ctx, *email); err != nil {
		logger.Error("login", "email", *email, "error", err)
		os.Exit(1)
	}

	c := client.New(transport, client.Options{ResyncInterval: *resync, Logger: logger})
	c.OnStateChange(func(s client.State) {
		if s == client.StateOnline {
			fmt.Printf("[%s] inbox=%d archive=%d sent=%d\n", s,
				len(c.Snapshot(client.FolderInbox)),
				len(c.Snapshot(client.FolderArchive)),
				len(c.Snapshot(client.FolderSent)))
			return
		}
		fmt.Printf("[%s]\n", s)
	})
	c.On(event.NewEmail, func(ev event.Event) {
		var payload event.NewEmailPayload
		if err := ev.Decode(&payload); err == nil {
			fmt.Printf("new mail from %s: %s\n", payload.SenderEmail, payload.Subject)
		}
	})
	c.On(event.EmailRead, func(ev event.Event) {
		var payload event.EmailReadPayload
		if err := ev.Decode(&payload); err == nil {
			fmt.Printf("%s read %q\n", payload.ReaderName, payload.EmailSubject)
		}
	})

	if err := c.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("client stopped", "error", err)
		os.Exit(1)
	}
}
