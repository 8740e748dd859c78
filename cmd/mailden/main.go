// Command mailden runs the mail synchronization engine: it keeps the
// local cache current for every configured account, threads and
// indexes incoming messages, and drains the outbox. The UI talks to
// the same database and store API; this process owns the servers.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/mailden/mailden/internal/credential"
	"github.com/mailden/mailden/internal/event"
	"github.com/mailden/mailden/internal/index"
	"github.com/mailden/mailden/internal/model"
	"github.com/mailden/mailden/internal/protocol"
	imapproto "github.com/mailden/mailden/internal/protocol/imap"
	pop3proto "github.com/mailden/mailden/internal/protocol/pop3"
	smtpproto "github.com/mailden/mailden/internal/protocol/smtp"
	"github.com/mailden/mailden/internal/store"
	msync "github.com/mailden/mailden/internal/sync"
	"github.com/mailden/mailden/internal/thread"
)

func main() {
	configPath := flag.String("config", model.DefaultConfigPath(), "path to config file")
	logLevel := flag.String("log-level", "info", "log level (trace, debug, info, warn, error)")
	flag.Parse()

	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).
		With().Timestamp().Logger()

	if err := run(log, *configPath); err != nil {
		log.Fatal().Err(err).Msg("mailden exited")
	}
}

func run(log zerolog.Logger, configPath string) error {
	cfg, err := model.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if len(cfg.Accounts) == 0 {
		return fmt.Errorf("no accounts configured in %s", configPath)
	}

	if dir := filepath.Dir(cfg.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating data directory: %w", err)
		}
	}

	st, err := store.NewSQLiteStore(cfg.DatabasePath, flagPolicy(cfg.Sync.FlagConflict))
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hub := event.NewHub(log)
	threadCh := hub.Subscribe("thread", 256)
	indexCh := hub.Subscribe("index", 256)
	notifyCh := hub.Subscribe("notify", 64)

	engine := thread.NewEngine(st, log)
	seeds, err := st.ThreadSeeds(ctx)
	if err != nil {
		return err
	}
	if err := engine.Bootstrap(ctx, seeds); err != nil {
		return fmt.Errorf("rebuilding conversations: %w", err)
	}

	indexer := index.NewIndexer(st.DB(), log)
	if _, err := indexer.Reconcile(ctx); err != nil {
		return fmt.Errorf("reconciling search index: %w", err)
	}
	go indexer.Run(ctx, indexCh)
	go runThreading(ctx, engine, threadCh, log)
	go runNotifications(ctx, notifyCh, log)

	secrets := credential.SystemSecrets()
	static := &credential.Static{Secrets: secrets}
	oauth := &credential.OAuth{
		Config: oauth2.Config{
			ClientID:     cfg.OAuth.ClientID,
			ClientSecret: cfg.OAuth.ClientSecret,
			RedirectURL:  cfg.OAuth.RedirectURL,
			Scopes:       cfg.OAuth.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  cfg.OAuth.AuthURL,
				TokenURL: cfg.OAuth.TokenURL,
			},
		},
		Secrets: secrets,
	}

	manager := msync.NewManager(log)
	for _, ac := range cfg.Accounts {
		account := ac.Account()
		if err := st.UpsertAccount(ctx, account); err != nil {
			return err
		}

		var provider credential.Provider = static
		if account.IsOAuth() {
			provider = oauth
		}

		var dialer protocol.Dialer
		switch account.Protocol {
		case model.ProtocolIMAP:
			dialer = &imapproto.Dialer{Account: account, Creds: provider, Log: log}
		case model.ProtocolPOP3:
			dialer = &pop3proto.Dialer{Account: account, Creds: provider, Log: log}
		default:
			return fmt.Errorf("account %s: unknown protocol %q", account.ID, account.Protocol)
		}

		var submitter protocol.Submitter
		if account.Submission.Host != "" {
			submitter = &smtpproto.Submitter{Account: account, Creds: provider, Log: log}
		}

		coordinator := msync.NewCoordinator(account, st, dialer, submitter, hub, cfg.Sync, log)
		coordinator.AttachIndexer(indexer)
		manager.Register(coordinator)
		log.Info().
			Str("account", account.ID).
			Str("protocol", string(account.Protocol)).
			Str("address", account.Address).
			Msg("account registered")
	}

	manager.Start(ctx)

	<-ctx.Done()
	log.Info().Msg("shutting down")
	manager.Stop()
	hub.Close()
	return nil
}

// runThreading feeds stored messages into the conversation engine.
func runThreading(ctx context.Context, engine *thread.Engine, events <-chan event.Event, log zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Kind != event.MessageStored || ev.Message == nil {
				continue
			}
			if _, err := engine.Add(ctx, *ev.Message); err != nil {
				log.Error().Err(err).Str("message_id", ev.MessageID).Msg("threading failed")
			}
		}
	}
}

// runNotifications surfaces new unread mail. The desktop notification
// itself belongs to the UI layer; the engine logs the trigger.
func runNotifications(ctx context.Context, events <-chan event.Event, log zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Kind != event.NewUnread || ev.Message == nil {
				continue
			}
			log.Info().
				Str("account", ev.AccountID).
				Str("from", ev.Message.From).
				Str("subject", ev.Message.Subject).
				Msg("new unread message")
		}
	}
}

func flagPolicy(name string) store.FlagPolicy {
	if strings.EqualFold(name, "server-wins") {
		return store.ServerWins
	}
	return store.LocalWins
}
