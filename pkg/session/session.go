// Package session ties the token store, the realtime client and the
// notification store into one supervised unit with the lifetime of a
// command. Each Session owns exactly one realtime client; there is no
// process-global connection.
package session

import (
	"context"
	"fmt"

	"github.com/soukhq/souk/pkg/api"
	"github.com/soukhq/souk/pkg/config"
	"github.com/soukhq/souk/pkg/history"
	"github.com/soukhq/souk/pkg/log"
	"github.com/soukhq/souk/pkg/notifications"
	"github.com/soukhq/souk/pkg/realtime"
	"github.com/soukhq/souk/pkg/token"
)

type Session struct {
	cfg     *config.Config
	tokens  *token.Store
	rest    *api.Client
	client  *realtime.Client
	store   *notifications.Store
	archive *history.Archive
	logger  *log.Logger
}

// New wires a session from configuration. The notification store's fetch
// gate re-reads the token file on every call, so auth changes apply
// without re-wiring.
func New(cfg *config.Config) (*Session, error) {
	tokens := token.NewStore(cfg.TokenPath)
	rest := api.NewClient(cfg.APIURL, tokens)

	client := realtime.NewClient(realtime.Options{
		BaseURL:     cfg.RealtimeURL,
		BaseDelay:   cfg.ReconnectBaseDelay.Duration,
		MaxDelay:    cfg.MaxReconnectDelay.Duration,
		MaxAttempts: cfg.MaxReconnectAttempts,
	})

	store := notifications.NewStore(rest, func() bool {
		return tokens.Token() != ""
	})
	store.SetChannel(client)

	s := &Session{
		cfg:    cfg,
		tokens: tokens,
		rest:   rest,
		client: client,
		store:  store,
		logger: log.ForService("session"),
	}

	if cfg.HistoryDBPath != "" {
		archive, err := history.Open(cfg.HistoryDBPath)
		if err != nil {
			return nil, fmt.Errorf("opening notification history: %w", err)
		}
		s.archive = archive
		store.SetArchiver(archive)
	}

	return s, nil
}

func (s *Session) Store() *notifications.Store {
	return s.store
}

func (s *Session) API() *api.Client {
	return s.rest
}

func (s *Session) Tokens() *token.Store {
	return s.tokens
}

func (s *Session) History() *history.Archive {
	return s.archive
}

// Subscribe attaches an extra listener to the realtime client, e.g. for
// CLI output. Returns the id for Unsubscribe.
func (s *Session) Subscribe(l realtime.Listener) uint64 {
	return s.client.Subscribe(l)
}

func (s *Session) Unsubscribe(id uint64) {
	s.client.Unsubscribe(id)
}

// Run supervises the session until ctx is done: connect and fetch while a
// token is present, tear down when it disappears, and follow token-file
// changes made by other processes (login/logout elsewhere).
func (s *Session) Run(ctx context.Context) error {
	subID := s.client.Subscribe(s.store)
	defer s.client.Unsubscribe(subID)
	defer s.client.Disconnect()
	defer s.closeArchive()

	sync := func() {
		tok := s.tokens.Token()
		if tok == "" {
			s.logger.Infof("no session token, disconnecting")
			s.client.Disconnect()
			s.store.Clear()
			return
		}
		if err := s.store.Fetch(ctx); err != nil {
			// Prior state is preserved; the push stream still works.
			s.logger.Warnf("initial notification fetch failed: %v", err)
		}
		s.client.Connect(tok)
	}

	if err := s.tokens.Watch(ctx, sync); err != nil {
		return fmt.Errorf("watching token file: %w", err)
	}
	sync()

	<-ctx.Done()
	return nil
}

func (s *Session) closeArchive() {
	if s.archive == nil {
		return
	}
	if err := s.archive.Close(); err != nil {
		s.logger.Warnf("closing notification history: %v", err)
	}
}
