package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	staffline "github.com/staffline-io/staffline-go"
)

const defaultWebhookListen = ":8787"

// newClient creates a REST client from the resolved config.
func newClient(cfg *Config) *staffline.Client {
	opts := []staffline.ClientOption{staffline.WithClientLogger(logger)}
	if cfg.Default.BaseURL != "" {
		opts = append(opts, staffline.WithBaseURL(cfg.Default.BaseURL))
	} else if cfg.Default.Environment != "" && cfg.Default.Environment != "production" {
		opts = append(opts, staffline.WithEnvironment(staffline.Environment(cfg.Default.Environment)))
	}
	return staffline.NewClient(cfg.Default.Token, opts...)
}

func transportOf(cfg *Config) string {
	return valueOrDefault(cfg.Realtime.Transport, "ws")
}

// newSource builds the configured push transport. The returned stop func
// shuts down anything the source started (the webhook listener).
func newSource(cfg *Config, client *staffline.Client) (staffline.EventSource, func(), error) {
	rc := &staffline.RealtimeConfig{Token: cfg.Default.Token, Logger: &logger}
	if cfg.Realtime.Heartbeat != "" {
		d, err := time.ParseDuration(cfg.Realtime.Heartbeat)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid realtime.heartbeat: %w", err)
		}
		rc.HeartbeatInterval = d
	}

	switch transportOf(cfg) {
	case "ws":
		return client.Realtime().WebSocket(rc), func() {}, nil
	case "sse":
		return client.Realtime().SSE(rc), func() {}, nil
	case "webhook":
		src, err := staffline.NewWebhookSource(cfg.Realtime.WebhookSecret, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("webhook transport: %w", err)
		}
		mux := http.NewServeMux()
		mux.Handle("/webhook", src.HTTPHandler())
		srv := &http.Server{
			Addr:              valueOrDefault(cfg.Realtime.WebhookListen, defaultWebhookListen),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Str("addr", srv.Addr).Msg("webhook listener stopped")
			}
		}()
		logger.Info().Str("addr", srv.Addr).Msg("webhook listener started")
		stop := func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(ctx)
		}
		return src, stop, nil
	default:
		return nil, nil, fmt.Errorf("unknown realtime transport %q (valid: ws, sse, webhook)", cfg.Realtime.Transport)
	}
}

// newCache opens the offline cache: "memory" keeps it in process,
// otherwise an SQLite file (default ~/.staffline/cache.db).
func newCache(cfg *Config) (staffline.Cache, error) {
	path := cfg.Cache.Path
	switch path {
	case "memory":
		return staffline.NewMemoryCache(), nil
	case "":
		dir, err := configDir()
		if err != nil {
			return nil, err
		}
		path = filepath.Join(dir, "cache.db")
	}
	return staffline.NewSQLiteCache(path)
}

// offlineSource never delivers anything; one-shot commands use it so they
// don't open a push channel.
type offlineSource struct{}

type offlineChannel struct{}

func (offlineSource) Subscribe(ctx context.Context, userID string, onEvent func(staffline.Message), onError func(error)) (staffline.Channel, error) {
	return offlineChannel{}, nil
}

func (offlineChannel) Close() error { return nil }

// workspace is a signed-in Inbox plus what it was built from.
type workspace struct {
	cfg    *Config
	client *staffline.Client
	inbox  *staffline.Inbox
	stop   func()
}

// openWorkspace resolves the config, builds the Inbox and signs in. With
// live set, the configured push transport is used.
func openWorkspace(ctx context.Context, live bool, opts ...staffline.InboxOption) (*workspace, error) {
	cfg, err := resolveConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Default.Token == "" {
		return nil, fmt.Errorf("no token: run 'staffline init <token>' first")
	}
	if cfg.Default.UserID == "" {
		return nil, fmt.Errorf("no user: run 'staffline config set default.user_id <id>'")
	}

	client := newClient(cfg)
	var source staffline.EventSource = offlineSource{}
	stop := func() {}
	if live {
		if source, stop, err = newSource(cfg, client); err != nil {
			return nil, err
		}
	}
	cache, err := newCache(cfg)
	if err != nil {
		stop()
		return nil, fmt.Errorf("failed to open cache: %w", err)
	}

	opts = append([]staffline.InboxOption{
		staffline.WithLogger(logger),
		staffline.WithCache(cache),
	}, opts...)
	if cfg.Realtime.Retry > 0 {
		opts = append(opts, staffline.WithRetryPolicy(staffline.RetryPolicy{MaxAttempts: cfg.Realtime.Retry}))
	}
	inbox := staffline.NewInbox(client, source, opts...)

	if err := inbox.Session.SignIn(ctx, cfg.Default.UserID); err != nil {
		inbox.Close()
		stop()
		return nil, err
	}
	return &workspace{cfg: cfg, client: client, inbox: inbox, stop: stop}, nil
}

func (w *workspace) userID() string {
	return w.inbox.Session.UserID()
}

func (w *workspace) Close() {
	if err := w.inbox.Close(); err != nil {
		logger.Warn().Err(err).Msg("inbox close failed")
	}
	w.stop()
}

// displayName resolves a sender id against the participants of conversationID.
func (w *workspace) displayName(conversationID, userID string) string {
	if userID == w.userID() {
		return "you"
	}
	if c, ok := w.inbox.Conversations.Get(conversationID); ok {
		for _, p := range c.Participants {
			if p.UserID == userID && p.DisplayName != "" {
				return p.DisplayName
			}
		}
	}
	return userID
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}
