package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/npezzotti/cotai-messaging/internal/api"
	"github.com/npezzotti/cotai-messaging/internal/auth"
	"github.com/npezzotti/cotai-messaging/internal/config"
	"github.com/npezzotti/cotai-messaging/internal/stats"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
)

const requestTimeout = 30 * time.Second

// env is what every command needs: configuration, logging, credentials
// and the REST client.
type env struct {
	cfg    *config.Config
	log    zerolog.Logger
	store  auth.TokenStore
	client *api.Client
	stats  stats.StatsProvider

	statsUpdater *stats.StatsUpdater
	debugServer  *http.Server
}

func setup(c *cli.Context) (*env, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	level := cfg.Log.Level
	if c.IsSet("log-level") {
		level = c.String("log-level")
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(lvl).
		With().
		Timestamp().
		Str("app", "cotaichat").
		Logger()

	store := auth.NewFileStore(cfg.Auth.CredentialsPath)
	client, err := api.NewClient(api.Config{
		BaseURL:           cfg.API.BaseURL,
		Timeout:           cfg.API.Timeout,
		RequestsPerSecond: cfg.API.RequestsPerSecond,
		Burst:             cfg.API.Burst,
	}, store, logger)
	if err != nil {
		return nil, fmt.Errorf("api client: %w", err)
	}

	e := &env{cfg: cfg, log: logger, store: store, client: client, stats: stats.Discard}

	addr := cfg.Debug.Addr
	if c.IsSet("debug-addr") {
		addr = c.String("debug-addr")
	}
	if addr != "" {
		mux := http.NewServeMux()
		e.statsUpdater = stats.NewStatsUpdater(mux, logger)
		e.statsUpdater.Run()
		e.stats = e.statsUpdater

		e.debugServer = stats.NewDebugServer(addr, mux, logger)
		go func() {
			if err := e.debugServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("debug server")
			}
		}()
		logger.Info().Str("addr", addr).Msg("serving debug metrics")
	}

	return e, nil
}

func (e *env) close() {
	if e.debugServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.debugServer.Shutdown(ctx); err != nil {
			e.log.Error().Err(err).Msg("debug server shutdown")
		}
	}
	if e.statsUpdater != nil {
		e.statsUpdater.Stop()
	}
}

func loginCommand() *cli.Command {
	return &cli.Command{
		Name:      "login",
		Usage:     "Sign in and store credentials",
		ArgsUsage: "EMAIL",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "password",
				Usage:   "Password; read from stdin when omitted",
				EnvVars: []string{"COTAI_PASSWORD"},
			},
		},
		Action: runLogin,
	}
}

func runLogin(c *cli.Context) error {
	email := c.Args().First()
	if email == "" {
		return cli.Exit("an email is required", 2)
	}

	e, err := setup(c)
	if err != nil {
		return err
	}
	defer e.close()

	password := c.String("password")
	if password == "" {
		fmt.Fprint(os.Stderr, "Password: ")
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return fmt.Errorf("read password: %w", err)
		}
		password = strings.TrimRight(line, "\r\n")
	}

	ctx, cancel := context.WithTimeout(c.Context, requestTimeout)
	defer cancel()

	if _, err := e.client.Login(ctx, email, password); err != nil {
		return err
	}

	me, err := e.client.Me(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("Logged in as %s\n", me.DisplayName())
	return nil
}

func logoutCommand() *cli.Command {
	return &cli.Command{
		Name:  "logout",
		Usage: "Sign out and forget stored credentials",
		Action: func(c *cli.Context) error {
			e, err := setup(c)
			if err != nil {
				return err
			}
			defer e.close()

			ctx, cancel := context.WithTimeout(c.Context, requestTimeout)
			defer cancel()

			if err := e.client.Logout(ctx); err != nil && !errors.Is(err, api.ErrSessionExpired) {
				e.log.Warn().Err(err).Msg("backend logout failed, credentials removed locally")
			}

			fmt.Println("Logged out")
			return nil
		},
	}
}

func conversationsCommand() *cli.Command {
	return &cli.Command{
		Name:    "conversations",
		Aliases: []string{"ls"},
		Usage:   "List conversations with unread counts",
		Action:  runConversations,
	}
}

func runConversations(c *cli.Context) error {
	e, err := setup(c)
	if err != nil {
		return err
	}
	defer e.close()

	s, err := newSession(e)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, cancel := context.WithTimeout(c.Context, requestTimeout)
	defer cancel()

	if err := s.Inbox().Refresh(ctx); err != nil {
		return err
	}

	entries := s.Inbox().Entries()
	if len(entries) == 0 {
		fmt.Println("No conversations")
		return nil
	}

	for _, entry := range entries {
		conv := entry.Conversation
		line := fmt.Sprintf("%5d  %s", conv.Id, conv.DisplayName(s.Self()))
		if entry.Unread > 0 {
			line += fmt.Sprintf(" (%d unread)", entry.Unread)
		}
		if conv.LastMessage != nil {
			line += "  " + preview(conv.LastMessage.Content)
		}
		fmt.Println(line)
	}

	return nil
}

func searchCommand() *cli.Command {
	return &cli.Command{
		Name:      "search",
		Usage:     "Search messages",
		ArgsUsage: "QUERY",
		Action: func(c *cli.Context) error {
			e, err := setup(c)
			if err != nil {
				return err
			}
			defer e.close()

			ctx, cancel := context.WithTimeout(c.Context, requestTimeout)
			defer cancel()

			msgs, err := e.client.SearchMessages(ctx, strings.Join(c.Args().Slice(), " "))
			if err != nil {
				return err
			}

			for _, m := range msgs {
				fmt.Printf("[%d] %s %s: %s\n", m.ConversationId, m.CreatedAt.Local().Format(time.DateTime), m.Sender.DisplayName(), preview(m.Content))
			}
			return nil
		},
	}
}

func preview(s string) string {
	r := []rune(strings.Join(strings.Fields(s), " "))
	if len(r) > 60 {
		return string(r[:57]) + "..."
	}
	return string(r)
}
