package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tomasmach/tavern/agent"
	"github.com/tomasmach/tavern/bot"
	"github.com/tomasmach/tavern/config"
	"github.com/tomasmach/tavern/llm"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect to Discord and answer messages",
	Long: `Connects to the Discord gateway, retrying as configured under
discord.reconnect, and answers messages until SIGINT or SIGTERM.
Exits non-zero when the token is rejected or every connect attempt fails.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBot(cmd.Context(), settings)
	},
}

const shutdownTimeout = 5 * time.Second

func runBot(ctx context.Context, s *config.Settings) error {
	store, err := config.Open(s.StatePath)
	if err != nil {
		return fmt.Errorf("open state: %w", err)
	}
	cfg := store.Get()
	slog.Info("state loaded", "path", store.Path(), "characters", len(cfg.Characters))

	token := bot.Token(cfg)
	if token == "" {
		return errors.New("discord token is not set; configure it in the UI or set DISCORD_TOKEN")
	}
	if cfg.OpenAI.Model == "" {
		slog.Warn("openai.model is not set, completions will fail until it is")
	}

	b, err := bot.New(token)
	if err != nil {
		return fmt.Errorf("create bot: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	router := agent.NewRouter(gctx, agent.Deps{
		Store:         store,
		LLM:           llm.New(store),
		Sender:        bot.NewSender(b.Session()),
		MessageLimit:  s.Transport.MessageLimit,
		CommandPrefix: s.Transport.CommandPrefix,
	})
	b.SetRouter(router)

	g.Go(func() error {
		if err := b.Connect(gctx, cfg.Discord.Reconnect); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("connect to discord: %w", err)
		}
		slog.Info("bot connected")
		<-gctx.Done()
		return nil
	})

	if s.Web.MetricsListen != "" {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", promhttp.Handler())
		srv := &http.Server{Addr: s.Web.MetricsListen, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		g.Go(func() error {
			slog.Info("metrics listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	err = g.Wait()
	slog.Info("shutting down")
	if cerr := b.Stop(); cerr != nil {
		slog.Warn("close discord session", tint.Err(cerr))
	}
	router.WaitForDrain()
	if err != nil {
		return err
	}
	slog.Info("shutdown complete")
	return nil
}
