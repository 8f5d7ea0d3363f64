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

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tomasmach/tavern/bot"
	"github.com/tomasmach/tavern/config"
	"github.com/tomasmach/tavern/llm"
	"github.com/tomasmach/tavern/web"
)

var webCmd = &cobra.Command{
	Use:   "web",
	Short: "Serve the configuration UI",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWeb(cmd.Context(), settings)
	},
}

func runWeb(ctx context.Context, s *config.Settings) error {
	store, err := config.Open(s.StatePath)
	if err != nil {
		return fmt.Errorf("open state: %w", err)
	}

	srv := web.New(s.Web.Listen, store, web.Deps{
		Models: llm.New(store),
		Sender: func(cfg *config.Config) (web.MessageSender, error) {
			sender, err := bot.NewRESTSender(bot.Token(cfg))
			if err != nil {
				return nil, err
			}
			return sender, nil
		},
		Logs:         logs,
		MessageLimit: s.Transport.MessageLimit,
	})

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("configuration UI listening", "url", "http://"+s.Web.Listen, "state_path", store.Path())
		if err := srv.Start(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("web server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}
