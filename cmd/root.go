// Package cmd implements the tavern command line: a launcher menu plus the
// run, web, check and version subcommands.
package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"github.com/tomasmach/tavern/config"
	"github.com/tomasmach/tavern/logstore"
)

var (
	settingsPath string

	// Populated by the root PersistentPreRunE.
	settings *config.Settings
	logs     *logstore.Store
)

var rootCmd = &cobra.Command{
	Use:   "tavern",
	Short: "Discord role-play bot with characters, lorebooks and presets",
	Long: `tavern answers Discord messages in character. Characters, lorebooks,
presets and chat history live in one JSON document edited through the
configuration UI or chat commands.

Run without arguments to open the launcher menu.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// A missing .env is normal.
		_ = godotenv.Load()

		path := settingsPath
		if path == "" {
			path = config.ResolveSettings()
		}
		s, err := config.LoadSettings(path)
		if err != nil {
			return err
		}
		settings = s

		if s.Log.DBPath != "" {
			logs, err = logstore.Open(s.Log.DBPath)
			if err != nil {
				return err
			}
		}
		setupLogger(cmd.ErrOrStderr(), s.Log, logs)
		slog.Debug("settings loaded", "path", path, "state_path", s.StatePath)
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if logs != nil {
			return logs.Close()
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return launcher(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout(), menuActions{
			web:   func(ctx context.Context) error { return runWeb(ctx, settings) },
			bot:   func(ctx context.Context) error { return runBot(ctx, settings) },
			check: func(out io.Writer) error { return runCheck(out, settings) },
		})
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&settingsPath, "settings", "", "Path to settings file (or set TAVERN_SETTINGS)")
	rootCmd.AddCommand(runCmd, webCmd, checkCmd, versionCmd)
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		return 1
	}
	return 0
}

type menuActions struct {
	web   func(ctx context.Context) error
	bot   func(ctx context.Context) error
	check func(out io.Writer) error
}

const menu = `
tavern
  1) Run configuration UI
  2) Run bot
  3) Check configuration
  4) Exit
> `

// launcher shows the interactive menu. The UI and the bot take over the
// process until they stop; a check returns to the menu.
func launcher(ctx context.Context, in io.Reader, out io.Writer, actions menuActions) error {
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, menu)
		if !scanner.Scan() {
			return scanner.Err()
		}
		switch strings.TrimSpace(scanner.Text()) {
		case "1":
			return actions.web(ctx)
		case "2":
			return actions.bot(ctx)
		case "3":
			if err := actions.check(out); err != nil && !errors.Is(err, errInvalidConfig) {
				slog.Error("check configuration", tint.Err(err))
			}
		case "4":
			return nil
		default:
			fmt.Fprintln(out, "Invalid choice.")
		}
	}
}
