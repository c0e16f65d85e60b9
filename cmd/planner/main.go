package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"trip_planner/internal/config"
	"trip_planner/internal/logger"
	"trip_planner/internal/planner"
	"trip_planner/internal/stream"
	"trip_planner/pkg"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:           "planner",
	Short:         "Multi-stage travel planning assistant",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("error loading .env file: %w", err)
		}
		var err error
		cfg, err = config.Load()
		if err != nil {
			return err
		}
		return logger.InitLogger(cfg.Log)
	},
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Plan a trip interactively",
	Long: `Read requests from stdin, one per line, and write the progress stream
to stdout as server-sent event frames. Type /new for a new session and /quit to exit.`,
	RunE: runChat,
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List active sessions",
	RunE:  runSessions,
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Remove expired sessions",
	RunE:  runSweep,
}

func init() {
	chatCmd.Flags().String("session", "", "resume an existing session id")
	sessionsCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(chatCmd, sessionsCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	sessionID, _ := cmd.Flags().GetString("session")

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	go a.sessions.RunJanitor(ctx, cfg.Session.JanitorInterval)

	enc := stream.NewEncoder(os.Stdout)
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	fmt.Fprintln(os.Stderr, "✈️  Where would you like to go? (/new, /quit)")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		case "/new":
			sessionID = ""
			fmt.Fprintln(os.Stderr, "🆕 Starting a new session")
			continue
		}

		outcome, err := handleLine(ctx, a.planner, enc, sessionID, line)
		if err != nil {
			log.Error().Err(err).Str("session_id", sessionID).Msg("❌ Request failed")
		}
		if outcome != nil {
			sessionID = outcome.SessionID
		}
		if ctx.Err() != nil {
			return nil
		}
	}
	return scanner.Err()
}

func handleLine(ctx context.Context, p *planner.Planner, enc *stream.Encoder, sessionID, text string) (*planner.Outcome, error) {
	out := make(chan pkg.StreamEvent, cfg.Pipeline.Buffer)
	drained := make(chan error, 1)
	go func() { drained <- stream.Drain(out, enc) }()

	outcome, err := p.Handle(ctx, planner.Request{SessionID: sessionID, Text: text}, out)
	close(out)
	if derr := <-drained; derr != nil && err == nil {
		err = fmt.Errorf("failed to write event stream: %w", derr)
	}
	return outcome, err
}

func runSessions(cmd *cobra.Command, args []string) error {
	sessions, closeStore, err := newSessions(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	active, err := sessions.ListActive(cmd.Context())
	if err != nil {
		return err
	}
	if len(active) == 0 {
		fmt.Println("No active sessions")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCREATED\tLAST ACTIVITY\tTURNS\tSTAGES")
	for _, s := range active {
		sum := sessions.Summary(s)
		stages := make([]string, 0, len(sum.Stages))
		for _, st := range sum.Stages {
			stages = append(stages, string(st))
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\n",
			sum.ID,
			sum.CreatedAt.Format("2006-01-02 15:04:05"),
			sum.LastActivity.Format("2006-01-02 15:04:05"),
			sum.UserTurns, sum.AssistantTurns,
			strings.Join(stages, ","),
		)
	}
	return w.Flush()
}

func runSweep(cmd *cobra.Command, args []string) error {
	sessions, closeStore, err := newSessions(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	n, err := sessions.Sweep(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Printf("Removed %d expired session(s)\n", n)
	return nil
}
