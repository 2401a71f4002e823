package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mikeboe/deep-researcher/pkg/config"
	"github.com/mikeboe/deep-researcher/pkg/database"
	"github.com/mikeboe/deep-researcher/pkg/pipeline"
	"github.com/mikeboe/deep-researcher/pkg/research"
	"github.com/spf13/cobra"
)

var (
	query         string
	maxIterations int
	outPath       string
	sourcesPath   string
	configPath    string
	index         bool
	verbose       bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "deep-researcher",
		Short: "An iterative web research agent",
		Long: `deep-researcher answers a question by repeatedly generating search queries,
reading the results, keeping the findings that are relevant and finally
writing a report that cites its sources.`,
		SilenceUsage: true,
		RunE:         run,
	}

	rootCmd.Flags().StringVarP(&query, "query", "q", "", "The research question (prompted for when omitted)")
	rootCmd.Flags().IntVarP(&maxIterations, "max-iterations", "n", 0, "Maximum research iterations (default from config)")
	rootCmd.Flags().StringVarP(&outPath, "out", "o", "", "Write the Markdown report to this file instead of stdout")
	rootCmd.Flags().StringVar(&sourcesPath, "sources", "", "Write the numbered sources as JSON to this file")
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "YAML config file (default $RESEARCH_CONFIG)")
	rootCmd.Flags().BoolVar(&index, "index", false, "Embed accepted findings into the pgvector store at DATABASE_URL")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Show debug logs")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	// Progress goes to stderr through the session log; slog only carries
	// warnings unless asked for more.
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration:\n%w", err)
	}

	if !cmd.Flags().Changed("query") {
		// Interactive Mode
		if query, err = promptQuery(cmd.InOrStdin(), cmd.ErrOrStderr()); err != nil {
			return err
		}
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return errors.New("query cannot be empty")
	}
	if maxIterations < 0 {
		return errors.New("--max-iterations must be positive")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var opts []pipeline.Option
	if index {
		if cfg.DatabaseURL == "" {
			return errors.New("--index requires DATABASE_URL")
		}
		db, err := database.NewPostgresDB(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer db.Close()

		ix, err := pipeline.NewIndex(ctx, cfg, db)
		if err != nil {
			return err
		}
		opts = append(opts, pipeline.WithIndexer(ix.Indexer))
	}

	p, err := pipeline.New(ctx, cfg, logger, opts...)
	if err != nil {
		return err
	}
	defer p.Close()

	session := p.NewSession(query, maxIterations)
	progress := cmd.ErrOrStderr()
	session.OnLog(func(e research.LogEntry) {
		fmt.Fprintf(progress, "[%s] %s\n", e.Time.Format("15:04:05"), e.Message)
	})

	report, err := p.Engine.Run(ctx, session)
	if err != nil {
		if session.Status() == research.StatusCancelled {
			return fmt.Errorf("research cancelled after %d iterations with %d findings", session.Iteration(), len(session.Findings()))
		}
		return err
	}

	if err := writeOutputs(report, outPath, sourcesPath, cmd.OutOrStdout()); err != nil {
		return err
	}
	if index {
		fmt.Fprintf(progress, "Findings indexed under session %s\n", session.ID)
	}
	return nil
}

// promptQuery asks for the research question on w and reads it from r.
func promptQuery(r io.Reader, w io.Writer) (string, error) {
	fmt.Fprint(w, "Enter research question: ")
	input, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("failed to read query: %w", err)
	}
	return strings.TrimSpace(input), nil
}

// writeOutputs writes the Markdown report to outPath, or stdout when empty,
// and the numbered sources to sourcesPath when set.
func writeOutputs(report *research.Report, outPath, sourcesPath string, stdout io.Writer) error {
	md := report.Markdown()
	if outPath == "" {
		if _, err := io.WriteString(stdout, md); err != nil {
			return err
		}
	} else if err := os.WriteFile(outPath, []byte(md), 0o644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}

	if sourcesPath != "" {
		data, err := json.MarshalIndent(report.Sources, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode sources: %w", err)
		}
		if err := os.WriteFile(sourcesPath, data, 0o644); err != nil {
			return fmt.Errorf("failed to write sources: %w", err)
		}
	}
	return nil
}
