package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/TobiSchelling/ActionRAG/internal/config"
	"github.com/TobiSchelling/ActionRAG/internal/pipeline"
	"github.com/TobiSchelling/ActionRAG/internal/server"
	"github.com/spf13/cobra"
)

var version = "dev"

var (
	verbose    bool
	configPath string
	cfg        *config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "actionrag",
	Short:   "Question answering over circular action points",
	Long:    "ActionRAG retrieves action points from a Qdrant collection, answers questions about them with a chat model, and analyses which matches are relevant.",
	Version: version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if verbose {
			log.SetFlags(log.LstdFlags | log.Lshortfile)
		} else {
			log.SetFlags(log.LstdFlags)
		}

		// Skip config loading for init and version
		if cmd.Name() == "init" || cmd.Name() == "version" {
			return nil
		}

		path, err := config.ResolveConfigPath(configPath)
		if err != nil {
			return err
		}
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		if cfg.Logging.Debug() {
			log.SetFlags(log.LstdFlags | log.Lshortfile)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(reframeCmd)
	rootCmd.AddCommand(analyseCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(providersCmd)
	rootCmd.AddCommand(collectionsCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("actionrag", version)
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration in ~/.config/actionrag/",
	RunE: func(cmd *cobra.Command, args []string) error {
		target := filepath.Join(config.ConfigDir(), "config.yaml")
		if _, err := os.Stat(target); err == nil {
			fmt.Printf("Config already exists: %s\n", target)
			return nil
		}

		if err := os.MkdirAll(config.ConfigDir(), 0o755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}

		if err := os.WriteFile(target, config.DefaultConfigYAML, 0o644); err != nil {
			return fmt.Errorf("writing config: %w", err)
		}

		fmt.Printf("Created config: %s\n", target)
		fmt.Println("Edit it to configure Qdrant, the embedding script, and chat providers.")
		return nil
	},
}

// --- serve command ---

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the JSON API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := openPipeline()
		if err != nil {
			return err
		}
		defer p.Close()

		port := cfg.Server.Port
		if cmd.Flags().Changed("port") || port == 0 {
			port = servePort
		}
		fmt.Printf("Starting server at http://localhost:%d\n", port)
		fmt.Println("Press Ctrl+C to stop")
		return server.Serve(p, port)
	},
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 8000, "Port to run server on")
}

// --- ask / reframe commands ---

var (
	askModel      string
	askCollection string
	askMode       string
	askProvider   string
	askChatModel  string
	askTopK       int
	askThreshold  float64
	askJSON       bool

	feedbackIncorrect string
	feedbackMissing   string
)

func addSearchFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&askModel, "model", "", "Embedding model (adapter folder name)")
	cmd.Flags().StringVar(&askCollection, "collection", "", "Qdrant collection")
	cmd.Flags().StringVar(&askMode, "mode", "", "Search mode: dense or hybrid")
	cmd.Flags().StringVar(&askProvider, "provider", "", "Chat provider id")
	cmd.Flags().StringVar(&askChatModel, "chat-model", "", "Chat model")
	cmd.Flags().IntVarP(&askTopK, "top-k", "k", 0, "Number of matches to retrieve")
	cmd.Flags().Float64Var(&askThreshold, "threshold", pipeline.DefaultThreshold, "Minimum dense similarity")
	cmd.Flags().BoolVar(&askJSON, "json", false, "Print the full response as JSON")
}

func searchRequest(cmd *cobra.Command, args []string) pipeline.SearchRequest {
	req := pipeline.SearchRequest{
		Question:     strings.Join(args, " "),
		Model:        askModel,
		Collection:   askCollection,
		SearchMode:   askMode,
		ChatProvider: askProvider,
		ChatModel:    askChatModel,
		TopK:         askTopK,
	}
	if cmd.Flags().Changed("threshold") {
		req.Threshold = &askThreshold
	}
	return req
}

var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Answer a question from the retrieved action points",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := openPipeline()
		if err != nil {
			return err
		}
		defer p.Close()

		out, err := p.Ask(context.Background(), searchRequest(cmd, args))
		if err != nil {
			return err
		}
		return printAnswer(out)
	},
}

var reframeCmd = &cobra.Command{
	Use:   "reframe [question]",
	Short: "Rewrite a question using feedback, then answer it",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := openPipeline()
		if err != nil {
			return err
		}
		defer p.Close()

		out, err := p.Reframe(context.Background(), pipeline.ReframeRequest{
			SearchRequest:     searchRequest(cmd, args),
			FeedbackIncorrect: feedbackIncorrect,
			FeedbackMissing:   feedbackMissing,
		})
		if err != nil {
			return err
		}
		return printAnswer(out)
	},
}

func init() {
	addSearchFlags(askCmd)
	addSearchFlags(reframeCmd)
	reframeCmd.Flags().StringVar(&feedbackIncorrect, "incorrect", "", "What was wrong with the previous answer")
	reframeCmd.Flags().StringVar(&feedbackMissing, "missing", "", "What the previous answer left out")
}

func printAnswer(out *pipeline.Answer) error {
	if askJSON {
		return printJSON(out)
	}
	if out.ReframedQuestion != "" {
		fmt.Printf("Reframed: %s\n\n", out.ReframedQuestion)
	}
	fmt.Println(out.Answer)
	fmt.Printf("\n%d matches (%s, top_k=%d, threshold=%.2f) in %dms\n",
		len(out.Matches), out.SearchMode, out.TopK, out.Threshold, out.Durations.TotalMS)
	fmt.Printf("Answered by %s/%s, record %s\n", out.AnswerProvider, out.AnswerModel, out.RecordID)
	return nil
}

// --- analyse command ---

var (
	analyseTopK      int
	analyseCacheOnly bool
	analyseProvider  string
	analyseModel     string
	analyseJSON      bool
)

var analyseCmd = &cobra.Command{
	Use:   "analyse [record-id]",
	Short: "Classify every match of a history record as relevant or not",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := openPipeline()
		if err != nil {
			return err
		}
		defer p.Close()

		out, err := p.Analyse(context.Background(), pipeline.AnalyseRequest{
			RecordID:     args[0],
			TopK:         analyseTopK,
			CacheOnly:    analyseCacheOnly,
			ChatProvider: analyseProvider,
			ChatModel:    analyseModel,
		})
		if err != nil {
			return err
		}
		if analyseJSON {
			return printJSON(out)
		}

		source := "fresh run"
		if out.Cached {
			source = "cached"
		}
		fmt.Printf("Analysis %s (%s)\n", out.AnalysisID, source)
		fmt.Printf("  Question: %s\n", out.Question)
		fmt.Printf("  Matches: %d\n", out.MatchCount)
		fmt.Printf("  Relevant: %d\n", out.RelevantCount)
		fmt.Printf("  Irrelevant: %d\n", out.IrrelevantCount)
		for _, g := range out.Groups {
			fmt.Printf("  Group %d [%d-%d]: %d relevant, %d irrelevant\n",
				g.GroupIndex, g.StartIndex, g.EndIndex, g.RelevantCount, g.IrrelevantCount)
		}
		return nil
	},
}

func init() {
	analyseCmd.Flags().IntVarP(&analyseTopK, "top-k", "k", 0, "Number of matches to classify")
	analyseCmd.Flags().BoolVar(&analyseCacheOnly, "cache-only", false, "Only return a cached analysis")
	analyseCmd.Flags().StringVar(&analyseProvider, "provider", "", "Chat provider id")
	analyseCmd.Flags().StringVar(&analyseModel, "chat-model", "", "Chat model")
	analyseCmd.Flags().BoolVar(&analyseJSON, "json", false, "Print the full analysis as JSON")
}

// --- history command ---

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent questions",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := openPipeline()
		if err != nil {
			return err
		}
		defer p.Close()

		page, err := p.History(historyLimit)
		if err != nil {
			return err
		}
		if len(page.Items) == 0 {
			fmt.Println("No history yet. Ask something with: actionrag ask")
			return nil
		}

		fmt.Printf("Showing %d of %d records:\n\n", len(page.Items), page.Total)
		for _, rec := range page.Items {
			question := rec.Question
			if len(question) > 70 {
				question = question[:70] + "..."
			}
			fmt.Printf("  [%s] %s %-7s %s\n", rec.Key(), rec.Timestamp.Format("2006-01-02 15:04"), rec.Type, question)
		}
		return nil
	},
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Number of records to show")
}

// --- providers / collections commands ---

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "List configured chat providers",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := openPipeline()
		if err != nil {
			return err
		}
		defer p.Close()

		list := p.Providers()
		fmt.Println("Chat providers:")
		for _, info := range list.Providers {
			icon := " "
			if info.ID == list.DefaultProvider {
				icon = "*"
			}
			state := "enabled"
			if !info.Enabled {
				state = "disabled"
			}
			fmt.Printf("  %s %s (%s, %s)\n", icon, info.ID, info.Type, state)
			if len(info.Models) > 0 {
				fmt.Printf("      models: %s (default %s)\n", strings.Join(info.Models, ", "), info.DefaultModel)
			}
		}

		models := p.EmbeddingModels()
		fmt.Println("\nEmbedding models:")
		if len(models.Models) == 0 {
			fmt.Printf("  %s (no adapter folders found)\n", models.DefaultModel)
		}
		for _, m := range models.Models {
			fmt.Printf("  %s\n", m)
		}
		return nil
	},
}

var collectionsCmd = &cobra.Command{
	Use:   "collections",
	Short: "List Qdrant collections",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := openPipeline()
		if err != nil {
			return err
		}
		defer p.Close()

		list, err := p.Collections(context.Background())
		if err != nil {
			return err
		}
		for _, name := range list.Collections {
			icon := " "
			if name == list.DefaultCollection {
				icon = "*"
			}
			fmt.Printf("  %s %s\n", icon, name)
		}
		return nil
	},
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func openPipeline() (*pipeline.Pipeline, error) {
	dataDir := cfg.GetDataDir()
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	return pipeline.Open(cfg)
}
