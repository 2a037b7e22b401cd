package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/lamim/prefbatch/internal/config"
	"github.com/lamim/prefbatch/internal/dataset"
	"github.com/lamim/prefbatch/internal/hub"
	"github.com/lamim/prefbatch/internal/processor"
	"github.com/lamim/prefbatch/internal/source"
	"github.com/lamim/prefbatch/internal/template"
	"github.com/lamim/prefbatch/internal/writer"
	"github.com/lamim/prefbatch/pkg/models"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var (
	configPath  string
	verbose     bool
	sizeFlag    int
	safetyFlag  bool
	limitFlag   int
	batchFlag   int
	outputDir   string
	metricsAddr string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "prefbatch",
		Short: "prefbatch - Preference Dataset Batch Pipeline",
		Long: `prefbatch loads preference-annotated datasets, filters unusable
records, preprocesses conversation pairs and collates them into padded
training batches.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", Version, GitCommit, BuildTime),
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.toml", "Path to configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().IntVar(&sizeFlag, "size", 0, "Override dataset size cap (0 = use config)")
	rootCmd.PersistentFlags().BoolVar(&safetyFlag, "safety", false, "Use the safety-labeled pipeline regardless of config")

	inspectCmd := &cobra.Command{
		Use:   "inspect",
		Short: "Inspect a dataset",
		Long:  "Load and filter the configured dataset and print its statistics plus the leading samples",
		RunE:  runInspect,
	}
	inspectCmd.Flags().IntVar(&limitFlag, "limit", 3, "Number of samples to print")

	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Export preprocessed samples",
		Long:  "Preprocess every valid sample and write it to a JSONL session directory",
		RunE:  runExport,
	}
	exportCmd.Flags().StringVar(&outputDir, "output", "output", "Output directory for export sessions")
	exportCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while exporting (e.g. :9090)")

	previewCmd := &cobra.Command{
		Use:   "preview",
		Short: "Collate one batch and print its layout",
		Long:  "Preprocess the leading samples, collate one batch and print the resulting tensor shapes",
		RunE:  runPreview,
	}
	previewCmd.Flags().IntVar(&batchFlag, "batch-size", 0, "Override batch size (0 = use config)")

	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(previewCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// pipeline bundles the constructed pipeline pieces one command needs.
type pipeline struct {
	cfg    *config.Config
	logger *slog.Logger
	proc   processor.Processor

	// Exactly one of the two datasets is set, per cfg.Dataset.Safety.
	prefs  *dataset.PreferenceDataset
	safety *dataset.SafetyPreferenceDataset
}

func (p *pipeline) length() int {
	if p.safety != nil {
		return p.safety.Len()
	}
	return p.prefs.Len()
}

func setup(ctx context.Context) (*pipeline, error) {
	cfg, secrets, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if safetyFlag {
		cfg.Dataset.Safety = true
	}

	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	logger.Info("prefbatch starting",
		"version", Version,
		"config", configPath,
		"dataset", cfg.Dataset.Path,
		"template", cfg.Dataset.Template)

	tmpl, err := template.Lookup(cfg.Dataset.Template)
	if err != nil {
		return nil, err
	}

	proc := processor.NewTextProcessor(processor.TextConfig{
		ModelMaxLength: cfg.Processor.ModelMaxLength,
		PaddingSide:    cfg.Processor.PaddingSide,
		ImageSize:      cfg.Processor.ImageSize,
	})

	hubClient := hub.NewClient(secrets.HubToken, logger, hub.Options{
		Endpoint:           cfg.Hub.Endpoint,
		CacheDir:           cfg.Hub.CacheDir,
		RateLimitPerMinute: cfg.Hub.RateLimitPerMinute,
		MaxRetries:         cfg.Hub.MaxRetries,
	})
	loader := source.NewLoader(hubClient, logger)

	size := cfg.Dataset.Size
	if sizeFlag > 0 {
		size = sizeFlag
	}
	opts := dataset.Options{
		Path:               cfg.Dataset.Path,
		Name:               cfg.Dataset.Name,
		Split:              cfg.Dataset.Split,
		DataFiles:          cfg.Dataset.DataFiles,
		Size:               size,
		OptionalArgs:       cfg.Dataset.OptionalArgs,
		StrictSchemaChecks: cfg.Dataset.StrictSchemaChecks,
		ImageWrapping:      models.ImageWrapMode(cfg.Collator.ImageWrapping),
	}

	p := &pipeline{cfg: cfg, logger: logger, proc: proc}
	if cfg.Dataset.Safety {
		p.safety, err = dataset.NewSafetyPreferenceDataset(ctx, logger, loader, tmpl, proc, opts)
	} else {
		p.prefs, err = dataset.NewPreferenceDataset(ctx, logger, loader, tmpl, proc, opts)
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runInspect(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	p, err := setup(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("Dataset:   %s\n", p.cfg.Dataset.Path)
	fmt.Printf("Template:  %s\n", p.cfg.Dataset.Template)
	fmt.Printf("Pipeline:  %s\n", pipelineName(p))
	fmt.Printf("Samples:   %d\n", p.length())
	fmt.Println(strings.Repeat("-", 60))

	limit := limitFlag
	if limit > p.length() {
		limit = p.length()
	}
	for i := 0; i < limit; i++ {
		exported, err := exportedSample(p, i)
		if err != nil {
			return fmt.Errorf("failed to preprocess sample %d: %w", i, err)
		}
		fmt.Printf("[%d] better: %s\n", i, exported.BetterConversation)
		fmt.Printf("    worse:  %s\n", exported.WorseConversation)
		fmt.Printf("    lens:   %d/%d  image: %v",
			exported.BetterResponseLens, exported.WorseResponseLens, exported.HasImage)
		if exported.IsBetterSafe != models.SafetyLabelUnknown || exported.IsWorseSafe != models.SafetyLabelUnknown {
			fmt.Printf("  safety: %s/%s", exported.IsBetterSafe, exported.IsWorseSafe)
		}
		fmt.Println()
	}
	return nil
}

func runExport(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	p, err := setup(ctx)
	if err != nil {
		return err
	}

	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				p.logger.Error("Metrics server stopped", "error", err)
			}
		}()
		p.logger.Info("Serving metrics", "addr", metricsAddr)
	}

	sessionMgr, err := writer.NewSessionManager(outputDir, p.logger)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	sampleWriter, err := writer.NewSampleWriter(sessionMgr, p.logger)
	if err != nil {
		return fmt.Errorf("failed to create sample writer: %w", err)
	}
	defer func() {
		if err := sampleWriter.Close(); err != nil {
			p.logger.Error("Failed to close sample writer", "error", err)
		}
	}()

	for i := 0; i < p.length(); i++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("export interrupted: %w", err)
		}
		exported, err := exportedSample(p, i)
		if err != nil {
			p.logger.Warn("Skipping sample", "index", i, "error", err)
			continue
		}
		if err := sampleWriter.WriteSample(*exported); err != nil {
			return err
		}
	}

	p.logger.Info("Export complete",
		"samples", sampleWriter.Count(),
		"session_dir", sessionMgr.SessionDir())
	return nil
}

func runPreview(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	p, err := setup(ctx)
	if err != nil {
		return err
	}

	batchSize := p.cfg.Collator.BatchSize
	if batchFlag > 0 {
		batchSize = batchFlag
	}
	if batchSize > p.length() {
		batchSize = p.length()
	}
	if batchSize == 0 {
		return fmt.Errorf("dataset has no valid samples to collate")
	}

	if p.safety != nil {
		samples := make([]models.SafetyPreferenceSample, batchSize)
		for i := range samples {
			s, err := p.safety.Sample(i)
			if err != nil {
				return fmt.Errorf("failed to preprocess sample %d: %w", i, err)
			}
			samples[i] = *s
		}
		batch, err := p.safety.Collator()(samples)
		if err != nil {
			return err
		}
		fmt.Printf("Pipeline:       %s\n", pipelineName(p))
		fmt.Printf("Input ids:      %v\n", batch.InputIDs.Shape().Dimensions)
		fmt.Printf("Attention mask: %v\n", shapeOf(batch.AttentionMask))
		fmt.Printf("Pixel values:   %s\n", pixelSummary(batch.PixelValues))
		fmt.Printf("Response lens:  %v\n", batch.Meta.ResponseLens)
		fmt.Printf("Safety labels:  %v / %v\n", batch.Meta.IsBetterSafe, batch.Meta.IsWorseSafe)
		return nil
	}

	samples := make([]models.PreferenceSample, batchSize)
	for i := range samples {
		s, err := p.prefs.Sample(i)
		if err != nil {
			return fmt.Errorf("failed to preprocess sample %d: %w", i, err)
		}
		samples[i] = *s
	}
	batch, err := p.prefs.Collator()(samples)
	if err != nil {
		return err
	}
	fmt.Printf("Pipeline:       %s\n", pipelineName(p))
	fmt.Printf("Input ids:      %v\n", batch.InputIDs.Shape().Dimensions)
	fmt.Printf("Attention mask: %v\n", shapeOf(batch.AttentionMask))
	fmt.Printf("Pixel values:   %s\n", pixelSummary(batch.PixelValues))
	fmt.Printf("Response lens:  %v\n", batch.Meta.ResponseLens)
	return nil
}

func pipelineName(p *pipeline) string {
	if p.safety != nil {
		return "safety-preference"
	}
	return "preference"
}

// exportedSample preprocesses sample i of whichever pipeline is active and
// shapes it for export.
func exportedSample(p *pipeline, i int) (*writer.ExportedSample, error) {
	if p.safety != nil {
		s, err := p.safety.Sample(i)
		if err != nil {
			return nil, err
		}
		return &writer.ExportedSample{
			Index:              i,
			BetterConversation: s.BetterConversation,
			WorseConversation:  s.WorseConversation,
			BetterResponseLens: s.BetterResponseLens,
			WorseResponseLens:  s.WorseResponseLens,
			HasImage:           s.Image != nil,
			IsBetterSafe:       s.IsBetterSafe,
			IsWorseSafe:        s.IsWorseSafe,
		}, nil
	}

	s, err := p.prefs.Sample(i)
	if err != nil {
		return nil, err
	}
	return &writer.ExportedSample{
		Index:              i,
		BetterConversation: s.BetterConversation,
		WorseConversation:  s.WorseConversation,
		BetterResponseLens: s.BetterResponseLens,
		WorseResponseLens:  s.WorseResponseLens,
		HasImage:           s.Image != nil,
	}, nil
}

func shapeOf(t *tensors.Tensor) string {
	if t == nil {
		return "none"
	}
	return fmt.Sprintf("%v", t.Shape().Dimensions)
}

func pixelSummary(pv *models.PixelValues) string {
	if pv == nil {
		return "none"
	}
	if pv.Tensor != nil {
		return fmt.Sprintf("stacked %v", pv.Tensor.Shape().Dimensions)
	}
	return fmt.Sprintf("%d nested groups", len(pv.Groups))
}
