package dataset

import (
	"context"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/lamim/prefbatch/internal/dist"
	"github.com/lamim/prefbatch/internal/metrics"
	"github.com/lamim/prefbatch/internal/processor"
	"github.com/lamim/prefbatch/internal/source"
	"github.com/lamim/prefbatch/internal/template"
	"github.com/lamim/prefbatch/pkg/models"
)

// SafetyPreferenceDataset extends the preference pipeline with per-response
// safety labels. Templates used with it must populate the safety fields of
// their sample metadata.
type SafetyPreferenceDataset struct {
	raw          *source.Collection
	tmpl         template.Template
	proc         processor.Processor
	validIndices []int
	logger       *slog.Logger
	collector    *metrics.Collector
}

// NewSafetyPreferenceDataset loads and filters a safety preference dataset.
func NewSafetyPreferenceDataset(
	ctx context.Context,
	logger *slog.Logger,
	loader *source.Loader,
	tmpl template.Template,
	proc processor.Processor,
	opts Options,
) (*SafetyPreferenceDataset, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("dataset path must not be empty")
	}
	if tmpl == nil {
		return nil, fmt.Errorf("dataset template must not be nil")
	}
	if proc == nil {
		return nil, fmt.Errorf("dataset processor must not be nil")
	}

	raw, err := loader.Load(ctx, source.Request{
		Location:           opts.Path,
		Name:               opts.Name,
		Split:              opts.Split,
		DataFiles:          opts.DataFiles,
		Size:               opts.Size,
		OptionalArgs:       opts.OptionalArgs,
		StrictSchemaChecks: opts.StrictSchemaChecks,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load safety preference dataset: %w", err)
	}

	ds := &SafetyPreferenceDataset{
		raw:       raw,
		tmpl:      tmpl,
		proc:      proc,
		logger:    logger,
		collector: metrics.NewCollector("safety-preference", logger),
	}
	ds.validIndices = filterIndices(raw, tmpl, ds.collector)

	logger.Info("Prepared safety preference dataset",
		"path", opts.Path,
		"template", tmpl.Name(),
		"raw_records", raw.Len(),
		"valid_records", len(ds.validIndices))

	return ds, nil
}

// Len returns the number of valid samples.
func (d *SafetyPreferenceDataset) Len() int {
	return len(d.validIndices)
}

// Sample preprocesses and returns the sample at index.
func (d *SafetyPreferenceDataset) Sample(index int) (*models.SafetyPreferenceSample, error) {
	if index < 0 || index >= len(d.validIndices) {
		return nil, fmt.Errorf("sample index %d out of range [0, %d)", index, len(d.validIndices))
	}

	rec, err := d.raw.Record(d.validIndices[index])
	if err != nil {
		return nil, err
	}

	sample, err := d.preprocess(rec)
	d.collector.RecordSample(err)
	return sample, err
}

func (d *SafetyPreferenceDataset) preprocess(rec models.RawRecord) (*models.SafetyPreferenceSample, error) {
	better, worse, meta, err := d.tmpl.FormatPreferenceSample(rec)
	if err != nil {
		return nil, fmt.Errorf("template %s failed to format record: %w", d.tmpl.Name(), err)
	}

	eos := d.proc.EOSToken()
	// This pipeline compares only the final rune against the marker, so a
	// multi-rune marker is re-appended even when the text already ends with
	// it. The base pipeline checks the full suffix instead.
	if !endsWithFinalRune(better, eos) {
		better += eos
	}
	if !endsWithFinalRune(worse, eos) {
		worse += eos
	}

	betterLens, err := responseLens(d.proc, meta.BetterResponse)
	if err != nil {
		return nil, fmt.Errorf("failed to tokenize better response: %w", err)
	}
	worseLens, err := responseLens(d.proc, meta.WorseResponse)
	if err != nil {
		return nil, fmt.Errorf("failed to tokenize worse response: %w", err)
	}

	return &models.SafetyPreferenceSample{
		PreferenceSample: models.PreferenceSample{
			BetterConversation: better,
			WorseConversation:  worse,
			BetterResponseLens: betterLens,
			WorseResponseLens:  worseLens,
			Image:              meta.Image,
		},
		IsBetterSafe: meta.IsBetterSafe,
		IsWorseSafe:  meta.IsWorseSafe,
	}, nil
}

func endsWithFinalRune(text, marker string) bool {
	if text == "" {
		return false
	}
	r, _ := utf8.DecodeLastRuneInString(text)
	return string(r) == marker
}

// SafetyCollateFunc assembles a list of safety samples into one batch.
type SafetyCollateFunc func(samples []models.SafetyPreferenceSample) (*models.SafetyPreferenceBatch, error)

// Collator returns the collation callable for this dataset.
func (d *SafetyPreferenceDataset) Collator() SafetyCollateFunc {
	c := NewSafetyPreferenceCollator(d.proc, d.logger, d.collector)
	return c.Collate
}

// SafetyPreferenceCollator assembles safety preference samples into padded
// batches. Images are always passed to the processor bare, and the image
// mask fields of the base batch are not produced. Safety labels stay
// unpaired: one entry per sample, not per row.
type SafetyPreferenceCollator struct {
	padTokenID  int64
	processor   processor.Processor
	paddingSide string
	device      dist.Device
	logger      *slog.Logger
	collector   *metrics.Collector
}

// NewSafetyPreferenceCollator builds a collator bound to a processor.
func NewSafetyPreferenceCollator(proc processor.Processor, logger *slog.Logger, collector *metrics.Collector) *SafetyPreferenceCollator {
	return &SafetyPreferenceCollator{
		padTokenID:  proc.PadTokenID(),
		processor:   proc,
		paddingSide: proc.PaddingSide(),
		device:      dist.CurrentDevice(),
		logger:      logger,
		collector:   collector,
	}
}

// Collate builds one batch from a non-empty list of samples.
func (c *SafetyPreferenceCollator) Collate(samples []models.SafetyPreferenceSample) (*models.SafetyPreferenceBatch, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("cannot collate an empty sample list")
	}
	start := time.Now()
	n := len(samples)

	entries := make([]models.ImageEntry, 0, 2*n)
	for half := 0; half < 2; half++ {
		for _, s := range samples {
			entries = append(entries, models.ImageEntry{Image: s.Image})
		}
	}

	texts := make([]string, 0, 2*n)
	for _, s := range samples {
		texts = append(texts, s.BetterConversation)
	}
	for _, s := range samples {
		texts = append(texts, s.WorseConversation)
	}

	res, err := c.processor.Process(processor.Request{
		Texts:               texts,
		Images:              entries,
		AddSpecialTokens:    true,
		Padding:             true,
		PaddingSide:         c.paddingSide,
		ReturnAttentionMask: true,
	})
	if err != nil {
		return nil, fmt.Errorf("processor failed to encode batch: %w", err)
	}

	batch := &models.SafetyPreferenceBatch{
		InputIDs:      c.device.Place(res.InputIDs),
		Labels:        c.device.Place(res.Labels),
		AttentionMask: placeOptional(c.device, res.AttentionMask),
	}
	// Only a top-level tensor is moved here; bare images never produce
	// nested pixel-value groups.
	if res.PixelValues != nil {
		pv := &models.PixelValues{Groups: res.PixelValues.Groups}
		if res.PixelValues.Tensor != nil {
			pv.Tensor = c.device.Place(res.PixelValues.Tensor)
		}
		batch.PixelValues = pv
	}

	batch.Meta.Images = entries
	lens := make([]int, 0, 2*n)
	for _, s := range samples {
		lens = append(lens, s.BetterResponseLens)
	}
	for _, s := range samples {
		lens = append(lens, s.WorseResponseLens)
	}
	batch.Meta.ResponseLens = lens

	betterSafe := make([]models.SafetyLabel, 0, n)
	worseSafe := make([]models.SafetyLabel, 0, n)
	for _, s := range samples {
		betterSafe = append(betterSafe, s.IsBetterSafe)
		worseSafe = append(worseSafe, s.IsWorseSafe)
	}
	batch.Meta.IsBetterSafe = betterSafe
	batch.Meta.IsWorseSafe = worseSafe

	c.collector.RecordCollate(n, time.Since(start))
	return batch, nil
}
