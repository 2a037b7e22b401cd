// Package dataset glues record sources, templates and processors into
// indexed preference datasets and their batch collators.
package dataset

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/lamim/prefbatch/internal/dist"
	"github.com/lamim/prefbatch/internal/metrics"
	"github.com/lamim/prefbatch/internal/processor"
	"github.com/lamim/prefbatch/internal/source"
	"github.com/lamim/prefbatch/internal/template"
	"github.com/lamim/prefbatch/internal/util"
	"github.com/lamim/prefbatch/pkg/models"
)

// Options configures dataset construction.
type Options struct {
	Path      string
	Name      string
	Split     string
	DataFiles []string
	// Size keeps only the leading min(Size, available) raw records.
	Size               int
	OptionalArgs       []string
	StrictSchemaChecks bool
	// ImageWrapping selects the collator's image-wrapping strategy at
	// construction time. The zero value defers to the
	// MULTI_IMAGES_INFERENCE_MODELS environment switch at collation time.
	ImageWrapping models.ImageWrapMode
}

// PreferenceDataset is an indexed view over the valid records of a
// preference dataset. Indexed access preprocesses the underlying record on
// every call; samples are never cached.
type PreferenceDataset struct {
	raw          *source.Collection
	tmpl         template.Template
	proc         processor.Processor
	wrapMode     models.ImageWrapMode
	validIndices []int
	logger       *slog.Logger
	collector    *metrics.Collector
}

// NewPreferenceDataset loads and filters a preference dataset.
func NewPreferenceDataset(
	ctx context.Context,
	logger *slog.Logger,
	loader *source.Loader,
	tmpl template.Template,
	proc processor.Processor,
	opts Options,
) (*PreferenceDataset, error) {
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
		return nil, fmt.Errorf("failed to load preference dataset: %w", err)
	}

	ds := &PreferenceDataset{
		raw:       raw,
		tmpl:      tmpl,
		proc:      proc,
		wrapMode:  opts.ImageWrapping,
		logger:    logger,
		collector: metrics.NewCollector("preference", logger),
	}
	ds.validIndices = filterIndices(raw, tmpl, ds.collector)

	logger.Info("Prepared preference dataset",
		"path", opts.Path,
		"template", tmpl.Name(),
		"raw_records", raw.Len(),
		"valid_records", len(ds.validIndices))

	return ds, nil
}

// filterIndices scans the collection once and keeps the indices of usable
// records. With no equality predicate every index is kept. Records flagged
// equal are always dropped; a validation predicate, when present, vetoes the
// remaining records that fail it. The progress bar is shown on the primary
// worker only.
func filterIndices(raw *source.Collection, tmpl template.Template, collector *metrics.Collector) []int {
	start := time.Now()
	bar := progressbar.NewOptions(raw.Len(),
		progressbar.OptionSetDescription("Filtering valid indices"),
		progressbar.OptionSetVisibility(dist.IsPrimaryWorker()),
	)

	checkEqual := template.EqualPredicate(tmpl)
	checkValidation := template.ValidationPredicate(tmpl)

	var validIndices []int
	for i := 0; i < raw.Len(); i++ {
		_ = bar.Add(1)

		rec, err := raw.Record(i)
		if err != nil {
			continue
		}

		accepted := checkEqual == nil ||
			(!checkEqual(rec) && (checkValidation == nil || checkValidation(rec)))

		collector.RecordScan(accepted)
		if accepted {
			validIndices = append(validIndices, i)
		}
	}

	collector.RecordFilterDuration(time.Since(start))
	return validIndices
}

// Len returns the number of valid samples.
func (d *PreferenceDataset) Len() int {
	return len(d.validIndices)
}

// Sample preprocesses and returns the sample at index.
func (d *PreferenceDataset) Sample(index int) (*models.PreferenceSample, error) {
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

// preprocess formats one raw record and computes its response token lengths.
func (d *PreferenceDataset) preprocess(rec models.RawRecord) (*models.PreferenceSample, error) {
	better, worse, meta, err := d.tmpl.FormatPreferenceSample(rec)
	if err != nil {
		return nil, fmt.Errorf("template %s failed to format record: %w", d.tmpl.Name(), err)
	}

	eos := d.proc.EOSToken()
	if !util.EndsWithAny(better, eos) {
		better += eos
	}
	if !util.EndsWithAny(worse, eos) {
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

	return &models.PreferenceSample{
		BetterConversation: better,
		WorseConversation:  worse,
		BetterResponseLens: betterLens,
		WorseResponseLens:  worseLens,
		Image:              meta.Image,
	}, nil
}

// responseLens counts the tokens of a raw response text: special tokens
// off, no padding, default truncation.
func responseLens(proc processor.Processor, text string) (int, error) {
	res, err := proc.Process(processor.Request{
		Texts:      []string{text},
		Truncation: true,
	})
	if err != nil {
		return 0, err
	}
	return res.Lengths[0], nil
}

// CollateFunc assembles a list of samples into one batch.
type CollateFunc func(samples []models.PreferenceSample) (*models.PreferenceBatch, error)

// Collator returns the collation callable for this dataset.
func (d *PreferenceDataset) Collator() CollateFunc {
	c := NewPreferenceCollator(d.proc, d.wrapMode, d.logger, d.collector)
	return c.Collate
}
