package dataset

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/gomlx/gomlx/pkg/core/tensors"

	"github.com/lamim/prefbatch/internal/dist"
	"github.com/lamim/prefbatch/internal/metrics"
	"github.com/lamim/prefbatch/internal/processor"
	"github.com/lamim/prefbatch/internal/util"
	"github.com/lamim/prefbatch/pkg/models"
)

// multiImagesEnv switches the default image wrapping to single-element
// lists when set to "Yes".
const multiImagesEnv = "MULTI_IMAGES_INFERENCE_MODELS"

// PreferenceCollator assembles preference samples into padded batches. For a
// batch of N samples the output holds 2N rows: rows [0, N) are the better
// conversations and rows [N, 2N) the worse ones, in sample order.
type PreferenceCollator struct {
	padTokenID  int64
	processor   processor.Processor
	paddingSide string
	// paddingFunc is selected from the padding side at construction. The
	// processor performs all padding itself, so this function is stored but
	// never invoked.
	paddingFunc util.PadFunc
	wrapMode    models.ImageWrapMode
	device      dist.Device
	logger      *slog.Logger
	collector   *metrics.Collector
}

// NewPreferenceCollator builds a collator bound to a processor and an
// image-wrapping strategy.
func NewPreferenceCollator(
	proc processor.Processor,
	wrapMode models.ImageWrapMode,
	logger *slog.Logger,
	collector *metrics.Collector,
) *PreferenceCollator {
	return &PreferenceCollator{
		padTokenID:  proc.PadTokenID(),
		processor:   proc,
		paddingSide: proc.PaddingSide(),
		paddingFunc: util.PaddingFor(proc.PaddingSide()),
		wrapMode:    wrapMode,
		device:      dist.CurrentDevice(),
		logger:      logger,
		collector:   collector,
	}
}

// PaddingFunc returns the stored padding function.
func (c *PreferenceCollator) PaddingFunc() util.PadFunc {
	return c.paddingFunc
}

// Collate builds one batch from a non-empty list of samples.
func (c *PreferenceCollator) Collate(samples []models.PreferenceSample) (*models.PreferenceBatch, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("cannot collate an empty sample list")
	}
	start := time.Now()
	n := len(samples)

	entries := c.imageEntries(samples)
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

	batch := &models.PreferenceBatch{
		InputIDs:      c.device.Place(res.InputIDs),
		Labels:        c.device.Place(res.Labels),
		PixelValues:   placePixelValues(c.device, res.PixelValues),
		ImagesSeqMask: placeOptional(c.device, res.ImagesSeqMask),
		ImagesEmbMask: placeOptional(c.device, res.ImagesEmbMask),
		AttentionMask: placeOptional(c.device, res.AttentionMask),
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

	c.collector.RecordCollate(n, time.Since(start))
	return batch, nil
}

// imageEntries duplicates each sample's image across the better and worse
// halves and applies the wrapping strategy. The zero strategy is resolved at
// collation time from the environment.
func (c *PreferenceCollator) imageEntries(samples []models.PreferenceSample) []models.ImageEntry {
	mode := c.wrapMode
	if mode == models.ImageWrapDefault {
		if os.Getenv(multiImagesEnv) == "Yes" {
			mode = models.ImageWrapSingleList
		} else {
			mode = models.ImageWrapBare
		}
	}

	entries := make([]models.ImageEntry, 0, 2*len(samples))
	for half := 0; half < 2; half++ {
		for _, s := range samples {
			img := s.Image
			switch mode {
			case models.ImageWrapBare:
				entries = append(entries, models.ImageEntry{Image: img})
			case models.ImageWrapSingleList:
				entries = append(entries, models.ImageEntry{Image: img, Wrapped: true})
			case models.ImageWrapForcedRGB:
				if img != nil {
					img = util.ConvertToRGB(img)
				}
				entries = append(entries, models.ImageEntry{Image: img, Wrapped: true})
			}
		}
	}
	return entries
}

// placePixelValues walks the pixel-value structure recursively and moves
// every tensor it finds onto the device.
func placePixelValues(dev dist.Device, pv *models.PixelValues) *models.PixelValues {
	if pv == nil {
		return nil
	}
	out := &models.PixelValues{}
	if pv.Tensor != nil {
		out.Tensor = dev.Place(pv.Tensor)
	}
	for _, g := range pv.Groups {
		out.Groups = append(out.Groups, placePixelValues(dev, g))
	}
	return out
}

func placeOptional(dev dist.Device, t *tensors.Tensor) *tensors.Tensor {
	if t == nil {
		return nil
	}
	return dev.Place(t)
}
