package models

import (
	"image"

	"github.com/gomlx/gomlx/pkg/core/tensors"
)

// RawRecord is one record as produced by a record source. Its shape is
// dataset-specific and interpreted only by the template that formats it.
type RawRecord map[string]any

// SafetyLabel is the categorical safety annotation attached to one response
// of a preference pair.
type SafetyLabel string

const (
	SafetyLabelSafe    SafetyLabel = "safe"
	SafetyLabelUnsafe  SafetyLabel = "unsafe"
	SafetyLabelUnknown SafetyLabel = ""
)

// MetaInfo is the auxiliary data a template extracts alongside the formatted
// conversation pair. The safety labels are only populated by safety-aware
// templates.
type MetaInfo struct {
	BetterResponse string
	WorseResponse  string
	Image          image.Image
	IsBetterSafe   SafetyLabel
	IsWorseSafe    SafetyLabel
}

// PreferenceSample is one preprocessed preference pair, ready for collation.
// Both conversation strings end with the processor's end-of-sequence marker.
type PreferenceSample struct {
	BetterConversation string
	WorseConversation  string
	BetterResponseLens int
	WorseResponseLens  int
	Image              image.Image
}

// SafetyPreferenceSample is a PreferenceSample carrying the two per-response
// safety labels of the pair.
type SafetyPreferenceSample struct {
	PreferenceSample
	IsBetterSafe SafetyLabel
	IsWorseSafe  SafetyLabel
}

// ImageWrapMode selects how the collator hands each image slot to the
// processor.
type ImageWrapMode string

const (
	// ImageWrapDefault defers the choice to the MULTI_IMAGES_INFERENCE_MODELS
	// environment switch at collation time.
	ImageWrapDefault ImageWrapMode = ""
	// ImageWrapBare passes the image directly.
	ImageWrapBare ImageWrapMode = "bare"
	// ImageWrapSingleList wraps each image in a single-element group, for
	// multi-image-capable processors.
	ImageWrapSingleList ImageWrapMode = "single-element-list"
	// ImageWrapForcedRGB converts each image to RGB and wraps it in a
	// single-element group. Compatibility mode for processors that reject
	// non-RGB inputs.
	ImageWrapForcedRGB ImageWrapMode = "forced-rgb-single-element-list"
)

// Valid reports whether m is a known wrap mode.
func (m ImageWrapMode) Valid() bool {
	switch m {
	case ImageWrapDefault, ImageWrapBare, ImageWrapSingleList, ImageWrapForcedRGB:
		return true
	}
	return false
}

// ImageEntry is one slot of a collated image list. Wrapped entries carry the
// image inside a single-element group, bare entries carry it directly. A nil
// Image marks a text-only slot.
type ImageEntry struct {
	Image   image.Image
	Wrapped bool
}

// PixelValues holds the processed image tensors of a batch. A processor
// emits either one stacked Tensor or nested per-slot Groups; the two fields
// are mutually exclusive at each level.
type PixelValues struct {
	Tensor *tensors.Tensor
	Groups []*PixelValues
}

// BatchMeta is the auxiliary, untokenized side of a collated batch.
// ResponseLens holds the better-half lengths followed by the worse-half
// lengths, in row order.
type BatchMeta struct {
	Images       []ImageEntry
	ResponseLens []int
}

// PreferenceBatch is one collated batch of 2N rows: rows [0,N) are the
// better conversations and rows [N,2N) the worse conversations, in the same
// sample order. Downstream pairwise losses rely on that pairing.
type PreferenceBatch struct {
	InputIDs      *tensors.Tensor // (2N, L) int64
	Labels        *tensors.Tensor // (2N, L) int64
	AttentionMask *tensors.Tensor // (2N, L) bool
	PixelValues   *PixelValues    // nil for text-only batches
	ImagesSeqMask *tensors.Tensor // optional, (2N, L) bool
	ImagesEmbMask *tensors.Tensor // optional, (2N, K) bool
	Meta          BatchMeta
}

// SafetyBatchMeta extends BatchMeta with the safety labels of the original,
// unpaired samples: IsBetterSafe[i] and IsWorseSafe[i] belong to input
// sample i, not to a concatenated row.
type SafetyBatchMeta struct {
	Images       []ImageEntry
	ResponseLens []int
	IsBetterSafe []SafetyLabel
	IsWorseSafe  []SafetyLabel
}

// SafetyPreferenceBatch is the safety-pipeline batch. It carries no image
// mask fields; otherwise it follows the PreferenceBatch row layout.
type SafetyPreferenceBatch struct {
	InputIDs      *tensors.Tensor
	Labels        *tensors.Tensor
	AttentionMask *tensors.Tensor
	PixelValues   *PixelValues
	Meta          SafetyBatchMeta
}
