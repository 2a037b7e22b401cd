// Package processor defines the tokenizer/processor seam of the pipeline.
// All tokenization, padding, truncation and image preprocessing happens
// behind the Processor interface; datasets and collators only describe what
// they want.
package processor

import (
	"github.com/gomlx/gomlx/pkg/core/tensors"

	"github.com/lamim/prefbatch/pkg/models"
)

// Request describes one processing call over a batch of texts and their
// optional image slots. Images, when present, must be aligned 1:1 with
// Texts.
type Request struct {
	Texts  []string
	Images []models.ImageEntry

	AddSpecialTokens bool
	Padding          bool
	// PaddingSide overrides the processor's configured side when non-empty.
	PaddingSide string
	Truncation  bool
	// MaxLength caps row length when truncating; 0 means the processor's
	// model max length.
	MaxLength           int
	ReturnAttentionMask bool
}

// Result carries the tensors of one processing call. Optional fields are nil
// when the processor does not produce them. Lengths holds the unpadded,
// untruncated-after-clipping token count of each input text.
type Result struct {
	InputIDs      *tensors.Tensor // (B, L) int64
	Labels        *tensors.Tensor // (B, L) int64
	AttentionMask *tensors.Tensor // (B, L) bool
	PixelValues   *models.PixelValues
	ImagesSeqMask *tensors.Tensor
	ImagesEmbMask *tensors.Tensor
	Lengths       []int
}

// Processor tokenizes text batches and preprocesses their images.
type Processor interface {
	Process(req Request) (*Result, error)

	PadTokenID() int64
	EOSToken() string
	ModelMaxLength() int
	PaddingSide() string
}
