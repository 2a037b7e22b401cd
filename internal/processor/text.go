package processor

import (
	"fmt"
	"image"
	"strings"
	"sync"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	xdraw "golang.org/x/image/draw"

	"github.com/lamim/prefbatch/internal/util"
	"github.com/lamim/prefbatch/pkg/models"
)

const (
	padToken = "<pad>"
	bosToken = "<s>"
	eosToken = "</s>"
	unkToken = "<unk>"
)

// Defaults for TextProcessor construction.
const (
	DefaultModelMaxLength = 2048
	DefaultImageSize      = 32
)

// TextConfig configures a TextProcessor. Zero values pick the defaults.
type TextConfig struct {
	ModelMaxLength int
	// PaddingSide is "left" or "right" (default "right").
	PaddingSide string
	// ImageSize is the square side length images are scaled to.
	ImageSize int
}

// TextProcessor is a whitespace tokenizer with an open vocabulary: unseen
// words are assigned the next free id on first sight, so runs over the same
// inputs are deterministic. Special markers embedded in text (such as a
// trailing end-of-sequence token) are recognized without surrounding
// whitespace. Images are scaled to a fixed square and emitted as CHW float32
// planes in [0,1].
type TextProcessor struct {
	mu    sync.Mutex
	vocab map[string]int64

	modelMaxLength int
	paddingSide    string
	imageSize      int
}

// NewTextProcessor creates a processor with the four special tokens
// preregistered.
func NewTextProcessor(cfg TextConfig) *TextProcessor {
	if cfg.ModelMaxLength <= 0 {
		cfg.ModelMaxLength = DefaultModelMaxLength
	}
	if cfg.PaddingSide == "" {
		cfg.PaddingSide = "right"
	}
	if cfg.ImageSize <= 0 {
		cfg.ImageSize = DefaultImageSize
	}
	return &TextProcessor{
		vocab: map[string]int64{
			padToken: 0,
			bosToken: 1,
			eosToken: 2,
			unkToken: 3,
		},
		modelMaxLength: cfg.ModelMaxLength,
		paddingSide:    cfg.PaddingSide,
		imageSize:      cfg.ImageSize,
	}
}

func (p *TextProcessor) PadTokenID() int64   { return 0 }
func (p *TextProcessor) EOSToken() string    { return eosToken }
func (p *TextProcessor) ModelMaxLength() int { return p.modelMaxLength }
func (p *TextProcessor) PaddingSide() string { return p.paddingSide }

// Process tokenizes req.Texts and, when image slots are present,
// preprocesses them into pixel tensors.
func (p *TextProcessor) Process(req Request) (*Result, error) {
	if len(req.Texts) == 0 {
		return nil, fmt.Errorf("process request has no texts")
	}
	if len(req.Images) > 0 && len(req.Images) != len(req.Texts) {
		return nil, fmt.Errorf("image slots (%d) do not match texts (%d)", len(req.Images), len(req.Texts))
	}

	maxLength := req.MaxLength
	if maxLength <= 0 {
		maxLength = p.modelMaxLength
	}

	rows := make([][]int64, len(req.Texts))
	lengths := make([]int, len(req.Texts))
	for i, text := range req.Texts {
		row := p.encode(text, req.AddSpecialTokens)
		if req.Truncation && len(row) > maxLength {
			row = row[:maxLength]
		}
		rows[i] = row
		lengths[i] = len(row)
	}

	side := req.PaddingSide
	if side == "" {
		side = p.paddingSide
	}

	width := lengths[0]
	if req.Padding {
		rows = util.PaddingFor(side)(rows, p.PadTokenID())
		width = len(rows[0])
	} else {
		for _, n := range lengths {
			if n != width {
				return nil, fmt.Errorf("ragged batch needs padding: row lengths %v", lengths)
			}
		}
	}

	res := &Result{Lengths: lengths}
	res.InputIDs = idsTensor(rows, width)
	res.Labels = idsTensor(rows, width)

	if req.ReturnAttentionMask {
		mask := make([]bool, len(rows)*width)
		for i, n := range lengths {
			offset := 0
			if side == "left" {
				offset = width - n
			}
			for j := 0; j < n; j++ {
				mask[i*width+offset+j] = true
			}
		}
		res.AttentionMask = tensors.FromFlatDataAndDimensions(mask, len(rows), width)
	}

	pixels, err := p.processImages(req.Images)
	if err != nil {
		return nil, err
	}
	res.PixelValues = pixels

	return res, nil
}

// encode maps a text to token ids, growing the vocabulary as needed.
func (p *TextProcessor) encode(text string, addSpecialTokens bool) []int64 {
	pieces := splitSpecials(text)

	p.mu.Lock()
	defer p.mu.Unlock()

	var ids []int64
	if addSpecialTokens {
		ids = append(ids, p.vocab[bosToken])
	}
	for _, piece := range pieces {
		id, ok := p.vocab[piece]
		if !ok {
			id = int64(len(p.vocab))
			p.vocab[piece] = id
		}
		ids = append(ids, id)
	}
	return ids
}

// splitSpecials splits text into whitespace-delimited words while carving
// out special markers that may be glued to a word, e.g. "done</s>".
func splitSpecials(text string) []string {
	specials := []string{padToken, bosToken, eosToken, unkToken}

	var pieces []string
	for _, field := range strings.Fields(text) {
		for field != "" {
			idx, special := -1, ""
			for _, s := range specials {
				if i := strings.Index(field, s); i >= 0 && (idx == -1 || i < idx) {
					idx, special = i, s
				}
			}
			if idx == -1 {
				pieces = append(pieces, field)
				break
			}
			if idx > 0 {
				pieces = append(pieces, field[:idx])
			}
			pieces = append(pieces, special)
			field = field[idx+len(special):]
		}
	}
	return pieces
}

func idsTensor(rows [][]int64, width int) *tensors.Tensor {
	flat := make([]int64, 0, len(rows)*width)
	for _, row := range rows {
		flat = append(flat, row...)
	}
	return tensors.FromFlatDataAndDimensions(flat, len(rows), width)
}

// processImages converts the image slots of a batch into pixel tensors.
// An all-bare batch stacks into one (B, 3, H, W) tensor; a batch with any
// wrapped slot emits one nested group per slot so multi-image layouts keep
// their structure.
func (p *TextProcessor) processImages(entries []models.ImageEntry) (*models.PixelValues, error) {
	withImage := 0
	wrapped := false
	for _, e := range entries {
		if e.Image != nil {
			withImage++
		}
		if e.Wrapped {
			wrapped = true
		}
	}
	if withImage == 0 {
		return nil, nil
	}
	if withImage != len(entries) {
		return nil, fmt.Errorf("mixed batch: %d of %d image slots are empty", len(entries)-withImage, len(entries))
	}

	if !wrapped {
		flat := make([]float32, 0, len(entries)*3*p.imageSize*p.imageSize)
		for _, e := range entries {
			flat = append(flat, p.renderPlanes(e.Image)...)
		}
		return &models.PixelValues{
			Tensor: tensors.FromFlatDataAndDimensions(flat, len(entries), 3, p.imageSize, p.imageSize),
		}, nil
	}

	groups := make([]*models.PixelValues, len(entries))
	for i, e := range entries {
		groups[i] = &models.PixelValues{
			Tensor: tensors.FromFlatDataAndDimensions(p.renderPlanes(e.Image), 1, 3, p.imageSize, p.imageSize),
		}
	}
	return &models.PixelValues{Groups: groups}, nil
}

// renderPlanes scales an image to the configured square and returns its
// CHW float32 planes normalized to [0,1].
func (p *TextProcessor) renderPlanes(img image.Image) []float32 {
	scaled := image.NewRGBA(image.Rect(0, 0, p.imageSize, p.imageSize))
	xdraw.ApproxBiLinear.Scale(scaled, scaled.Bounds(), img, img.Bounds(), xdraw.Src, nil)

	size := p.imageSize * p.imageSize
	planes := make([]float32, 3*size)
	for y := 0; y < p.imageSize; y++ {
		for x := 0; x < p.imageSize; x++ {
			r, g, b, _ := scaled.At(x, y).RGBA()
			i := y*p.imageSize + x
			planes[i] = float32(r>>8) / 255.0
			planes[size+i] = float32(g>>8) / 255.0
			planes[2*size+i] = float32(b>>8) / 255.0
		}
	}
	return planes
}
