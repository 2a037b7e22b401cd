package dataset

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/lamim/prefbatch/internal/processor"
	"github.com/lamim/prefbatch/internal/source"
	"github.com/lamim/prefbatch/internal/template"
	"github.com/lamim/prefbatch/pkg/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeJSONL(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "train.jsonl")
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		t.Fatalf("Failed to write dataset file: %v", err)
	}
	return path
}

// pairTemplate formats records with literal "better"/"worse" columns, leaving
// the conversation text fully under the test's control.
func pairTemplate() template.Template {
	return &template.FuncTemplate{
		TemplateName: "test-pair",
		FormatFn: func(rec models.RawRecord) (string, string, models.MetaInfo, error) {
			better, _ := rec["better"].(string)
			worse, _ := rec["worse"].(string)
			meta := models.MetaInfo{BetterResponse: better, WorseResponse: worse}
			if img, ok := rec["img"].(image.Image); ok {
				meta.Image = img
			}
			return better, worse, meta, nil
		},
	}
}

// recordingProcessor passes calls through while remembering the last request.
type recordingProcessor struct {
	processor.Processor
	requests []processor.Request
}

func (r *recordingProcessor) Process(req processor.Request) (*processor.Result, error) {
	r.requests = append(r.requests, req)
	return r.Processor.Process(req)
}

func newPreferenceDataset(t *testing.T, path string, tmpl template.Template) *PreferenceDataset {
	t.Helper()
	ds, err := NewPreferenceDataset(
		context.Background(),
		testLogger(),
		source.NewLoader(nil, testLogger()),
		tmpl,
		processor.NewTextProcessor(processor.TextConfig{}),
		Options{Path: path},
	)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	return ds
}

func TestNewPreferenceDataset_FailFast(t *testing.T) {
	logger := testLogger()
	loader := source.NewLoader(nil, logger)
	proc := processor.NewTextProcessor(processor.TextConfig{})

	if _, err := NewPreferenceDataset(context.Background(), logger, loader, pairTemplate(), proc, Options{}); err == nil {
		t.Error("Expected error for empty path, got nil")
	}
	if _, err := NewPreferenceDataset(context.Background(), logger, loader, nil, proc, Options{Path: "x.jsonl"}); err == nil {
		t.Error("Expected error for nil template, got nil")
	}
	if _, err := NewPreferenceDataset(context.Background(), logger, loader, pairTemplate(), nil, Options{Path: "x.jsonl"}); err == nil {
		t.Error("Expected error for nil processor, got nil")
	}
}

func TestFilter_NoPredicatesKeepsEverything(t *testing.T) {
	path := writeJSONL(t,
		`{"better": "a", "worse": "a"}`,
		`{"better": "b", "worse": "c"}`,
		`{"better": "", "worse": ""}`,
	)

	ds := newPreferenceDataset(t, path, pairTemplate())
	if ds.Len() != 3 {
		t.Errorf("Expected all 3 records kept without predicates, got %d", ds.Len())
	}
}

func TestFilter_EqualPairsRejected(t *testing.T) {
	path := writeJSONL(t,
		`{"prompt": "q1", "chosen": "yes", "rejected": "no"}`,
		`{"prompt": "q2", "chosen": "same", "rejected": "same"}`,
		`{"prompt": "q3", "chosen": "left", "rejected": "right"}`,
	)

	tmpl, err := template.Lookup("prompt-pair")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	ds := newPreferenceDataset(t, path, tmpl)
	if ds.Len() != 2 {
		t.Fatalf("Expected 2 valid records, got %d", ds.Len())
	}

	// Valid order follows raw order: record 0, then record 2.
	s0, err := ds.Sample(0)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !strings.Contains(s0.BetterConversation, "q1") {
		t.Errorf("Expected first valid sample from record 0, got %q", s0.BetterConversation)
	}
	s1, err := ds.Sample(1)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !strings.Contains(s1.BetterConversation, "q3") {
		t.Errorf("Expected second valid sample from record 2, got %q", s1.BetterConversation)
	}
}

func TestFilter_ValidationVetoesUndecidedRecords(t *testing.T) {
	path := writeJSONL(t,
		`{"question": "q1", "response_0": "same", "response_1": "same", "overall_response": 1}`,
		`{"question": "q2", "response_0": "x", "response_1": "y", "overall_response": 0}`,
		`{"question": "q3", "response_0": "x", "response_1": "y", "overall_response": 2}`,
	)

	tmpl, err := template.Lookup("response-vote")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	ds := newPreferenceDataset(t, path, tmpl)
	// Record 0 is equal (dropped even with a decisive vote); record 1 is
	// unequal but the vote is indecisive (vetoed); record 2 survives.
	if ds.Len() != 1 {
		t.Fatalf("Expected 1 valid record, got %d", ds.Len())
	}
	s, err := ds.Sample(0)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !strings.Contains(s.BetterConversation, "q3") {
		t.Errorf("Expected the surviving sample from record 2, got %q", s.BetterConversation)
	}
}

func TestFilter_PredicateCombinations(t *testing.T) {
	boolFn := func(v bool) func(models.RawRecord) bool {
		return func(models.RawRecord) bool { return v }
	}

	tests := []struct {
		name       string
		equal      func(models.RawRecord) bool
		validation func(models.RawRecord) bool
		wantLen    int
	}{
		{"unequal and valid", boolFn(false), boolFn(true), 1},
		{"unequal but invalid", boolFn(false), boolFn(false), 0},
		{"equal with passing validation", boolFn(true), boolFn(true), 0},
		{"equal without validation", boolFn(true), nil, 0},
		{"unequal without validation", boolFn(false), nil, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeJSONL(t, `{"better": "a", "worse": "b"}`)
			tmpl := &template.FuncTemplate{
				TemplateName: "test-pair",
				FormatFn: func(rec models.RawRecord) (string, string, models.MetaInfo, error) {
					return "a", "b", models.MetaInfo{BetterResponse: "a", WorseResponse: "b"}, nil
				},
				CheckEqualFn:      tt.equal,
				CheckValidationFn: tt.validation,
			}

			ds := newPreferenceDataset(t, path, tmpl)
			if ds.Len() != tt.wantLen {
				t.Errorf("Expected %d valid records, got %d", tt.wantLen, ds.Len())
			}
		})
	}
}

func TestSample_IndexOutOfRange(t *testing.T) {
	path := writeJSONL(t, `{"better": "a", "worse": "b"}`)
	ds := newPreferenceDataset(t, path, pairTemplate())

	if _, err := ds.Sample(-1); err == nil {
		t.Error("Expected error for negative index, got nil")
	}
	if _, err := ds.Sample(1); err == nil {
		t.Error("Expected error for index past the end, got nil")
	}
}

func TestSample_AppendsEOSExactlyOnce(t *testing.T) {
	path := writeJSONL(t,
		`{"better": "hello there", "worse": "already done</s>"}`,
	)

	ds := newPreferenceDataset(t, path, pairTemplate())
	s, err := ds.Sample(0)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if s.BetterConversation != "hello there</s>" {
		t.Errorf("Expected appended marker, got %q", s.BetterConversation)
	}
	if s.WorseConversation != "already done</s>" {
		t.Errorf("Expected marker untouched, got %q", s.WorseConversation)
	}
}

func TestSample_ResponseLens(t *testing.T) {
	path := writeJSONL(t,
		`{"better": "one two three", "worse": "one"}`,
	)

	ds := newPreferenceDataset(t, path, pairTemplate())
	s, err := ds.Sample(0)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if s.BetterResponseLens != 3 {
		t.Errorf("Expected better response length 3, got %d", s.BetterResponseLens)
	}
	if s.WorseResponseLens != 1 {
		t.Errorf("Expected worse response length 1, got %d", s.WorseResponseLens)
	}
}

func TestCollate_RowOrderAndResponseLens(t *testing.T) {
	path := writeJSONL(t,
		`{"better": "A", "worse": "C C"}`,
		`{"better": "B B B", "worse": "D"}`,
	)

	rec := &recordingProcessor{Processor: processor.NewTextProcessor(processor.TextConfig{})}
	ds := newPreferenceDataset(t, path, pairTemplate())
	ds.proc = rec

	samples := make([]models.PreferenceSample, ds.Len())
	for i := range samples {
		s, err := ds.Sample(i)
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		samples[i] = *s
	}

	batch, err := ds.Collator()(samples)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	last := rec.requests[len(rec.requests)-1]
	want := []string{"A</s>", "B B B</s>", "C C</s>", "D</s>"}
	if len(last.Texts) != len(want) {
		t.Fatalf("Expected %d concatenated texts, got %d", len(want), len(last.Texts))
	}
	for i, text := range want {
		if last.Texts[i] != text {
			t.Errorf("Text %d: expected %q, got %q", i, text, last.Texts[i])
		}
	}
	if !last.Padding || !last.AddSpecialTokens || !last.ReturnAttentionMask {
		t.Errorf("Expected padded, special-token, masked request, got %+v", last)
	}

	dims := batch.InputIDs.Shape().Dimensions
	if len(dims) != 2 || dims[0] != 4 {
		t.Errorf("Expected (2N, L) input ids with 2N=4, got %v", dims)
	}

	wantLens := []int{1, 3, 2, 1}
	if len(batch.Meta.ResponseLens) != len(wantLens) {
		t.Fatalf("Expected %d response lens, got %d", len(wantLens), len(batch.Meta.ResponseLens))
	}
	for i, n := range wantLens {
		if batch.Meta.ResponseLens[i] != n {
			t.Errorf("ResponseLens[%d]: expected %d, got %d", i, n, batch.Meta.ResponseLens[i])
		}
	}
}

func TestCollate_EmptyBatch(t *testing.T) {
	proc := processor.NewTextProcessor(processor.TextConfig{})
	c := NewPreferenceCollator(proc, models.ImageWrapBare, testLogger(), nil)

	if _, err := c.Collate(nil); err == nil {
		t.Error("Expected error for empty sample list, got nil")
	}
}

func testImage() image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			img.Set(x, y, color.RGBA{R: 200, G: 100, B: 50, A: 255})
		}
	}
	return img
}

func imageSamples(n int) []models.PreferenceSample {
	samples := make([]models.PreferenceSample, n)
	for i := range samples {
		samples[i] = models.PreferenceSample{
			BetterConversation: fmt.Sprintf("better %d</s>", i),
			WorseConversation:  fmt.Sprintf("worse %d</s>", i),
			BetterResponseLens: 1,
			WorseResponseLens:  1,
			Image:              testImage(),
		}
	}
	return samples
}

func TestCollate_ImagesDuplicatedAcrossHalves(t *testing.T) {
	proc := processor.NewTextProcessor(processor.TextConfig{})
	c := NewPreferenceCollator(proc, models.ImageWrapBare, testLogger(), nil)

	samples := imageSamples(2)
	batch, err := c.Collate(samples)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if len(batch.Meta.Images) != 4 {
		t.Fatalf("Expected 4 image entries, got %d", len(batch.Meta.Images))
	}
	for i := 0; i < 2; i++ {
		if batch.Meta.Images[i].Image != batch.Meta.Images[2+i].Image {
			t.Errorf("Entry %d: expected the same image in both halves", i)
		}
		if batch.Meta.Images[i].Wrapped {
			t.Errorf("Entry %d: expected bare entry", i)
		}
	}

	if batch.PixelValues == nil || batch.PixelValues.Tensor == nil {
		t.Fatal("Expected a stacked pixel tensor for bare images")
	}
	dims := batch.PixelValues.Tensor.Shape().Dimensions
	if len(dims) != 4 || dims[0] != 4 || dims[1] != 3 {
		t.Errorf("Expected (4, 3, H, W) pixel tensor, got %v", dims)
	}
}

func TestCollate_DefaultWrapFollowsEnvironment(t *testing.T) {
	proc := processor.NewTextProcessor(processor.TextConfig{})
	c := NewPreferenceCollator(proc, models.ImageWrapDefault, testLogger(), nil)

	t.Setenv(multiImagesEnv, "Yes")
	batch, err := c.Collate(imageSamples(1))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	for i, e := range batch.Meta.Images {
		if !e.Wrapped {
			t.Errorf("Entry %d: expected wrapped entry under %s=Yes", i, multiImagesEnv)
		}
	}
	if batch.PixelValues == nil || len(batch.PixelValues.Groups) != 2 {
		t.Fatalf("Expected 2 nested pixel groups, got %+v", batch.PixelValues)
	}

	t.Setenv(multiImagesEnv, "")
	batch, err = c.Collate(imageSamples(1))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	for i, e := range batch.Meta.Images {
		if e.Wrapped {
			t.Errorf("Entry %d: expected bare entry with %s unset", i, multiImagesEnv)
		}
	}
}

func TestCollate_ForcedRGBConvertsImages(t *testing.T) {
	proc := processor.NewTextProcessor(processor.TextConfig{})
	c := NewPreferenceCollator(proc, models.ImageWrapForcedRGB, testLogger(), nil)

	original := testImage()
	samples := []models.PreferenceSample{{
		BetterConversation: "a</s>",
		WorseConversation:  "b</s>",
		Image:              original,
	}}

	batch, err := c.Collate(samples)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	for i, e := range batch.Meta.Images {
		if !e.Wrapped {
			t.Errorf("Entry %d: expected wrapped entry", i)
		}
		if e.Image == original {
			t.Errorf("Entry %d: expected a converted copy, got the original image", i)
		}
		if _, ok := e.Image.(*image.RGBA); !ok {
			t.Errorf("Entry %d: expected *image.RGBA, got %T", i, e.Image)
		}
	}
}

func TestCollator_PaddingFuncStoredButUnused(t *testing.T) {
	rec := &recordingProcessor{Processor: processor.NewTextProcessor(processor.TextConfig{PaddingSide: "left"})}
	c := NewPreferenceCollator(rec, models.ImageWrapBare, testLogger(), nil)

	if c.PaddingFunc() == nil {
		t.Fatal("Expected a padding function to be selected at construction")
	}

	samples := []models.PreferenceSample{{
		BetterConversation: "one two</s>",
		WorseConversation:  "three</s>",
	}}
	if _, err := c.Collate(samples); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	// Padding stays the processor's job: the collator asks for it instead of
	// applying its stored function.
	last := rec.requests[len(rec.requests)-1]
	if !last.Padding || last.PaddingSide != "left" {
		t.Errorf("Expected delegated left padding, got %+v", last)
	}
}
