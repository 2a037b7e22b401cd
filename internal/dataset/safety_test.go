package dataset

import (
	"context"
	"strings"
	"testing"

	"github.com/lamim/prefbatch/internal/processor"
	"github.com/lamim/prefbatch/internal/source"
	"github.com/lamim/prefbatch/internal/template"
	"github.com/lamim/prefbatch/pkg/models"
)

func newSafetyDataset(t *testing.T, path string) *SafetyPreferenceDataset {
	t.Helper()
	tmpl, err := template.Lookup("safety-pair")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	ds, err := NewSafetyPreferenceDataset(
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

func TestSafetySample_LabelsFollowBetterResponse(t *testing.T) {
	path := writeJSONL(t,
		`{"prompt": "q", "response_0": "bad advice", "response_1": "good advice", "is_response_0_safe": false, "is_response_1_safe": true, "better_response_id": 1}`,
	)

	ds := newSafetyDataset(t, path)
	s, err := ds.Sample(0)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if !strings.Contains(s.BetterConversation, "good advice") {
		t.Errorf("Expected better conversation to carry the voted response, got %q", s.BetterConversation)
	}
	if s.IsBetterSafe != models.SafetyLabelSafe {
		t.Errorf("Expected better response labeled safe, got %q", s.IsBetterSafe)
	}
	if s.IsWorseSafe != models.SafetyLabelUnsafe {
		t.Errorf("Expected worse response labeled unsafe, got %q", s.IsWorseSafe)
	}
}

func TestSafetySample_FinalRuneMarkerCheck(t *testing.T) {
	// This pipeline only inspects the final rune, so a text that already ends
	// with the multi-rune marker gets a second copy appended.
	path := writeJSONL(t,
		`{"prompt": "q", "response_0": "done</s>", "response_1": "other", "is_response_0_safe": true, "is_response_1_safe": true, "better_response_id": 0}`,
	)

	ds := newSafetyDataset(t, path)
	s, err := ds.Sample(0)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if !strings.HasSuffix(s.BetterConversation, "done</s></s>") {
		t.Errorf("Expected the marker re-appended after a full-marker suffix, got %q", s.BetterConversation)
	}
	if !strings.HasSuffix(s.WorseConversation, "other</s>") {
		t.Errorf("Expected a single appended marker, got %q", s.WorseConversation)
	}
}

func TestSafetyFilter_EqualPairsRejected(t *testing.T) {
	path := writeJSONL(t,
		`{"prompt": "q1", "response_0": "same", "response_1": "same", "is_response_0_safe": true, "is_response_1_safe": true, "better_response_id": 0}`,
		`{"prompt": "q2", "response_0": "a", "response_1": "b", "is_response_0_safe": true, "is_response_1_safe": false, "better_response_id": 0}`,
	)

	ds := newSafetyDataset(t, path)
	if ds.Len() != 1 {
		t.Errorf("Expected 1 valid record, got %d", ds.Len())
	}
}

func TestSafetyCollate_UnpairedLabelsAndRowOrder(t *testing.T) {
	path := writeJSONL(t,
		`{"prompt": "q1", "response_0": "alpha", "response_1": "beta", "is_response_0_safe": true, "is_response_1_safe": false, "better_response_id": 0}`,
		`{"prompt": "q2", "response_0": "gamma", "response_1": "delta", "is_response_0_safe": false, "is_response_1_safe": true, "better_response_id": 1}`,
	)

	ds := newSafetyDataset(t, path)
	samples := make([]models.SafetyPreferenceSample, ds.Len())
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

	dims := batch.InputIDs.Shape().Dimensions
	if len(dims) != 2 || dims[0] != 4 {
		t.Errorf("Expected (2N, L) input ids with 2N=4, got %v", dims)
	}

	// Labels stay one per input sample, not one per concatenated row.
	if len(batch.Meta.IsBetterSafe) != 2 || len(batch.Meta.IsWorseSafe) != 2 {
		t.Fatalf("Expected 2 labels per list, got %d/%d",
			len(batch.Meta.IsBetterSafe), len(batch.Meta.IsWorseSafe))
	}
	if batch.Meta.IsBetterSafe[0] != models.SafetyLabelSafe || batch.Meta.IsWorseSafe[0] != models.SafetyLabelUnsafe {
		t.Errorf("Sample 0 labels misaligned: %q/%q", batch.Meta.IsBetterSafe[0], batch.Meta.IsWorseSafe[0])
	}
	if batch.Meta.IsBetterSafe[1] != models.SafetyLabelSafe || batch.Meta.IsWorseSafe[1] != models.SafetyLabelUnsafe {
		t.Errorf("Sample 1 labels misaligned: %q/%q", batch.Meta.IsBetterSafe[1], batch.Meta.IsWorseSafe[1])
	}

	if len(batch.Meta.ResponseLens) != 4 {
		t.Errorf("Expected 4 response lens, got %d", len(batch.Meta.ResponseLens))
	}
}

func TestSafetyCollate_ImagesAlwaysBare(t *testing.T) {
	proc := processor.NewTextProcessor(processor.TextConfig{})
	c := NewSafetyPreferenceCollator(proc, testLogger(), nil)

	t.Setenv(multiImagesEnv, "Yes")
	samples := []models.SafetyPreferenceSample{{
		PreferenceSample: models.PreferenceSample{
			BetterConversation: "a</s>",
			WorseConversation:  "b</s>",
			Image:              testImage(),
		},
		IsBetterSafe: models.SafetyLabelSafe,
		IsWorseSafe:  models.SafetyLabelSafe,
	}}

	batch, err := c.Collate(samples)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	for i, e := range batch.Meta.Images {
		if e.Wrapped {
			t.Errorf("Entry %d: expected bare entry regardless of environment", i)
		}
	}
	if batch.PixelValues == nil || batch.PixelValues.Tensor == nil {
		t.Fatal("Expected a stacked pixel tensor")
	}
}

func TestSafetyCollate_EmptyBatch(t *testing.T) {
	proc := processor.NewTextProcessor(processor.TextConfig{})
	c := NewSafetyPreferenceCollator(proc, testLogger(), nil)

	if _, err := c.Collate(nil); err == nil {
		t.Error("Expected error for empty sample list, got nil")
	}
}
