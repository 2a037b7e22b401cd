// Package writer materializes preprocessed samples as JSONL files so a
// filtered dataset can be inspected or archived without the training stack.
package writer

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/lamim/prefbatch/pkg/models"
)

// ExportedSample is the JSONL row written for one preprocessed sample.
// Images are summarized rather than serialized; the exporter records whether
// a sample carried one.
type ExportedSample struct {
	Index              int                `json:"index"`
	BetterConversation string             `json:"better_conversation"`
	WorseConversation  string             `json:"worse_conversation"`
	BetterResponseLens int                `json:"better_response_lens"`
	WorseResponseLens  int                `json:"worse_response_lens"`
	HasImage           bool               `json:"has_image"`
	IsBetterSafe       models.SafetyLabel `json:"is_better_safe,omitempty"`
	IsWorseSafe        models.SafetyLabel `json:"is_worse_safe,omitempty"`
}

// SampleWriter handles thread-safe writing of exported samples.
type SampleWriter struct {
	file   *os.File
	mu     sync.Mutex
	count  int
	logger *slog.Logger
}

// NewSampleWriter creates the samples file of a session.
func NewSampleWriter(sessionMgr *SessionManager, logger *slog.Logger) (*SampleWriter, error) {
	path := sessionMgr.SamplesPath()

	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create samples file: %w", err)
	}

	logger.Info("Created samples file", "path", path)

	return &SampleWriter{
		file:   file,
		logger: logger,
	}, nil
}

// WriteSample appends one exported sample.
func (w *SampleWriter) WriteSample(sample ExportedSample) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	data, err := json.Marshal(sample)
	if err != nil {
		return fmt.Errorf("failed to marshal sample: %w", err)
	}

	if _, err := w.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write sample: %w", err)
	}

	w.count++
	return nil
}

// Count returns the number of samples written so far.
func (w *SampleWriter) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}

// Close flushes and closes the samples file.
func (w *SampleWriter) Close() error {
	if err := w.file.Sync(); err != nil {
		w.logger.Warn("Failed to sync samples file", "error", err)
	}

	if err := w.file.Close(); err != nil {
		return fmt.Errorf("failed to close samples file: %w", err)
	}

	w.logger.Info("Closed samples file", "samples", w.count)
	return nil
}
