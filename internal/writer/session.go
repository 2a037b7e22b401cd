package writer

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// SessionManager manages the output directory of one export run.
type SessionManager struct {
	sessionID  string
	sessionDir string
	logger     *slog.Logger
}

// NewSessionManager creates a fresh timestamped session directory under
// outputDir.
func NewSessionManager(outputDir string, logger *slog.Logger) (*SessionManager, error) {
	if outputDir == "" {
		outputDir = "output"
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	sessionID := uuid.New().String()
	timestamp := time.Now().Format("2006-01-02T15-04-05")
	sessionDir := filepath.Join(outputDir, "export_"+timestamp+"_"+sessionID[:8])

	if err := os.MkdirAll(sessionDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}

	logger.Info("Created export session", "session_id", sessionID, "path", sessionDir)

	return &SessionManager{
		sessionID:  sessionID,
		sessionDir: sessionDir,
		logger:     logger,
	}, nil
}

// SessionID returns the unique id of this export run.
func (sm *SessionManager) SessionID() string {
	return sm.sessionID
}

// SessionDir returns the session directory path.
func (sm *SessionManager) SessionDir() string {
	return sm.sessionDir
}

// SamplesPath returns the full path of the exported samples file.
func (sm *SessionManager) SamplesPath() string {
	return filepath.Join(sm.sessionDir, "samples.jsonl")
}
