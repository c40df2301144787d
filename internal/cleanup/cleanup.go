// Package cleanup removes per-task cert and dataset files once a task
// reaches a terminal status, per spec §5 and testable property 7.
//
// Grounded on the teacher's internal/artifacts/store.go Delete path
// (guard against well-known sentinel values before touching disk, log and
// continue past individual failures instead of aborting the sweep).
package cleanup

import (
	"os"

	"github.com/riftlab/chatstress/internal/domain"
	"github.com/riftlab/chatstress/internal/obs"
)

// sentinels are task.TestData values that are never filesystem paths:
// empty (no dataset), "default" (built-in sample set), and inline JSONL
// (detected by a leading '{' once whitespace is trimmed).
func isFilesystemPath(testData string) bool {
	trimmed := trimLeadingSpace(testData)
	if trimmed == "" || trimmed == "default" {
		return false
	}
	if len(trimmed) > 0 && trimmed[0] == '{' {
		return false
	}
	return true
}

func trimLeadingSpace(s string) string {
	i := 0
	for i < len(s) && (s[i] == ' ' || s[i] == '\t' || s[i] == '\n' || s[i] == '\r') {
		i++
	}
	return s[i:]
}

// Task removes task.TestData (when it is a filesystem path), task.CertFile,
// and task.KeyFile from disk. Called once a task is in any terminal
// status. Missing files are not an error; every removal is attempted even
// if an earlier one fails.
func Task(t *domain.Task, logger *obs.EventLogger) {
	if logger == nil {
		logger = obs.NoopEventLogger()
	}
	if isFilesystemPath(t.TestData) {
		remove(t.TestData, logger)
	}
	if t.CertFile != "" {
		remove(t.CertFile, logger)
	}
	if t.KeyFile != "" {
		remove(t.KeyFile, logger)
	}
}

func remove(path string, logger *obs.EventLogger) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logger.LogSupervisorEvent("cleanup_failed", 0, path+": "+err.Error())
	}
}
