package models

import (
	"fmt"
	"time"
)

// History bounds: when a workflow's history exceeds historyMaxEntries the
// middle is replaced by one marker entry, keeping the head and tail windows.
const (
	historyMaxEntries = 200
	historyHeadKeep   = 20
	historyTailKeep   = 100
)

// StageInitialized labels the initialization audit record. Like the trim
// marker it is not a template stage, so HasCompletedStage never reports stage
// zero complete before its transition.
const StageInitialized = "workflow:initialized"

// HistoryEntry is one append-only audit record. Trimmed marks the synthetic
// marker entry that summarizes spliced-out records.
type HistoryEntry struct {
	Stage     string         `json:"stage"`
	Timestamp time.Time      `json:"timestamp"`
	Agent     string         `json:"agent,omitempty"`
	Message   string         `json:"message,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Trimmed   bool           `json:"trimmed,omitempty"`
}

// ErrorEntry is one append-only error record.
type ErrorEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Stage     string    `json:"stage"`
	Message   string    `json:"message"`
	Details   string    `json:"details,omitempty"`
}

// AppendHistory appends an entry and trims the middle once the bound is
// exceeded. Completed template stages survive trimming via the marker's
// stage list, so prerequisite checks stay correct after a trim.
func (w *Workflow) AppendHistory(entry HistoryEntry) {
	w.History = append(w.History, entry)
	if len(w.History) <= historyMaxEntries {
		return
	}

	head := w.History[:historyHeadKeep]
	tail := w.History[len(w.History)-historyTailKeep:]
	middle := w.History[historyHeadKeep : len(w.History)-historyTailKeep]

	stages := make(map[string]bool, len(middle))

	for _, h := range middle {
		if !h.Trimmed {
			stages[h.Stage] = true

			continue
		}

		// An earlier marker ends up in the middle on repeated trims; its
		// stage set must carry over or completed stages would be forgotten.
		switch prior := h.Data["stages"].(type) {
		case map[string]bool:
			for stage, done := range prior {
				if done {
					stages[stage] = true
				}
			}
		case map[string]any:
			for stage, done := range prior {
				if v, ok := done.(bool); ok && v {
					stages[stage] = true
				}
			}
		}
	}

	marker := HistoryEntry{
		Stage:     "history:trimmed",
		Timestamp: time.Now().UTC(),
		Message:   fmt.Sprintf("%d entries summarized", len(middle)),
		Data:      map[string]any{"stages": stages},
		Trimmed:   true,
	}

	trimmed := make([]HistoryEntry, 0, historyHeadKeep+1+historyTailKeep)
	trimmed = append(trimmed, head...)
	trimmed = append(trimmed, marker)
	trimmed = append(trimmed, tail...)
	w.History = trimmed
}
