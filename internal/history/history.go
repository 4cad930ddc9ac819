// Package history keeps the prompts sent from the command line so they can
// be listed and searched later.
package history

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"
)

const (
	fileName       = "prompt_history.jsonl"
	defaultMaxSize = 1000
)

// Entry is one recorded prompt.
type Entry struct {
	Time   time.Time `json:"time"`
	Kind   string    `json:"kind"`
	Prompt string    `json:"prompt"`
}

// History is an append-only prompt log capped at maxSize entries.
type History struct {
	mu      sync.RWMutex
	entries []Entry
	file    string
	maxSize int
	now     func() time.Time
}

// Open loads the history stored in dataDir.
func Open(dataDir string, maxSize int) (*History, error) {
	if maxSize <= 0 {
		maxSize = defaultMaxSize
	}
	h := &History{
		file:    filepath.Join(dataDir, fileName),
		maxSize: maxSize,
		now:     time.Now,
	}
	if err := h.load(); err != nil {
		return nil, fmt.Errorf("failed to load prompt history: %w", err)
	}
	return h, nil
}

// Add records a prompt. Blank prompts and repeats of the latest entry are
// ignored.
func (h *History) Add(kind, prompt string) error {
	if strings.TrimSpace(prompt) == "" {
		return nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if n := len(h.entries); n > 0 && h.entries[n-1].Kind == kind && h.entries[n-1].Prompt == prompt {
		return nil
	}
	h.entries = append(h.entries, Entry{Time: h.now(), Kind: kind, Prompt: prompt})
	if len(h.entries) > h.maxSize {
		h.entries = slices.Clone(h.entries[len(h.entries)-h.maxSize:])
	}
	return h.save()
}

// Recent returns up to count entries, newest first.
func (h *History) Recent(count int) []Entry {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if count <= 0 {
		return nil
	}
	count = min(count, len(h.entries))
	out := slices.Clone(h.entries[len(h.entries)-count:])
	slices.Reverse(out)
	return out
}

// Search returns the entries whose prompt contains pattern, ignoring case,
// newest first.
func (h *History) Search(pattern string) []Entry {
	h.mu.RLock()
	defer h.mu.RUnlock()

	pattern = strings.ToLower(pattern)
	var matches []Entry
	for i := len(h.entries) - 1; i >= 0; i-- {
		if strings.Contains(strings.ToLower(h.entries[i].Prompt), pattern) {
			matches = append(matches, h.entries[i])
		}
	}
	return matches
}

func (h *History) load() error {
	file, err := os.Open(h.file)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		h.entries = append(h.entries, e)
	}
	if len(h.entries) > h.maxSize {
		h.entries = h.entries[len(h.entries)-h.maxSize:]
	}
	return scanner.Err()
}

// save rewrites the whole file; it is small by construction.
func (h *History) save() error {
	tmp := h.file + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return err
	}

	w := bufio.NewWriter(file)
	enc := json.NewEncoder(w)
	for _, e := range h.entries {
		if err := enc.Encode(e); err != nil {
			file.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		file.Close()
		return err
	}
	if err := file.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, h.file)
}
