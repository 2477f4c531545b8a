package vault

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/rezkam/calsync/internal/domain"
	"github.com/rezkam/calsync/internal/parser"
)

// Scanner walks a markdown vault and parses checklist tasks out of it.
type Scanner struct {
	root        string
	vaultName   string
	concurrency int
}

// Option is a functional option for configuring Scanner.
type Option func(*Scanner)

// WithConcurrency sets how many files are read and parsed in flight.
func WithConcurrency(n int) Option {
	return func(s *Scanner) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// NewScanner creates a Scanner rooted at dir. vaultName is used by the
// payload deep links and defaults to the directory base name.
func NewScanner(dir, vaultName string, opts ...Option) *Scanner {
	if vaultName == "" {
		vaultName = filepath.Base(dir)
	}

	s := &Scanner{
		root:        dir,
		vaultName:   vaultName,
		concurrency: 16,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// VaultName returns the display name of the scanned vault.
func (s *Scanner) VaultName() string {
	return s.vaultName
}

// ScanTasks walks the vault and returns every parsed task. Files are
// processed with a bounded fan-out; an unreadable file fails the scan so a
// partial read can never be mistaken for deletions.
func (s *Scanner) ScanTasks(ctx context.Context) ([]domain.Task, error) {
	var paths []string
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != s.root {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.EqualFold(filepath.Ext(path), ".md") {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk vault: %w", err)
	}

	var mu sync.Mutex
	var tasks []domain.Task

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)

	for _, path := range paths {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}

			fileTasks, err := s.scanFile(path)
			if err != nil {
				return err
			}
			if len(fileTasks) == 0 {
				return nil
			}

			mu.Lock()
			tasks = append(tasks, fileTasks...)
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Walk order is deterministic but fan-out completion is not.
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].SourcePath != tasks[j].SourcePath {
			return tasks[i].SourcePath < tasks[j].SourcePath
		}
		return tasks[i].SourceLine < tasks[j].SourceLine
	})

	slog.DebugContext(ctx, "vault scan complete", "files", len(paths), "tasks", len(tasks))
	return tasks, nil
}

// scanFile parses one markdown file, skipping fenced code regions.
func (s *Scanner) scanFile(path string) ([]domain.Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	rel, err := filepath.Rel(s.root, path)
	if err != nil {
		rel = path
	}
	rel = filepath.ToSlash(rel)

	var tasks []domain.Task
	inFence := false

	for i, line := range strings.Split(string(data), "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") || strings.HasPrefix(trimmed, "~~~") {
			inFence = !inFence
			continue
		}
		if inFence {
			continue
		}

		if task, ok := parser.ParseLine(line, rel, i); ok {
			tasks = append(tasks, task)
		}
	}

	return tasks, nil
}
