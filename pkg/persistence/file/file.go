// Package file implements the store as human-diffable JSON documents on
// disk, written atomically via a temp file and rename.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/testflowhq/testflow/pkg/persistence"
)

const (
	stateFile   = "state.json"
	metricsFile = "metrics.json"
)

type Store struct {
	root string
}

func NewStore(root string) *Store {
	return &Store{root: root}
}

func (s *Store) LoadState(ctx context.Context) (*persistence.State, error) {
	state := persistence.NewState()
	if err := s.read(stateFile, state, persistence.ErrStateNotFound); err != nil {
		return nil, err
	}

	if state.Workflows == nil {
		state.Workflows = persistence.NewState().Workflows
	}

	return state, nil
}

func (s *Store) SaveState(ctx context.Context, state *persistence.State) error {
	return s.write(stateFile, state, "SaveState")
}

func (s *Store) LoadMetrics(ctx context.Context) (*persistence.MetricsDocument, error) {
	doc := persistence.NewMetricsDocument()
	if err := s.read(metricsFile, doc, persistence.ErrMetricsNotFound); err != nil {
		return nil, err
	}

	if doc.Workflows == nil || doc.Aggregate == nil {
		fresh := persistence.NewMetricsDocument()
		if doc.Workflows == nil {
			doc.Workflows = fresh.Workflows
		}

		if doc.Aggregate == nil {
			doc.Aggregate = fresh.Aggregate
		}
	}

	return doc, nil
}

func (s *Store) SaveMetrics(ctx context.Context, doc *persistence.MetricsDocument) error {
	return s.write(metricsFile, doc, "SaveMetrics")
}

func (s *Store) read(name string, out any, notFound error) error {
	body, err := os.ReadFile(filepath.Join(s.root, name))
	if err != nil {
		if os.IsNotExist(err) {
			return notFound
		}

		return persistence.NewStoreError("Load", err)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return persistence.NewStoreError("Load", fmt.Errorf("corrupt document %s: %w", name, err))
	}

	return nil
}

func (s *Store) write(name string, doc any, op string) error {
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return persistence.NewStoreError(op, err)
	}

	body, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return persistence.NewStoreError(op, err)
	}

	target := filepath.Join(s.root, name)

	tmp, err := os.CreateTemp(s.root, name+".tmp-*")
	if err != nil {
		return persistence.NewStoreError(op, err)
	}

	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())

		return persistence.NewStoreError(op, err)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())

		return persistence.NewStoreError(op, err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())

		return persistence.NewStoreError(op, err)
	}

	if err := os.Rename(tmp.Name(), target); err != nil {
		os.Remove(tmp.Name())

		return persistence.NewStoreError(op, err)
	}

	return nil
}

func (s *Store) HealthCheck(ctx context.Context) error {
	info, err := os.Stat(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			// Lazily created on first write.
			return nil
		}

		return persistence.NewStoreError("HealthCheck", err)
	}

	if !info.IsDir() {
		return persistence.NewStoreError("HealthCheck", fmt.Errorf("%s is not a directory", s.root))
	}

	return nil
}

func (s *Store) Close(ctx context.Context) error {
	return nil
}
