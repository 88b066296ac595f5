// Package redis implements the store on a Redis instance, one key per
// document. Useful when several testflow processes share a host and local
// disk is not durable.
package redis

import (
	"context"
	"encoding/json"
	"errors"

	goredis "github.com/redis/go-redis/v9"
	"github.com/testflowhq/testflow/pkg/persistence"
)

const (
	stateKey   = "testflow:state"
	metricsKey = "testflow:metrics"
)

type Store struct {
	client goredis.UniversalClient
}

// NewStore connects using a redis:// URL.
func NewStore(url string) (*Store, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, persistence.NewStoreError("Connect", err)
	}

	return &Store{client: goredis.NewClient(opts)}, nil
}

// NewStoreWithClient wraps an existing client, including cluster clients.
func NewStoreWithClient(client goredis.UniversalClient) *Store {
	return &Store{client: client}
}

func (s *Store) LoadState(ctx context.Context) (*persistence.State, error) {
	state := persistence.NewState()
	if err := s.read(ctx, stateKey, state, persistence.ErrStateNotFound); err != nil {
		return nil, err
	}

	return state, nil
}

func (s *Store) SaveState(ctx context.Context, state *persistence.State) error {
	return s.write(ctx, stateKey, state, "SaveState")
}

func (s *Store) LoadMetrics(ctx context.Context) (*persistence.MetricsDocument, error) {
	doc := persistence.NewMetricsDocument()
	if err := s.read(ctx, metricsKey, doc, persistence.ErrMetricsNotFound); err != nil {
		return nil, err
	}

	return doc, nil
}

func (s *Store) SaveMetrics(ctx context.Context, doc *persistence.MetricsDocument) error {
	return s.write(ctx, metricsKey, doc, "SaveMetrics")
}

func (s *Store) read(ctx context.Context, key string, out any, notFound error) error {
	body, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return notFound
		}

		return persistence.NewStoreError("Load", err)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return persistence.NewStoreError("Load", err)
	}

	return nil
}

func (s *Store) write(ctx context.Context, key string, doc any, op string) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return persistence.NewStoreError(op, err)
	}

	if err := s.client.Set(ctx, key, body, 0).Err(); err != nil {
		return persistence.NewStoreError(op, err)
	}

	return nil
}

func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return persistence.NewStoreError("HealthCheck", err)
	}

	return nil
}

func (s *Store) Close(ctx context.Context) error {
	return s.client.Close()
}
