// Package cmd provides common initialization functions for command-line
// applications.
package cmd

import (
	"strings"

	"github.com/testflowhq/testflow/pkg/persistence"
	"github.com/testflowhq/testflow/pkg/persistence/file"
	redisstore "github.com/testflowhq/testflow/pkg/persistence/redis"
)

// NewStore resolves a database URL into a state store. A redis:// (or
// rediss://) URL gets the Redis store; anything else is treated as a
// directory path for the file store.
func NewStore(databaseURL string) (persistence.Store, error) {
	switch parseStoreProvider(databaseURL) {
	case "redis":
		return redisstore.NewStore(databaseURL)
	default:
		return file.NewStore(strings.TrimPrefix(databaseURL, "file://")), nil
	}
}

func parseStoreProvider(databaseURL string) string {
	scheme, _, found := strings.Cut(databaseURL, "://")
	if !found {
		return "file"
	}

	switch scheme {
	case "redis", "rediss":
		return "redis"
	default:
		return "file"
	}
}
