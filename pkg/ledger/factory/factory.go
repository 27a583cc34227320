// Package factory constructs the configured ledger backend.
package factory

import (
	"context"
	"fmt"

	"github.com/remitwire/settlement-engine/internal/config"
	"github.com/remitwire/settlement-engine/pkg/ledger"
	"github.com/remitwire/settlement-engine/pkg/ledger/dynamodb"
	"github.com/remitwire/settlement-engine/pkg/ledger/immudb"
	"github.com/remitwire/settlement-engine/pkg/ledger/memory"
	"github.com/remitwire/settlement-engine/pkg/ledger/postgres"
)

// New creates the ledger store named by cfg.Backend. The store is
// constructed but not initialized; callers run Initialize themselves so
// startup failures surface where they can be logged.
func New(ctx context.Context, cfg config.LedgerConfig) (ledger.Store, error) {
	switch cfg.Backend {
	case "memory":
		return memory.NewStore(), nil
	case "postgres":
		return postgres.NewStore(postgres.Config{
			DSN:             cfg.Postgres.DSN,
			MaxOpenConns:    cfg.Postgres.MaxOpenConns,
			MaxIdleConns:    cfg.Postgres.MaxIdleConns,
			ConnMaxLifetime: cfg.Postgres.ConnMaxLifetime,
		})
	case "dynamodb":
		return dynamodb.NewStore(ctx, dynamodb.Config{
			Region:    cfg.DynamoDB.Region,
			TableName: cfg.DynamoDB.TableName,
			Endpoint:  cfg.DynamoDB.Endpoint,
		})
	case "immudb":
		return immudb.NewStore(immudb.Config{
			Address:  cfg.ImmuDB.Address,
			Port:     cfg.ImmuDB.Port,
			Username: cfg.ImmuDB.Username,
			Password: cfg.ImmuDB.Password,
			Database: cfg.ImmuDB.Database,
		}), nil
	default:
		return nil, fmt.Errorf("unknown ledger backend %q", cfg.Backend)
	}
}
