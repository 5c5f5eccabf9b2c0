package httpapi

import (
	"context"
	"database/sql"
	"net/http"
	"sync/atomic"

	"jobapply-engine/internal/config"
	"jobapply-engine/internal/events"
	"jobapply-engine/internal/ledger"
	"jobapply-engine/internal/orchestrator"
)

// LedgerReader is the read side of the ledger exposed over HTTP.
type LedgerReader interface {
	List(ctx context.Context, opts ledger.ListOpts) ([]ledger.Record, error)
	Confirmations(ctx context.Context, limit int) ([]ledger.Confirmation, error)
}

// Runs controls engine runs.
type Runs interface {
	Start(ctx context.Context) error
	Cancel() bool
	Status() orchestrator.Status
	Last() (orchestrator.Summary, bool)
}

type Deps struct {
	// DB is the ledger database, used for maintenance endpoints only.
	DB     *sql.DB
	Ledger LedgerReader
	Runs   Runs

	Hub     *events.Hub
	Metrics http.Handler

	CfgVal *atomic.Value // stores config.Config

	// Config persistence
	UserCfgPath string
	LoadCfg     func() (config.Config, error)
}
