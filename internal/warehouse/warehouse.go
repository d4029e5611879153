// Package warehouse is the pipeline's access layer to the analytical
// warehouse: dependency checks, shared pre-loads, fingerprints, failure
// records, the phase run log, and the idempotent result writer.
package warehouse

import (
	"fmt"

	"github.com/courtdata/pipeline-cli/internal/db"
)

// defaultSchema is the production namespace. A dataset prefix runs the
// same code path against an isolated schema for replay and testing.
const defaultSchema = "pipeline"

// Warehouse wraps a connection pool with namespace resolution.
type Warehouse struct {
	pool   db.Pool
	schema string
}

// New creates a Warehouse. datasetPrefix of "" targets production.
func New(pool db.Pool, datasetPrefix string) *Warehouse {
	schema := defaultSchema
	if datasetPrefix != "" {
		schema = datasetPrefix + "_" + defaultSchema
	}
	return &Warehouse{pool: pool, schema: schema}
}

// Pool exposes the underlying pool for migration and ops commands.
func (w *Warehouse) Pool() db.Pool {
	return w.pool
}

// Schema returns the active namespace.
func (w *Warehouse) Schema() string {
	return w.schema
}

// table returns the schema-qualified name for SQL text. Table names come
// from the validated phase definitions, never from user input.
func (w *Warehouse) table(name string) string {
	return fmt.Sprintf("%s.%s", w.schema, name)
}
