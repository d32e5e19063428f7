package stores

import (
	"context"
	"fmt"

	"github.com/oarkflow/squealx"
)

// The rls_generation row is shared by every SQL store so that any policy,
// role or membership write invalidates decisions cached by other processes.

func readGeneration(ctx context.Context, db *squealx.DB) (uint64, error) {
	r, err := db.NamedQueryContext(ctx, `SELECT value FROM rls_generation WHERE id = 1`, map[string]any{})
	if err != nil {
		return 0, err
	}
	defer r.Close()
	var gen int64
	if r.Next() {
		if err := r.Scan(&gen); err != nil {
			return 0, err
		}
	}
	return uint64(gen), nil
}

func bumpGeneration(ctx context.Context, db *squealx.DB) (uint64, error) {
	if _, err := db.NamedExecContext(ctx, `UPDATE rls_generation SET value = value + 1 WHERE id = 1`, map[string]any{}); err != nil {
		return 0, fmt.Errorf("bump generation: %w", err)
	}
	return readGeneration(ctx, db)
}
