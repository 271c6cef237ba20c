package migrations

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/stockroom-erp/stockroom/internal/shared"
)

// Files embeds the schema migrations.
//
//go:embed *.sql
var Files embed.FS

// Up lists the forward migrations in apply order.
func Up() ([]string, error) {
	names, err := fs.Glob(Files, "*.up.sql")
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

// Apply runs every forward migration against db. Each migration is written to
// be re-runnable.
func Apply(ctx context.Context, db shared.Execer) ([]string, error) {
	names, err := Up()
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		body, err := Files.ReadFile(name)
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(string(body)) == "" {
			continue
		}
		if _, err := db.Exec(ctx, string(body)); err != nil {
			return nil, fmt.Errorf("migrations: apply %s: %w", name, err)
		}
	}
	return names, nil
}
