package compiler

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/Transport-for-the-North/vis-core-sub002/internal/dataclient"
	"github.com/Transport-for-the-North/vis-core-sub002/internal/pageconfig"
)

// TableSource loads the rows of a metadata table.
type TableSource interface {
	Rows(ctx context.Context, table pageconfig.MetadataTable) ([]map[string]any, error)
}

// RemoteTables loads metadata tables from the data collaborator. The
// response is a list of row objects, bare or in an envelope.
type RemoteTables struct {
	Fetcher dataclient.Fetcher
}

func (r RemoteTables) Rows(ctx context.Context, table pageconfig.MetadataTable) ([]map[string]any, error) {
	list, err := dataclient.GetList(ctx, r.Fetcher, dataclient.Request{Path: table.Path})
	if err != nil {
		return nil, err
	}
	rows := make([]map[string]any, 0, len(list))
	for i, item := range list {
		row, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("metadata table %q: row %d is not an object", table.Name, i)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// Mux sends tables whose path starts with Prefix to Local and every other
// table to Remote.
type Mux struct {
	Prefix string
	Local  TableSource
	Remote TableSource
}

func (m Mux) Rows(ctx context.Context, table pageconfig.MetadataTable) ([]map[string]any, error) {
	if m.Local != nil && m.Prefix != "" && strings.HasPrefix(table.Path, m.Prefix) {
		return m.Local.Rows(ctx, table)
	}
	return m.Remote.Rows(ctx, table)
}

// loadTables fetches every declared table concurrently and applies its row
// predicates. Required tables that fail or end up empty are reported as a
// ConfigurationError; optional ones load as empty.
func (c *compilation) loadTables(ctx context.Context) error {
	tables := c.page.MetadataTables
	rows := make([][]map[string]any, len(tables))
	problems := make([]*TableProblem, len(tables))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.Concurrency)
	for i, t := range tables {
		g.Go(func() error {
			got, err := c.opts.Tables.Rows(gctx, t)
			if err != nil {
				if dataclient.IsAbort(err) {
					return err
				}
				problems[i] = &TableProblem{Table: t.Name, Reason: err.Error()}
				return nil
			}
			kept := make([]map[string]any, 0, len(got))
			for _, row := range got {
				if pageconfig.MatchAll(t.Where, row) {
					kept = append(kept, row)
				}
			}
			if len(kept) == 0 {
				problems[i] = &TableProblem{Table: t.Name, Reason: "empty"}
			}
			rows[i] = kept
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	var cfgErr ConfigurationError
	for i, t := range tables {
		c.result.Tables[t.Name] = rows[i]
		p := problems[i]
		if p == nil {
			continue
		}
		if t.Optional {
			c.logger.Warn("optional metadata table unusable", "table", t.Name, "reason", p.Reason)
			c.result.Tables[t.Name] = []map[string]any{}
			continue
		}
		cfgErr.Tables = append(cfgErr.Tables, *p)
	}
	if len(cfgErr.Tables) > 0 {
		return &cfgErr
	}
	return nil
}
