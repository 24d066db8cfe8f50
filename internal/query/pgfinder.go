package query

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/go-playground/validator/v10"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/noah-isme/serial-entry/internal/resilience"
)

// Statement maps a request name to SQL. The first selected column must be the
// root record id; the remaining columns follow Request.Fields and must be
// selected as text.
type Statement struct {
	SQL    string   `json:"sql" validate:"required"`
	Params []string `json:"params" validate:"dive,required"`
}

var validate = validator.New()

// LoadStatements decodes a JSON object of request name to Statement.
func LoadStatements(r io.Reader) (map[string]Statement, error) {
	var stmts map[string]Statement
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&stmts); err != nil {
		return nil, fmt.Errorf("decode statements: %w", err)
	}
	if len(stmts) == 0 {
		return nil, errors.New("query: no statements configured")
	}
	for name, st := range stmts {
		if err := validate.Struct(st); err != nil {
			return nil, fmt.Errorf("query: statement %s: %w", name, err)
		}
	}
	return stmts, nil
}

// PGFinder executes named statements against Postgres asynchronously. A
// non-nil Breaker fails queries fast while the database is unreachable.
type PGFinder struct {
	Pool       *pgxpool.Pool
	Statements map[string]Statement
	Breaker    *resilience.Breaker
	Logger     zerolog.Logger
}

// Find implements Finder.
func (p *PGFinder) Find(ctx context.Context, req Request) *Future {
	stmt, ok := p.Statements[req.Name]
	if !ok {
		return Failed(fmt.Errorf("%w: %s", ErrUnknownStatement, req.Name))
	}
	if p.Pool == nil {
		return Failed(fmt.Errorf("query: pool not configured for %s", req.Name))
	}
	runCtx, cancel := context.WithCancel(ctx)
	fut := NewFuture(cancel)
	go func() {
		defer cancel()
		var rows []Row
		err := p.Breaker.Do(runCtx, func(ctx context.Context) error {
			var err error
			rows, err = p.run(ctx, stmt, req)
			return err
		}, func(error) bool { return runCtx.Err() == nil })
		if err != nil {
			if runCtx.Err() != nil {
				fut.Cancel()
				return
			}
			p.Logger.Error().Err(err).Str("statement", req.Name).Msg("query failed")
			fut.Reject(err)
			return
		}
		fut.Resolve(rows)
	}()
	return fut
}

func (p *PGFinder) run(ctx context.Context, stmt Statement, req Request) ([]Row, error) {
	args := make([]any, 0, len(stmt.Params))
	for _, name := range stmt.Params {
		args = append(args, req.Params[name])
	}
	rows, err := p.Pool.Query(ctx, stmt.SQL, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", req.Name, err)
	}
	defer rows.Close()

	width := len(rows.FieldDescriptions())
	if width == 0 {
		return nil, fmt.Errorf("query %s: statement selects no columns", req.Name)
	}
	var out []Row
	for rows.Next() {
		cells := make([]pgtype.Text, width)
		dest := make([]any, width)
		for i := range cells {
			dest[i] = &cells[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan %s: %w", req.Name, err)
		}
		rec := Record{Root: cells[0].String, Values: make([]string, width-1)}
		for i := 1; i < width; i++ {
			rec.Values[i-1] = cells[i].String
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query %s: %w", req.Name, err)
	}
	return out, nil
}
