package changeset

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/noah-isme/serial-entry/internal/resilience"
)

// Table maps an info area onto a Postgres table.
type Table struct {
	Name     string `json:"name" validate:"required"`
	IDColumn string `json:"id_column,omitempty"`
	// Columns maps record field names to column names.
	Columns map[string]string `json:"columns" validate:"required,min=1,dive,keys,required,endkeys,required"`
	// LinkColumns maps linked info areas to foreign key columns.
	LinkColumns map[string]string `json:"link_columns,omitempty"`
	// SyncColumn, when set, is stamped with now() by sync records.
	SyncColumn string `json:"sync_column,omitempty"`
}

var validate = validator.New()

// LoadTables decodes a JSON object of info area to Table and validates it.
func LoadTables(r io.Reader) (map[string]Table, error) {
	var tables map[string]Table
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&tables); err != nil {
		return nil, fmt.Errorf("decode change-set tables: %w", err)
	}
	if len(tables) == 0 {
		return nil, errors.New("changeset: no tables configured")
	}
	for area, t := range tables {
		if err := validate.Struct(t); err != nil {
			return nil, fmt.Errorf("changeset: table for %s: %w", area, err)
		}
	}
	return tables, nil
}

func (t Table) idColumn() string {
	if t.IDColumn == "" {
		return "id"
	}
	return t.IDColumn
}

func (t Table) column(field string) (string, error) {
	col, ok := t.Columns[field]
	if !ok {
		return "", fmt.Errorf("changeset: table %s has no column for field %q", t.Name, field)
	}
	return col, nil
}

// Statement renders the SQL applying rec. Sync records on tables without a
// sync column render an empty statement.
func (t Table) Statement(rec Record) (string, []any, error) {
	table := pgx.Identifier{t.Name}.Sanitize()
	id := pgx.Identifier{t.idColumn()}.Sanitize()
	switch rec.Mode {
	case ModeInsert:
		cols := []string{id}
		args := []any{rec.RecordID}
		for _, f := range rec.Fields {
			col, err := t.column(f.Name)
			if err != nil {
				return "", nil, err
			}
			cols = append(cols, pgx.Identifier{col}.Sanitize())
			args = append(args, f.Value)
		}
		for _, l := range rec.Links {
			col, ok := t.LinkColumns[l.InfoArea]
			if !ok {
				continue
			}
			cols = append(cols, pgx.Identifier{col}.Sanitize())
			args = append(args, l.RecordID)
		}
		marks := make([]string, len(args))
		for i := range marks {
			marks[i] = fmt.Sprintf("$%d", i+1)
		}
		return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(cols, ", "), strings.Join(marks, ", ")), args, nil
	case ModeUpdate:
		if len(rec.Fields) == 0 {
			return "", nil, nil
		}
		sets := make([]string, 0, len(rec.Fields))
		args := make([]any, 0, len(rec.Fields)+1)
		for _, f := range rec.Fields {
			col, err := t.column(f.Name)
			if err != nil {
				return "", nil, err
			}
			args = append(args, f.Value)
			sets = append(sets, fmt.Sprintf("%s = $%d", pgx.Identifier{col}.Sanitize(), len(args)))
		}
		args = append(args, rec.RecordID)
		return fmt.Sprintf("UPDATE %s SET %s WHERE %s = $%d", table, strings.Join(sets, ", "), id, len(args)), args, nil
	case ModeDelete:
		return fmt.Sprintf("DELETE FROM %s WHERE %s = $1", table, id), []any{rec.RecordID}, nil
	case ModeSync:
		if t.SyncColumn == "" {
			return "", nil, nil
		}
		return fmt.Sprintf("UPDATE %s SET %s = now() WHERE %s = $1", table, pgx.Identifier{t.SyncColumn}.Sanitize(), id), []any{rec.RecordID}, nil
	default:
		return "", nil, fmt.Errorf("changeset: unsupported mode %s", rec.Mode)
	}
}

// PGStore applies change sets to Postgres. Every row is applied in its own
// transaction.
type PGStore struct {
	Pool    *pgxpool.Pool
	Tables  map[string]Table
	Breaker *resilience.Breaker
	Logger  zerolog.Logger
}

// Apply writes the records of one row atomically. Only connection failures
// count against the breaker.
func (s *PGStore) Apply(ctx context.Context, rc RowChanges) error {
	if s == nil || s.Pool == nil {
		return ErrStoreUnavailable
	}
	err := s.Breaker.Do(ctx, func(ctx context.Context) error {
		return s.apply(ctx, rc)
	}, isConnectionError)
	if errors.Is(err, resilience.ErrOpenCircuit) {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return err
}

func (s *PGStore) apply(ctx context.Context, rc RowChanges) (err error) {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: begin: %w", ErrStoreUnavailable, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()
	for _, rec := range rc.Records {
		table, ok := s.Tables[rec.InfoArea]
		if !ok {
			return fmt.Errorf("changeset: no table for info area %q", rec.InfoArea)
		}
		sql, args, err := table.Statement(rec)
		if err != nil {
			return err
		}
		if sql == "" {
			continue
		}
		if _, err := tx.Exec(ctx, sql, args...); err != nil {
			return fmt.Errorf("apply %s %s %s: %w", rec.Mode, rec.InfoArea, rec.RecordID, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit row %s: %w", rc.RowKey, err)
	}
	return nil
}

// Submit implements Persister. Row failures are reported per row; a store
// that cannot be reached fails the whole batch.
func (s *PGStore) Submit(ctx context.Context, b Batch, done func(Result)) {
	res := Result{BatchID: b.ID, RowErrs: make(map[string]error)}
	for _, rc := range b.Rows {
		err := s.Apply(ctx, rc)
		if err == nil {
			continue
		}
		if errors.Is(err, ErrStoreUnavailable) {
			res.Err = err
			break
		}
		s.Logger.Warn().Err(err).Str("row", rc.RowKey).Msg("row change set failed")
		res.RowErrs[rc.RowKey] = err
	}
	if done != nil {
		done(res)
	}
}

// InfoAreas lists the configured info areas in lexical order.
func (s *PGStore) InfoAreas() []string {
	out := make([]string, 0, len(s.Tables))
	for k := range s.Tables {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func isConnectionError(err error) bool {
	return errors.Is(err, ErrStoreUnavailable) || errors.Is(err, context.DeadlineExceeded)
}
