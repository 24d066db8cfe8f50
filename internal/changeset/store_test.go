package changeset_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/serial-entry/internal/changeset"
)

func itemTable() changeset.Table {
	return changeset.Table{
		Name:        "order_items",
		Columns:     map[string]string{"quantity": "qty", "item_number": "item_number"},
		LinkColumns: map[string]string{"Order": "order_id"},
		SyncColumn:  "synced_at",
	}
}

func TestStatementInsert(t *testing.T) {
	rec := changeset.Record{
		RecordID: "R1",
		Mode:     changeset.ModeInsert,
		Fields:   []changeset.Field{{Name: "quantity", Value: "3"}},
		Links:    []changeset.Link{{InfoArea: "Order", RecordID: "O1"}, {InfoArea: "Article", RecordID: "A1"}},
	}
	sql, args, err := itemTable().Statement(rec)
	require.NoError(t, err)
	require.Equal(t, `INSERT INTO "order_items" ("id", "qty", "order_id") VALUES ($1, $2, $3)`, sql)
	require.Equal(t, []any{"R1", "3", "O1"}, args)
}

func TestStatementUpdateDeleteSync(t *testing.T) {
	tbl := itemTable()

	sql, args, err := tbl.Statement(changeset.Record{RecordID: "R1", Mode: changeset.ModeUpdate, Fields: []changeset.Field{{Name: "quantity", Value: "4"}}})
	require.NoError(t, err)
	require.Equal(t, `UPDATE "order_items" SET "qty" = $1 WHERE "id" = $2`, sql)
	require.Equal(t, []any{"4", "R1"}, args)

	sql, _, err = tbl.Statement(changeset.Record{RecordID: "R1", Mode: changeset.ModeUpdate})
	require.NoError(t, err)
	require.Empty(t, sql)

	sql, args, err = tbl.Statement(changeset.Record{RecordID: "R1", Mode: changeset.ModeDelete})
	require.NoError(t, err)
	require.Equal(t, `DELETE FROM "order_items" WHERE "id" = $1`, sql)
	require.Equal(t, []any{"R1"}, args)

	sql, _, err = tbl.Statement(changeset.Record{RecordID: "R1", Mode: changeset.ModeSync})
	require.NoError(t, err)
	require.Equal(t, `UPDATE "order_items" SET "synced_at" = now() WHERE "id" = $1`, sql)
}

func TestStatementRejectsUnknownField(t *testing.T) {
	_, _, err := itemTable().Statement(changeset.Record{Mode: changeset.ModeInsert, Fields: []changeset.Field{{Name: "price", Value: "1"}}})
	require.Error(t, err)
}

func TestSubmitWithoutPoolFailsBatch(t *testing.T) {
	var store changeset.PGStore
	var got changeset.Result
	store.Submit(context.Background(), changeset.Batch{ID: "B1", Rows: []changeset.RowChanges{{RowKey: "r1"}}}, func(r changeset.Result) { got = r })
	require.Equal(t, "B1", got.BatchID)
	require.ErrorIs(t, got.Err, changeset.ErrStoreUnavailable)
	require.Empty(t, got.RowErrs)
}

func TestLoadTables(t *testing.T) {
	tables, err := changeset.LoadTables(strings.NewReader(`{
		"OrderItem": {
			"name": "order_items",
			"columns": {"quantity": "qty", "item_number": "item_number"},
			"link_columns": {"Order": "order_id"},
			"sync_column": "synced_at"
		}
	}`))
	require.NoError(t, err)
	require.Equal(t, itemTable(), tables["OrderItem"])

	_, err = changeset.LoadTables(strings.NewReader(`{"OrderItem": {"name": "order_items", "columns": {}}}`))
	require.Error(t, err)

	_, err = changeset.LoadTables(strings.NewReader(`{"OrderItem": {"table": "order_items"}}`))
	require.Error(t, err)

	_, err = changeset.LoadTables(strings.NewReader(`{}`))
	require.Error(t, err)
}
