package store

import (
	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/pkg/errors"

	"github.com/datahaul/datahaul/internal/common/haulerrors"
	"github.com/datahaul/datahaul/internal/common/ingest"
	"github.com/datahaul/datahaul/internal/common/ingest/metrics"
)

// postgres allows at most 65535 bind parameters per statement
const maxParamsPerStatement = 65535

// Column limits, matching migrations/001_create_tables.sql
const (
	maxIdLength     = 64
	maxStatusLength = 32
	amountPrecision = 12
	amountScale     = 2
)

var dialect = goqu.Dialect("postgres")

type ConflictAction int

const (
	// Append inserts every row
	Append ConflictAction = iota
	// Upsert overwrites UpdateColumns of an existing row with the same key
	Upsert
	// Ignore keeps the existing row with the same key
	Ignore
)

// Table describes how events map onto the rows of a single postgres table
type Table struct {
	Name string
	// Column that identifies a row. Empty for append only tables.
	Key        string
	OnConflict ConflictAction
	// Columns overwritten by an upsert
	UpdateColumns []string
	// If set, this column is set to the current time by an upsert
	TouchColumn string
	toRow       func(payload map[string]any) (goqu.Record, error)
}

var Orders = &Table{
	Name:          "orders",
	Key:           "order_id",
	OnConflict:    Upsert,
	UpdateColumns: []string{"amount", "status", "quantity"},
	TouchColumn:   "updated_at",
	toRow:         orderRow,
}

var PageViews = &Table{
	Name:       "page_views",
	Key:        "view_id",
	OnConflict: Ignore,
	toRow:      pageViewRow,
}

var InventoryChanges = &Table{
	Name:       "inventory_changes",
	OnConflict: Append,
	toRow:      inventoryChangeRow,
}

var tables = map[string]*Table{
	Orders.Name:           Orders,
	PageViews.Name:        PageViews,
	InventoryChanges.Name: InventoryChanges,
}

// TableByName returns one of the tables known to the ingester
func TableByName(name string) (*Table, error) {
	table, ok := tables[name]
	if !ok {
		return nil, errors.WithStack(&haulerrors.ErrInvalidArgument{
			Name:    "table",
			Value:   name,
			Message: "valid tables are orders, page_views and inventory_changes",
		})
	}
	return table, nil
}

// Row maps a single event to a row.  Errors indicate the event can never be stored.
func (t *Table) Row(event *ingest.Event) (goqu.Record, error) {
	row, err := t.toRow(event.Payload)
	if err != nil {
		return nil, errors.WithMessagef(err, "event %s@%d is not a valid %s row", event.TopicPartition(), event.Offset, t.Name)
	}
	return row, nil
}

// CheckEvent rejects events that cannot be mapped to a row, so that they are dead lettered before being
// buffered.  It can be used as an ingest.EventHandler.
func (t *Table) CheckEvent(event *ingest.Event) error {
	_, err := t.Row(event)
	return err
}

func (t *Table) Operation() metrics.DBOperation {
	if t.OnConflict == Upsert {
		return metrics.DBOperationUpsert
	}
	return metrics.DBOperationInsert
}

// Rows maps events to rows.  If the table has a key, events with the same key are collapsed into a single row
// holding the values of the last of them, so that no statement touches a row twice.
func (t *Table) Rows(events []*ingest.Event) ([]goqu.Record, error) {
	rows := make([]goqu.Record, 0, len(events))
	positions := make(map[any]int, len(events))
	for _, event := range events {
		row, err := t.Row(event)
		if err != nil {
			return nil, err
		}
		if t.Key == "" {
			rows = append(rows, row)
			continue
		}
		key := row[t.Key]
		if i, ok := positions[key]; ok {
			rows[i] = row
			continue
		}
		positions[key] = len(rows)
		rows = append(rows, row)
	}
	return rows, nil
}

// InsertStatements returns one or more prepared statements that together insert rows
func (t *Table) InsertStatements(rows []goqu.Record) ([]Statement, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	rowsPerStatement := maxParamsPerStatement / len(rows[0])
	statements := make([]Statement, 0, len(rows)/rowsPerStatement+1)
	for start := 0; start < len(rows); start += rowsPerStatement {
		end := min(start+rowsPerStatement, len(rows))
		values := make([]interface{}, 0, end-start)
		for _, row := range rows[start:end] {
			values = append(values, row)
		}
		ds := dialect.Insert(t.Name).Rows(values...)
		if conflict := t.conflictExpression(); conflict != nil {
			ds = ds.OnConflict(conflict)
		}
		sql, args, err := ds.Prepared(true).ToSQL()
		if err != nil {
			return nil, errors.WithStack(err)
		}
		statements = append(statements, Statement{SQL: sql, Args: args})
	}
	return statements, nil
}

func (t *Table) conflictExpression() exp.ConflictExpression {
	switch t.OnConflict {
	case Upsert:
		update := goqu.Record{}
		for _, column := range t.UpdateColumns {
			update[column] = goqu.L("EXCLUDED." + column)
		}
		if t.TouchColumn != "" {
			update[t.TouchColumn] = goqu.L("CURRENT_TIMESTAMP")
		}
		return goqu.DoUpdate(t.Key, update)
	case Ignore:
		return goqu.DoNothing()
	default:
		return nil
	}
}

type Statement struct {
	SQL  string
	Args []interface{}
}

func orderRow(payload map[string]any) (goqu.Record, error) {
	orderId, err := requiredVarchar(payload, "order_id", maxIdLength)
	if err != nil {
		return nil, err
	}
	userId, err := requiredVarchar(payload, "user_id", maxIdLength)
	if err != nil {
		return nil, err
	}
	productId, err := requiredVarchar(payload, "product_id", maxIdLength)
	if err != nil {
		return nil, err
	}
	timestamp, err := requiredTime(payload, "timestamp")
	if err != nil {
		return nil, err
	}
	amount, err := requiredNumeric(payload, "amount", amountPrecision, amountScale)
	if err != nil {
		return nil, err
	}
	if amount < 0 {
		return nil, &haulerrors.ErrInvalidArgument{Name: "amount", Value: amount, Message: "order amount cannot be negative"}
	}
	status, err := requiredVarchar(payload, "status", maxStatusLength)
	if err != nil {
		return nil, err
	}
	quantity, err := intOrDefault(payload, "quantity", 1)
	if err != nil {
		return nil, err
	}
	if err := checkInt32("quantity", quantity); err != nil {
		return nil, err
	}
	if quantity < 1 {
		return nil, &haulerrors.ErrInvalidArgument{Name: "quantity", Value: quantity, Message: "order quantity must be at least 1"}
	}
	return goqu.Record{
		"order_id":   orderId,
		"user_id":    userId,
		"product_id": productId,
		"timestamp":  timestamp,
		"amount":     amount,
		"status":     status,
		"quantity":   quantity,
	}, nil
}

func pageViewRow(payload map[string]any) (goqu.Record, error) {
	viewId, err := requiredVarchar(payload, "view_id", maxIdLength)
	if err != nil {
		return nil, err
	}
	userId, err := requiredVarchar(payload, "user_id", maxIdLength)
	if err != nil {
		return nil, err
	}
	productId, err := optionalVarchar(payload, "product_id", maxIdLength)
	if err != nil {
		return nil, err
	}
	timestamp, err := requiredTime(payload, "timestamp")
	if err != nil {
		return nil, err
	}
	sessionId, err := requiredVarchar(payload, "session_id", maxIdLength)
	if err != nil {
		return nil, err
	}
	pageUrl, err := requiredVarchar(payload, "page_url", 0)
	if err != nil {
		return nil, err
	}
	duration, err := optionalFloat(payload, "duration_seconds")
	if err != nil {
		return nil, err
	}
	if d, ok := duration.(float64); ok && d < 0 {
		return nil, &haulerrors.ErrInvalidArgument{Name: "duration_seconds", Value: d, Message: "duration cannot be negative"}
	}
	return goqu.Record{
		"view_id":          viewId,
		"user_id":          userId,
		"product_id":       productId,
		"timestamp":        timestamp,
		"session_id":       sessionId,
		"page_url":         pageUrl,
		"duration_seconds": duration,
	}, nil
}

func inventoryChangeRow(payload map[string]any) (goqu.Record, error) {
	productId, err := requiredVarchar(payload, "product_id", maxIdLength)
	if err != nil {
		return nil, err
	}
	timestamp, err := optionalTime(payload, "timestamp")
	if err != nil {
		return nil, err
	}
	stockChange, err := requiredInt32(payload, "stock_change")
	if err != nil {
		return nil, err
	}
	currentStock, err := requiredInt32(payload, "current_stock")
	if err != nil {
		return nil, err
	}
	if currentStock < 0 {
		return nil, &haulerrors.ErrInvalidArgument{Name: "current_stock", Value: currentStock, Message: "current stock cannot be negative"}
	}
	warehouseId, err := optionalVarchar(payload, "warehouse_id", maxIdLength)
	if err != nil {
		return nil, err
	}
	return goqu.Record{
		"product_id":    productId,
		"timestamp":     timestamp,
		"stock_change":  stockChange,
		"current_stock": currentStock,
		"warehouse_id":  warehouseId,
	}, nil
}
