package platform

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	dbsql "github.com/databricks/databricks-sql-go"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/raaihank/pii-tokenizer/internal/config"
	"github.com/raaihank/pii-tokenizer/internal/logger"
	"github.com/raaihank/pii-tokenizer/internal/token"
)

// Warehouse tokenizes tables on an autocommit SQL warehouse. Every UPDATE
// commits on its own, so a failure leaves earlier statements applied and the
// returned counts reflect them.
type Warehouse struct {
	dialect  Dialect
	pools    *pools
	maxLimit int
	logger   *logger.Logger
}

// NewDatabricks creates a warehouse adapter for a Databricks SQL warehouse.
// A tenant login's password is its personal access token.
func NewDatabricks(cfg config.WarehouseConfig, maxLimit int, log *logger.Logger) *Warehouse {
	open := func(ctx context.Context, cred config.TenantCredential) (*sqlx.DB, error) {
		connector, err := dbsql.NewConnector(
			dbsql.WithServerHostname(cfg.Host),
			dbsql.WithPort(cfg.Port),
			dbsql.WithHTTPPath(cfg.HTTPPath),
			dbsql.WithAccessToken(cred.Password),
			dbsql.WithTimeout(cfg.Timeout),
			dbsql.WithUserAgentEntry("pii-tokenizer"),
		)
		if err != nil {
			return nil, err
		}
		db := sqlx.NewDb(sql.OpenDB(connector), Databricks.DriverName)
		db.SetMaxOpenConns(cfg.MaxConns)
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, err
		}
		return db, nil
	}
	return NewWarehouse(cfg.Tenants, maxLimit, open, log)
}

// NewWarehouse creates a warehouse adapter using open to reach the warehouse
func NewWarehouse(creds []config.TenantCredential, maxLimit int, open Opener, log *logger.Logger) *Warehouse {
	l := log.WithComponent("adapter." + Databricks.Name)
	return &Warehouse{
		dialect:  Databricks,
		pools:    newPools(Databricks.Name, creds, open, l),
		maxLimit: maxLimit,
		logger:   l,
	}
}

// Apply rewrites distinct plaintext values column by column until req.Limit
// rows have been updated. One UPDATE covers every row holding the value, so
// the last statement may carry the total past req.Limit by that value's
// duplicate count.
func (w *Warehouse) Apply(ctx context.Context, req Request) (Result, error) {
	if err := req.Validate(w.maxLimit); err != nil {
		return Result{}, err
	}

	db, cred, err := w.pools.get(ctx, req.Tenant)
	if err != nil {
		return Result{}, err
	}
	ns, err := namespaceFor(req, cred)
	if err != nil {
		return Result{}, err
	}

	columns, skipped, err := w.textualColumns(ctx, db, req)
	if err != nil {
		return Result{}, err
	}

	res := Result{SkippedColumns: skipped}
	limit := int64(req.Limit)
	table := w.dialect.Table(req.Dataset)

	for _, column := range columns {
		remaining := limit - res.RowsUpdated
		if remaining <= 0 {
			break
		}

		var values []string
		query := fmt.Sprintf("SELECT DISTINCT %s FROM %s WHERE %s LIMIT %d",
			w.dialect.Quote(column), table, w.dialect.Plaintext(column), remaining)
		if err := db.SelectContext(ctx, &values, query); err != nil {
			return res, w.txError("select", res, err)
		}

		update := fmt.Sprintf("UPDATE %s SET %s = ? WHERE %s = ? AND %s",
			table, w.dialect.Quote(column), w.dialect.Quote(column), w.dialect.NotToken(column))

		for _, v := range values {
			if token.HasTokenShape(v) {
				res.RowsSkipped++
				continue
			}
			tok, err := token.Tokenize(v, ns)
			if errors.Is(err, token.ErrUnencodable) {
				res.ValuesUnencodable++
				continue
			}
			if err != nil {
				return res, w.txError("tokenize", res, err)
			}

			out, err := db.ExecContext(ctx, update, tok, v)
			if err != nil {
				return res, w.txError("update", res, err)
			}
			n, err := out.RowsAffected()
			if err != nil {
				n = 1
			}
			res.RowsUpdated += n
			res.countColumn(column, n)

			if res.RowsUpdated >= limit {
				break
			}
		}
	}

	w.logger.Info("Warehouse tokenization finished",
		zap.String("dataset", req.Dataset.URN),
		zap.Int("columns", len(columns)),
		zap.Int64("rows_updated", res.RowsUpdated),
		zap.Int64("values_unencodable", res.ValuesUnencodable),
	)
	return res, nil
}

// Pending counts candidate rows, capped at req.Limit
func (w *Warehouse) Pending(ctx context.Context, req Request) (int64, error) {
	if err := req.Validate(w.maxLimit); err != nil {
		return 0, err
	}
	db, _, err := w.pools.get(ctx, req.Tenant)
	if err != nil {
		return 0, err
	}
	columns, _, err := w.textualColumns(ctx, db, req)
	if err != nil {
		return 0, err
	}

	var n int64
	if err := db.GetContext(ctx, &n, w.dialect.PendingQuery(req.Dataset, columns, req.Limit)); err != nil {
		return 0, w.txError("count", Result{}, err)
	}
	return n, nil
}

// Close closes every tenant connection
func (w *Warehouse) Close() error {
	return w.pools.closeAll()
}

func (w *Warehouse) textualColumns(ctx context.Context, db *sqlx.DB, req Request) ([]string, []string, error) {
	types, err := columnTypes(ctx, db, w.dialect, req.Dataset)
	if err != nil {
		return nil, nil, w.txError("describe", Result{}, err)
	}
	keep, skipped := splitTextual(w.dialect, req.Columns, types)
	if len(keep) == 0 {
		return nil, skipped, fmt.Errorf("%w: %s", ErrNoTextualColumns, strings.Join(req.Columns, ", "))
	}
	return keep, skipped, nil
}

func (w *Warehouse) txError(op string, partial Result, err error) error {
	return &TransactionError{Platform: w.dialect.Name, Op: op, Partial: partial, Err: err}
}
