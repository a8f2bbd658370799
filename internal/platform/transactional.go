package platform

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/raaihank/pii-tokenizer/internal/config"
	"github.com/raaihank/pii-tokenizer/internal/logger"
	"github.com/raaihank/pii-tokenizer/internal/token"
)

// Transactional tokenizes a batch of rows inside one transaction. Either every
// row of the batch is rewritten or none is.
type Transactional struct {
	dialect    Dialect
	pools      *pools
	maxLimit   int
	searchPath string
	logger     *logger.Logger
}

type candidateRow struct {
	id     []any
	values []sql.NullString
}

// NewPostgres creates a transactional adapter for PostgreSQL
func NewPostgres(cfg config.DatabaseConfig, maxLimit int, log *logger.Logger) *Transactional {
	open := func(ctx context.Context, cred config.TenantCredential) (*sqlx.DB, error) {
		return OpenPostgres(ctx, cfg, cred, log)
	}
	a := NewTransactional(Postgres, cfg.Tenants, maxLimit, open, log)
	a.searchPath = cfg.DefaultSearchPath
	return a
}

// NewMySQL creates a transactional adapter for MySQL 8
func NewMySQL(cfg config.DatabaseConfig, maxLimit int, log *logger.Logger) *Transactional {
	open := func(ctx context.Context, cred config.TenantCredential) (*sqlx.DB, error) {
		return OpenMySQL(ctx, cfg, cred)
	}
	return NewTransactional(MySQL, cfg.Tenants, maxLimit, open, log)
}

// OpenPostgres connects to PostgreSQL with a tenant login
func OpenPostgres(ctx context.Context, cfg config.DatabaseConfig, cred config.TenantCredential, log *logger.Logger) (*sqlx.DB, error) {
	dsn := postgresURL(cfg, cred)
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, err
	}
	configurePool(db, cfg)
	log.Debug("Connected to postgres", zap.String("database_url", maskDatabaseURL(dsn)))
	return db, nil
}

// OpenMySQL connects to MySQL with a tenant login
func OpenMySQL(ctx context.Context, cfg config.DatabaseConfig, cred config.TenantCredential) (*sqlx.DB, error) {
	mc := mysql.NewConfig()
	mc.User = cred.Username
	mc.Passwd = cred.Password
	mc.Net = "tcp"
	mc.Addr = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	mc.DBName = cfg.Database
	mc.Timeout = cfg.ConnectTimeout
	mc.ParseTime = true

	db, err := sqlx.ConnectContext(ctx, "mysql", mc.FormatDSN())
	if err != nil {
		return nil, err
	}
	configurePool(db, cfg)
	return db, nil
}

// NewTransactional creates an adapter for dialect d using open to reach the database
func NewTransactional(d Dialect, creds []config.TenantCredential, maxLimit int, open Opener, log *logger.Logger) *Transactional {
	l := log.WithComponent("adapter." + d.Name)
	return &Transactional{
		dialect:  d,
		pools:    newPools(d.Name, creds, open, l),
		maxLimit: maxLimit,
		logger:   l,
	}
}

func configurePool(db *sqlx.DB, cfg config.DatabaseConfig) {
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
}

// Apply tokenizes up to req.Limit candidate rows. On any error the transaction
// is rolled back and the returned Result is zero.
func (a *Transactional) Apply(ctx context.Context, req Request) (Result, error) {
	if err := req.Validate(a.maxLimit); err != nil {
		return Result{}, err
	}

	db, cred, err := a.pools.get(ctx, req.Tenant)
	if err != nil {
		return Result{}, err
	}
	ns, err := namespaceFor(req, cred)
	if err != nil {
		return Result{}, err
	}

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return Result{}, a.txError("begin", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if err := a.scope(ctx, tx, cred); err != nil {
		return Result{}, a.txError("scope", err)
	}

	columns, skipped, err := a.textualColumns(ctx, tx, req)
	if err != nil {
		return Result{}, err
	}

	idColumns, err := a.rowIdentity(ctx, tx, req.Dataset)
	if err != nil {
		return Result{}, err
	}

	rows, err := a.lockCandidates(ctx, tx, req, columns, idColumns)
	if err != nil {
		return Result{}, a.txError("select", err)
	}

	res := Result{SkippedColumns: skipped}
	for _, row := range rows {
		sets := make([]string, 0, len(columns))
		args := make([]any, 0, len(columns)+len(row.id))
		touched := make([]string, 0, len(columns))
		unencodable := false

		for i, c := range columns {
			v := row.values[i]
			// Same test as the candidate predicate, so a value the query
			// treats as a token is never rewritten here
			if !v.Valid || token.HasTokenShape(v.String) {
				continue
			}
			tok, err := token.Tokenize(v.String, ns)
			if errors.Is(err, token.ErrUnencodable) {
				res.ValuesUnencodable++
				unencodable = true
				continue
			}
			if err != nil {
				return Result{}, a.txError("tokenize", err)
			}
			sets = append(sets, a.dialect.Quote(c)+" = ?")
			args = append(args, tok)
			touched = append(touched, c)
		}

		if len(sets) == 0 {
			// Already counted under ValuesUnencodable
			if !unencodable {
				res.RowsSkipped++
			}
			continue
		}

		where := a.identityPredicate(idColumns)
		args = append(args, row.id...)
		query := tx.Rebind(fmt.Sprintf("UPDATE %s SET %s WHERE %s",
			a.dialect.Table(req.Dataset), strings.Join(sets, ", "), where))
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return Result{}, a.txError("update", err)
		}
		res.RowsUpdated++
		for _, c := range touched {
			res.countColumn(c, 1)
		}
	}

	if err := tx.Commit(); err != nil {
		return Result{}, a.txError("commit", err)
	}
	committed = true

	a.logger.Info("Tokenization batch committed",
		zap.String("dataset", req.Dataset.URN),
		zap.Int("columns", len(columns)),
		zap.Int64("rows_updated", res.RowsUpdated),
		zap.Int64("rows_skipped", res.RowsSkipped),
		zap.Int64("values_unencodable", res.ValuesUnencodable),
	)
	return res, nil
}

// Pending counts candidate rows without locking or writing
func (a *Transactional) Pending(ctx context.Context, req Request) (int64, error) {
	if err := req.Validate(a.maxLimit); err != nil {
		return 0, err
	}

	db, cred, err := a.pools.get(ctx, req.Tenant)
	if err != nil {
		return 0, err
	}

	tx, err := db.BeginTxx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return 0, a.txError("begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := a.scope(ctx, tx, cred); err != nil {
		return 0, a.txError("scope", err)
	}

	columns, _, err := a.textualColumns(ctx, tx, req)
	if err != nil {
		return 0, err
	}

	var n int64
	if err := tx.GetContext(ctx, &n, a.dialect.PendingQuery(req.Dataset, columns, req.Limit)); err != nil {
		return 0, a.txError("count", err)
	}
	return n, nil
}

// Close closes every tenant pool
func (a *Transactional) Close() error {
	return a.pools.closeAll()
}

// scope switches the transaction to the tenant's role and search path
func (a *Transactional) scope(ctx context.Context, tx *sqlx.Tx, cred config.TenantCredential) error {
	switch a.dialect.Name {
	case "postgres":
		if cred.Role != "" {
			if _, err := tx.ExecContext(ctx, "SET LOCAL ROLE "+a.dialect.Quote(cred.Role)); err != nil {
				return err
			}
		}
		path := cred.SearchPath
		if path == "" {
			path = a.searchPath
		}
		if path != "" {
			parts := strings.Split(path, ",")
			for i, p := range parts {
				parts[i] = a.dialect.Quote(strings.TrimSpace(p))
			}
			if _, err := tx.ExecContext(ctx, "SET LOCAL search_path TO "+strings.Join(parts, ", ")); err != nil {
				return err
			}
		}
	case "mysql":
		if cred.Role != "" {
			if _, err := tx.ExecContext(ctx, "SET ROLE "+a.dialect.Quote(cred.Role)); err != nil {
				return err
			}
		}
	}
	return nil
}

// textualColumns splits the requested columns into those holding text and
// those that are skipped (non-textual or missing).
func (a *Transactional) textualColumns(ctx context.Context, tx *sqlx.Tx, req Request) ([]string, []string, error) {
	types, err := columnTypes(ctx, tx, a.dialect, req.Dataset)
	if err != nil {
		return nil, nil, a.txError("describe", err)
	}
	keep, skipped := splitTextual(a.dialect, req.Columns, types)
	for _, c := range skipped {
		a.logger.Warn("Skipping non-textual or missing column",
			zap.String("dataset", req.Dataset.URN),
			zap.String("column", c),
		)
	}
	if len(keep) == 0 {
		return nil, skipped, fmt.Errorf("%w: %s", ErrNoTextualColumns, strings.Join(req.Columns, ", "))
	}
	return keep, skipped, nil
}

// rowIdentity returns the primary key columns (mysql) or nil when ctid is used
func (a *Transactional) rowIdentity(ctx context.Context, tx *sqlx.Tx, ds Dataset) ([]string, error) {
	if a.dialect.Name != "mysql" {
		return nil, nil
	}

	var keys []string
	query := tx.Rebind(`SELECT column_name FROM information_schema.key_column_usage
		WHERE table_schema = ? AND table_name = ? AND constraint_name = 'PRIMARY'
		ORDER BY ordinal_position`)
	if err := tx.SelectContext(ctx, &keys, query, a.dialect.TableSchema(ds), ds.Table); err != nil {
		return nil, a.txError("describe", err)
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoPrimaryKey, ds.QualifiedName())
	}
	return keys, nil
}

func (a *Transactional) lockCandidates(ctx context.Context, tx *sqlx.Tx, req Request, columns, idColumns []string) ([]candidateRow, error) {
	selects := make([]string, 0, len(idColumns)+len(columns))
	if idColumns == nil {
		selects = append(selects, "ctid::text")
	}
	for _, c := range idColumns {
		selects = append(selects, a.dialect.Quote(c))
	}
	for _, c := range columns {
		selects = append(selects, a.dialect.Quote(c))
	}

	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s LIMIT %d FOR UPDATE",
		strings.Join(selects, ", "),
		a.dialect.Table(req.Dataset),
		a.dialect.Candidate(columns),
		req.Limit,
	)

	rows, err := tx.QueryxContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	idCount := len(idColumns)
	if idCount == 0 {
		idCount = 1
	}

	var out []candidateRow
	for rows.Next() {
		row := candidateRow{
			id:     make([]any, idCount),
			values: make([]sql.NullString, len(columns)),
		}
		dest := make([]any, 0, idCount+len(columns))
		ids := make([]string, idCount)
		for i := range ids {
			dest = append(dest, &ids[i])
		}
		for i := range row.values {
			dest = append(dest, &row.values[i])
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		for i, id := range ids {
			row.id[i] = id
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (a *Transactional) identityPredicate(idColumns []string) string {
	if idColumns == nil {
		return "ctid = ?::tid"
	}
	preds := make([]string, len(idColumns))
	for i, c := range idColumns {
		preds[i] = a.dialect.Quote(c) + " = ?"
	}
	return strings.Join(preds, " AND ")
}

func (a *Transactional) txError(op string, err error) error {
	return &TransactionError{Platform: a.dialect.Name, Op: op, Err: err}
}

// columnTypes reads column names and data types from information_schema
func columnTypes(ctx context.Context, q sqlx.QueryerContext, d Dialect, ds Dataset) (map[string]string, error) {
	rows, err := q.QueryxContext(ctx, sqlx.Rebind(sqlx.BindType(d.DriverName), d.ColumnsQuery(ds)), d.TableSchema(ds), ds.Table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	types := make(map[string]string)
	for rows.Next() {
		var name, dataType string
		if err := rows.Scan(&name, &dataType); err != nil {
			return nil, err
		}
		types[name] = dataType
	}
	return types, rows.Err()
}

// splitTextual keeps requested columns whose type is textual. Names are
// matched exactly first, then case-insensitively.
func splitTextual(d Dialect, requested []string, types map[string]string) (keep, skipped []string) {
	lower := make(map[string]string, len(types))
	for name := range types {
		lower[strings.ToLower(name)] = name
	}
	for _, c := range requested {
		name := c
		if _, ok := types[name]; !ok {
			name = lower[strings.ToLower(c)]
		}
		if dt, ok := types[name]; ok && d.IsTextual(dt) {
			keep = append(keep, name)
			continue
		}
		skipped = append(skipped, c)
	}
	return keep, skipped
}

// TextualColumns lists the textual columns of a table in ordinal order
func TextualColumns(ctx context.Context, q sqlx.QueryerContext, d Dialect, ds Dataset) ([]string, error) {
	rows, err := q.QueryxContext(ctx, sqlx.Rebind(sqlx.BindType(d.DriverName), d.ColumnsQuery(ds)), d.TableSchema(ds), ds.Table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name, dataType string
		if err := rows.Scan(&name, &dataType); err != nil {
			return nil, err
		}
		if d.IsTextual(dataType) {
			out = append(out, name)
		}
	}
	return out, rows.Err()
}
