package platform

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raaihank/pii-tokenizer/internal/config"
	"github.com/raaihank/pii-tokenizer/internal/logger"
	"github.com/raaihank/pii-tokenizer/internal/token"
)

func mockOpener(t *testing.T, driver string) (Opener, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	open := func(ctx context.Context, cred config.TenantCredential) (*sqlx.DB, error) {
		return sqlx.NewDb(db, driver), nil
	}
	return open, mock
}

func mustTokenize(t *testing.T, v, ns string) string {
	t.Helper()
	tok, err := token.Tokenize(v, ns)
	require.NoError(t, err)
	return tok
}

var pgDataset = Dataset{
	URN:      "urn:li:dataset:(urn:li:dataPlatform:postgres,sandbox.t001.customers,PROD)",
	Platform: "postgres",
	Database: "sandbox",
	Schema:   "t001",
	Table:    "customers",
}

var pgTenants = []config.TenantCredential{{Tenant: "t001", Username: "tok_t001", Role: "tokenizer_t001"}}

func expectPostgresPrologue(mock sqlmock.Sqlmock) {
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`SET LOCAL ROLE "tokenizer_t001"`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT column_name, data_type FROM information_schema.columns")).
		WithArgs("t001", "customers").
		WillReturnRows(sqlmock.NewRows([]string{"column_name", "data_type"}).
			AddRow("id", "integer").
			AddRow("email", "text").
			AddRow("phone", "character varying").
			AddRow("age", "integer"))
}

func TestTransactionalApply(t *testing.T) {
	req := Request{
		Dataset:   pgDataset,
		Columns:   []string{"email", "phone", "age"},
		Limit:     3,
		Tenant:    "t001",
		Namespace: "t001",
	}

	t.Run("CommitsBatch", func(t *testing.T) {
		open, mock := mockOpener(t, "postgres")
		a := NewTransactional(Postgres, pgTenants, 1000, open, logger.NewNop())

		bobTok := mustTokenize(t, "bob@example.com", "t001")
		expectPostgresPrologue(mock)
		mock.ExpectQuery(regexp.QuoteMeta(`SELECT ctid::text, "email", "phone" FROM "t001"."customers" WHERE ("email" IS NOT NULL AND "email" !~ '`)).
			WillReturnRows(sqlmock.NewRows([]string{"ctid", "email", "phone"}).
				AddRow("(0,1)", "alice@example.com", nil).
				AddRow("(0,2)", bobTok, "+1 555 010 9999").
				AddRow("(0,3)", bobTok, nil))
		mock.ExpectExec(regexp.QuoteMeta(`UPDATE "t001"."customers" SET "email" = $1 WHERE ctid = $2::tid`)).
			WithArgs(mustTokenize(t, "alice@example.com", "t001"), "(0,1)").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(regexp.QuoteMeta(`UPDATE "t001"."customers" SET "phone" = $1 WHERE ctid = $2::tid`)).
			WithArgs(mustTokenize(t, "+1 555 010 9999", "t001"), "(0,2)").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		res, err := a.Apply(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, int64(2), res.RowsUpdated)
		assert.Equal(t, int64(1), res.RowsSkipped)
		assert.Equal(t, []string{"age"}, res.SkippedColumns)
		assert.Equal(t, map[string]int64{"email": 1, "phone": 1}, res.ColumnsUpdated)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("FailureRollsBackAndReportsZero", func(t *testing.T) {
		open, mock := mockOpener(t, "postgres")
		a := NewTransactional(Postgres, pgTenants, 1000, open, logger.NewNop())

		expectPostgresPrologue(mock)
		mock.ExpectQuery(regexp.QuoteMeta(`SELECT ctid::text`)).
			WillReturnRows(sqlmock.NewRows([]string{"ctid", "email", "phone"}).
				AddRow("(0,1)", "alice@example.com", nil).
				AddRow("(0,2)", "carol@example.com", nil))
		mock.ExpectExec(regexp.QuoteMeta(`UPDATE "t001"."customers"`)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(regexp.QuoteMeta(`UPDATE "t001"."customers"`)).
			WillReturnError(errors.New("deadlock detected"))
		mock.ExpectRollback()

		res, err := a.Apply(context.Background(), req)
		require.Error(t, err)
		var txErr *TransactionError
		require.ErrorAs(t, err, &txErr)
		assert.Equal(t, "update", txErr.Op)
		assert.Equal(t, int64(0), txErr.Partial.RowsUpdated)
		assert.Equal(t, Result{}, res)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("SecondApplyIsNoop", func(t *testing.T) {
		open, mock := mockOpener(t, "postgres")
		a := NewTransactional(Postgres, pgTenants, 1000, open, logger.NewNop())

		expectPostgresPrologue(mock)
		mock.ExpectQuery(regexp.QuoteMeta(`SELECT ctid::text`)).
			WillReturnRows(sqlmock.NewRows([]string{"ctid", "email", "phone"}))
		mock.ExpectCommit()

		res, err := a.Apply(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, int64(0), res.RowsUpdated)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("LimitBoundsBatch", func(t *testing.T) {
		open, mock := mockOpener(t, "postgres")
		a := NewTransactional(Postgres, pgTenants, 1000, open, logger.NewNop())

		expectPostgresPrologue(mock)
		mock.ExpectQuery(`LIMIT 3 FOR UPDATE$`).
			WillReturnRows(sqlmock.NewRows([]string{"ctid", "email", "phone"}))
		mock.ExpectCommit()

		_, err := a.Apply(context.Background(), req)
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("UnencodableCountedNotWritten", func(t *testing.T) {
		open, mock := mockOpener(t, "postgres")
		a := NewTransactional(Postgres, pgTenants, 1000, open, logger.NewNop())

		expectPostgresPrologue(mock)
		mock.ExpectQuery(regexp.QuoteMeta(`SELECT ctid::text`)).
			WillReturnRows(sqlmock.NewRows([]string{"ctid", "email", "phone"}).
				AddRow("(0,1)", "bad\x00value", nil))
		mock.ExpectCommit()

		res, err := a.Apply(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, int64(1), res.ValuesUnencodable)
		assert.Equal(t, int64(0), res.RowsSkipped)
		assert.Equal(t, int64(0), res.RowsUpdated)
		assert.Nil(t, res.ColumnsUpdated)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("UnencodableExcludedFromBatch", func(t *testing.T) {
		open, mock := mockOpener(t, "postgres")
		a := NewTransactional(Postgres, pgTenants, 1000, open, logger.NewNop())

		// Oversized values never match, so a full batch of them cannot hide
		// the rows behind it
		expectPostgresPrologue(mock)
		mock.ExpectQuery(regexp.QuoteMeta(`AND octet_length("email") <= 4096) OR ("phone" IS NOT NULL`)).
			WillReturnRows(sqlmock.NewRows([]string{"ctid", "email", "phone"}).
				AddRow("(0,4)", "erin@example.com", nil).
				AddRow("(0,5)", "frank@example.com", nil).
				AddRow("(0,6)", "grace@example.com", nil))
		for range 3 {
			mock.ExpectExec(regexp.QuoteMeta(`UPDATE "t001"."customers" SET "email" = $1`)).
				WillReturnResult(sqlmock.NewResult(0, 1))
		}
		mock.ExpectCommit()

		res, err := a.Apply(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, int64(3), res.RowsUpdated)
		assert.Zero(t, res.ValuesUnencodable)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("TokenShapedValueLeftAlone", func(t *testing.T) {
		open, mock := mockOpener(t, "postgres")
		a := NewTransactional(Postgres, pgTenants, 1000, open, logger.NewNop())

		// Matches the token pattern but fails the checksum: the candidate
		// query would never select it again, so it is not rewritten either
		forged := "tok_YWxpY2U_t001"
		require.False(t, token.IsToken(forged))

		expectPostgresPrologue(mock)
		mock.ExpectQuery(regexp.QuoteMeta(`SELECT ctid::text`)).
			WillReturnRows(sqlmock.NewRows([]string{"ctid", "email", "phone"}).
				AddRow("(0,1)", "alice@example.com", forged))
		mock.ExpectExec(regexp.QuoteMeta(`UPDATE "t001"."customers" SET "email" = $1 WHERE ctid = $2::tid`)).
			WithArgs(mustTokenize(t, "alice@example.com", "t001"), "(0,1)").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		res, err := a.Apply(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, int64(1), res.RowsUpdated)
		assert.Equal(t, map[string]int64{"email": 1}, res.ColumnsUpdated)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("RejectedBeforeIO", func(t *testing.T) {
		open, mock := mockOpener(t, "postgres")
		a := NewTransactional(Postgres, pgTenants, 1000, open, logger.NewNop())

		for _, limit := range []int{0, -1, 1001} {
			bad := req
			bad.Limit = limit
			_, err := a.Apply(context.Background(), bad)
			assert.ErrorIs(t, err, ErrLimitOutOfRange)
		}

		unknown := req
		unknown.Tenant = "t999"
		_, err := a.Apply(context.Background(), unknown)
		assert.ErrorIs(t, err, ErrUnknownTenant)

		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("NoTextualColumns", func(t *testing.T) {
		open, mock := mockOpener(t, "postgres")
		a := NewTransactional(Postgres, pgTenants, 1000, open, logger.NewNop())

		expectPostgresPrologue(mock)
		mock.ExpectRollback()

		onlyAge := req
		onlyAge.Columns = []string{"age"}
		_, err := a.Apply(context.Background(), onlyAge)
		assert.ErrorIs(t, err, ErrNoTextualColumns)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestTransactionalMySQL(t *testing.T) {
	open, mock := mockOpener(t, "mysql")
	a := NewTransactional(MySQL, []config.TenantCredential{{Tenant: "*", Username: "tok"}}, 1000, open, logger.NewNop())

	ds := Dataset{URN: "urn:li:dataset:(urn:li:dataPlatform:mysql,shop.users,PROD)", Platform: "mysql", Database: "shop", Table: "users"}

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT column_name, data_type FROM information_schema.columns")).
		WithArgs("shop", "users").
		WillReturnRows(sqlmock.NewRows([]string{"COLUMN_NAME", "DATA_TYPE"}).
			AddRow("id", "bigint").
			AddRow("email", "varchar"))
	mock.ExpectQuery(regexp.QuoteMeta("information_schema.key_column_usage")).
		WithArgs("shop", "users").
		WillReturnRows(sqlmock.NewRows([]string{"COLUMN_NAME"}).AddRow("id"))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT `id`, `email` FROM `shop`.`users` WHERE (`email` IS NOT NULL AND NOT REGEXP_LIKE(")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "email"}).AddRow("7", "dave@example.com"))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE `shop`.`users` SET `email` = ? WHERE `id` = ?")).
		WithArgs(mustTokenize(t, "dave@example.com", token.DefaultNamespace), "7").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	res, err := a.Apply(context.Background(), Request{Dataset: ds, Columns: []string{"email"}, Limit: 10, Tenant: "shop"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.RowsUpdated)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWarehouseApply(t *testing.T) {
	ds := Dataset{
		URN:      "urn:li:dataset:(urn:li:dataPlatform:databricks,main.t001.customers,PROD)",
		Platform: "databricks",
		Database: "main",
		Schema:   "t001",
		Table:    "customers",
	}
	creds := []config.TenantCredential{{Tenant: "*", Password: "dapi-test"}}

	expectColumns := func(mock sqlmock.Sqlmock) {
		mock.ExpectQuery(regexp.QuoteMeta("SELECT column_name, data_type FROM `main`.information_schema.columns")).
			WithArgs("t001", "customers").
			WillReturnRows(sqlmock.NewRows([]string{"column_name", "data_type"}).
				AddRow("email", "STRING").
				AddRow("phone", "STRING"))
	}

	t.Run("PartialFailureKeepsCounts", func(t *testing.T) {
		open, mock := mockOpener(t, "databricks")
		w := NewWarehouse(creds, 1000, open, logger.NewNop())

		expectColumns(mock)
		mock.ExpectQuery(regexp.QuoteMeta("SELECT DISTINCT `email` FROM `main`.`t001`.`customers`")).
			WillReturnRows(sqlmock.NewRows([]string{"email"}).AddRow("a@x.io").AddRow("b@x.io").AddRow("c@x.io"))
		update := regexp.QuoteMeta("UPDATE `main`.`t001`.`customers` SET `email` = ? WHERE `email` = ?")
		mock.ExpectExec(update).WithArgs(mustTokenize(t, "a@x.io", "poc"), "a@x.io").WillReturnResult(sqlmock.NewResult(0, 2))
		mock.ExpectExec(update).WithArgs(mustTokenize(t, "b@x.io", "poc"), "b@x.io").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(update).WillReturnError(errors.New("warehouse stopped"))

		res, err := w.Apply(context.Background(), Request{Dataset: ds, Columns: []string{"email"}, Limit: 10, Tenant: "t001"})
		var txErr *TransactionError
		require.ErrorAs(t, err, &txErr)
		assert.Equal(t, int64(3), res.RowsUpdated)
		assert.Equal(t, int64(3), txErr.Partial.RowsUpdated)
		assert.Equal(t, map[string]int64{"email": 3}, txErr.Partial.ColumnsUpdated)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("StopsAtLimit", func(t *testing.T) {
		open, mock := mockOpener(t, "databricks")
		w := NewWarehouse(creds, 1000, open, logger.NewNop())

		expectColumns(mock)
		mock.ExpectQuery(regexp.QuoteMeta("SELECT DISTINCT `email`")).
			WillReturnRows(sqlmock.NewRows([]string{"email"}).AddRow("a@x.io").AddRow("b@x.io").AddRow("c@x.io"))
		mock.ExpectExec(regexp.QuoteMeta("UPDATE")).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(regexp.QuoteMeta("UPDATE")).WillReturnResult(sqlmock.NewResult(0, 1))

		res, err := w.Apply(context.Background(), Request{Dataset: ds, Columns: []string{"email", "phone"}, Limit: 2, Tenant: "t001"})
		require.NoError(t, err)
		assert.Equal(t, int64(2), res.RowsUpdated)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("DuplicateValuesMayPassLimit", func(t *testing.T) {
		open, mock := mockOpener(t, "databricks")
		w := NewWarehouse(creds, 1000, open, logger.NewNop())

		expectColumns(mock)
		mock.ExpectQuery(regexp.QuoteMeta("SELECT DISTINCT `email` FROM `main`.`t001`.`customers` WHERE `email` IS NOT NULL AND NOT `email` RLIKE")).
			WillReturnRows(sqlmock.NewRows([]string{"email"}).AddRow("a@x.io").AddRow("b@x.io"))
		mock.ExpectExec(regexp.QuoteMeta("UPDATE")).WillReturnResult(sqlmock.NewResult(0, 3))

		res, err := w.Apply(context.Background(), Request{Dataset: ds, Columns: []string{"email"}, Limit: 2, Tenant: "t001"})
		require.NoError(t, err)
		assert.Equal(t, int64(3), res.RowsUpdated)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("SelectExcludesUnencodable", func(t *testing.T) {
		open, mock := mockOpener(t, "databricks")
		w := NewWarehouse(creds, 1000, open, logger.NewNop())

		expectColumns(mock)
		mock.ExpectQuery(regexp.QuoteMeta("AND octet_length(`email`) <= 4096 AND instr(`email`, char(0)) = 0 LIMIT 5")).
			WillReturnRows(sqlmock.NewRows([]string{"email"}))

		res, err := w.Apply(context.Background(), Request{Dataset: ds, Columns: []string{"email"}, Limit: 5, Tenant: "t001"})
		require.NoError(t, err)
		assert.Zero(t, res.RowsUpdated)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	open, _ := mockOpener(t, "postgres")
	r.Register("postgres", NewTransactional(Postgres, nil, 10, open, logger.NewNop()))

	_, err := r.For("postgres")
	assert.NoError(t, err)
	_, err = r.For("oracle")
	assert.ErrorIs(t, err, ErrUnknownPlatform)
	assert.Equal(t, []string{"postgres"}, r.Platforms())
}
