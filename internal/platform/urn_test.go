package platform

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseDatasetURN(t *testing.T) {
	t.Run("ThreePart", func(t *testing.T) {
		urn := "urn:li:dataset:(urn:li:dataPlatform:postgres,sandbox.t001.customers,PROD)"
		got, err := ParseDatasetURN(urn)
		if err != nil {
			t.Fatalf("ParseDatasetURN failed: %v", err)
		}
		want := Dataset{URN: urn, Platform: "postgres", Database: "sandbox", Schema: "t001", Table: "customers", Env: "PROD"}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("mismatch (-want +got):\n%s", diff)
		}
		if got.Tenant() != "t001" {
			t.Errorf("Expected tenant t001, got %s", got.Tenant())
		}
		if got.Slug() != "postgres-sandbox-t001-customers" {
			t.Errorf("Unexpected slug %s", got.Slug())
		}
	})

	t.Run("TwoPart", func(t *testing.T) {
		got, err := ParseDatasetURN("urn:li:dataset:(urn:li:dataPlatform:mysql,shop.users,DEV)")
		if err != nil {
			t.Fatalf("ParseDatasetURN failed: %v", err)
		}
		if got.Database != "shop" || got.Table != "users" || got.Tenant() != "shop" {
			t.Errorf("Unexpected dataset %+v", got)
		}
	})

	t.Run("Invalid", func(t *testing.T) {
		for _, urn := range []string{
			"",
			"sandbox.t001.customers",
			"urn:li:dataset:(urn:li:dataPlatform:postgres,sandbox.t001.customers)",
			"urn:li:dataset:(postgres,sandbox.t001.customers,PROD)",
			"urn:li:dataset:(urn:li:dataPlatform:postgres,customers,PROD)",
			"urn:li:dataset:(urn:li:dataPlatform:postgres,a..b,PROD)",
			"urn:li:dataset:(urn:li:dataPlatform:,a.b.c,PROD)",
		} {
			if _, err := ParseDatasetURN(urn); !errors.Is(err, ErrInvalidURN) {
				t.Errorf("ParseDatasetURN(%q): expected ErrInvalidURN, got %v", urn, err)
			}
		}
	})

	t.Run("RoundTrip", func(t *testing.T) {
		urn := MakeDatasetURN("databricks", "main.t002.orders", "prod")
		got, err := ParseDatasetURN(urn)
		if err != nil {
			t.Fatalf("ParseDatasetURN failed: %v", err)
		}
		if got.QualifiedName() != "main.t002.orders" || got.Env != "PROD" {
			t.Errorf("Unexpected dataset %+v", got)
		}
	})
}

func TestSchemaFieldURN(t *testing.T) {
	ds := MakeDatasetURN("postgres", "sandbox.t001.customers", "PROD")
	field := MakeSchemaFieldURN(ds, "[version=2.0].[type=string].email")

	gotDS, path, err := ParseSchemaFieldURN(field)
	if err != nil {
		t.Fatalf("ParseSchemaFieldURN failed: %v", err)
	}
	if gotDS != ds {
		t.Errorf("Expected dataset %s, got %s", ds, gotDS)
	}
	if FieldPathToColumn(path) != "email" {
		t.Errorf("Expected column email, got %s", FieldPathToColumn(path))
	}
	if FieldPathToColumn("phone") != "phone" {
		t.Error("Plain field path should map to itself")
	}

	if _, _, err := ParseSchemaFieldURN(ds); !errors.Is(err, ErrInvalidURN) {
		t.Errorf("expected ErrInvalidURN for a dataset urn, got %v", err)
	}
}

func TestDialect(t *testing.T) {
	ds := Dataset{Database: "main", Schema: "t001", Table: "customers"}

	cases := []struct {
		d         Dialect
		table     string
		predicate string
		encodable string
	}{
		{Postgres, `"t001"."customers"`, `"email" !~ '` + "^tok_[A-Za-z0-9+/]+_[a-z0-9]{1,32}$" + `'`,
			`octet_length("email") <= 4096`},
		{MySQL, "`t001`.`customers`", "NOT REGEXP_LIKE(`email`, '^tok_[A-Za-z0-9+/]+_[a-z0-9]{1,32}$', 'c')",
			"LENGTH(`email`) <= 4096 AND LOCATE(CHAR(0), `email`) = 0"},
		{Databricks, "`main`.`t001`.`customers`", "NOT `email` RLIKE '^tok_[A-Za-z0-9+/]+_[a-z0-9]{1,32}$'",
			"octet_length(`email`) <= 4096 AND instr(`email`, char(0)) = 0"},
	}
	for _, tc := range cases {
		t.Run(tc.d.Name, func(t *testing.T) {
			if got := tc.d.Table(ds); got != tc.table {
				t.Errorf("Table() = %s, want %s", got, tc.table)
			}
			if got := tc.d.NotToken("email"); got != tc.predicate {
				t.Errorf("NotToken() = %s, want %s", got, tc.predicate)
			}
			if got := tc.d.Encodable("email"); got != tc.encodable {
				t.Errorf("Encodable() = %s, want %s", got, tc.encodable)
			}
			want := "(`email` IS NOT NULL AND " + tc.predicate + " AND " + tc.encodable + ")"
			if tc.d.Name == "postgres" {
				want = `("email" IS NOT NULL AND ` + tc.predicate + " AND " + tc.encodable + ")"
			}
			if got := tc.d.Candidate([]string{"email"}); got != want {
				t.Errorf("Candidate() = %s, want %s", got, want)
			}
		})
	}

	if got := Postgres.Quote(`we"ird`); got != `"we""ird"` {
		t.Errorf("Quote did not escape: %s", got)
	}
}
