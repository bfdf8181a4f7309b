package pgstore_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/linnemanlabs/go-core/log"
	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/coverwatch/internal/docrules"
	"github.com/linnemanlabs/coverwatch/internal/docrules/pgstore"
	"github.com/linnemanlabs/coverwatch/internal/postgres"
)

func openPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("COVERWATCH_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("COVERWATCH_TEST_DATABASE_URL not set, skipping integration test")
	}
	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, dsn, postgres.PoolOptions{})
	if err != nil {
		t.Fatalf("postgres.NewPool: %v", err)
	}
	t.Cleanup(pool.Close)
	if err := postgres.Migrate(ctx, pool); err != nil {
		t.Fatalf("postgres.Migrate: %v", err)
	}
	return pool
}

func TestFieldRulesSkipsInvalidRows(t *testing.T) {
	pool := openPool(t)
	ctx := context.Background()
	org := "org-" + ulid.Make().String()

	_, err := pool.Exec(ctx,
		`INSERT INTO field_rules (id, org_id, field_path, operator, expected, severity, requirement, active, position) VALUES
		 ($1, $2, 'coverages.0.limit', 'gte', '1000000', 'high', 'GL limit at least 1M', TRUE, 1),
		 ($3, $2, 'insured.name', 'roughly', '"Acme"', 'low', 'Named insured', TRUE, 2),
		 ($4, $2, 'insured.name', 'equals', '"Acme"', 'low', 'Named insured', FALSE, 3)`,
		org+"-a", org, org+"-b", org+"-c")
	if err != nil {
		t.Fatalf("seed field rules: %v", err)
	}

	s := pgstore.New(pool, log.Nop())
	rs, err := s.FieldRules(ctx, org)
	if err != nil {
		t.Fatalf("FieldRules: %v", err)
	}
	if len(rs) != 1 || rs[0].ID != org+"-a" {
		t.Fatalf("FieldRules = %+v, want only the valid active rule", rs)
	}
	if rs[0].Expected != float64(1000000) || rs[0].Operator != docrules.Gte {
		t.Errorf("rule = %+v", rs[0])
	}
}

func TestPutSummaryReplaces(t *testing.T) {
	pool := openPool(t)
	ctx := context.Background()
	org := "org-" + ulid.Make().String()
	s := pgstore.New(pool, log.Nop())

	now := time.Now().Truncate(time.Microsecond).UTC()
	first := &docrules.Summary{OrgID: org, VendorID: "v1", PolicyID: "p1", Status: docrules.StatusFail, Failing: 2, UpdatedAt: now}
	if err := s.PutSummary(ctx, first); err != nil {
		t.Fatalf("PutSummary: %v", err)
	}
	second := &docrules.Summary{OrgID: org, VendorID: "v1", PolicyID: "p2", Status: docrules.StatusPass, Passing: 3, UpdatedAt: now.Add(time.Minute)}
	if err := s.PutSummary(ctx, second); err != nil {
		t.Fatalf("PutSummary: %v", err)
	}

	got, ok, err := s.Summary(ctx, org, "v1")
	if err != nil || !ok {
		t.Fatalf("Summary = (%v, %v)", ok, err)
	}
	if got.PolicyID != "p2" || got.Status != docrules.StatusPass || got.Passing != 3 || got.Failing != 0 {
		t.Errorf("Summary = %+v, want the second write", got)
	}

	var n int
	if err := pool.QueryRow(ctx, `SELECT count(*) FROM compliance_summaries WHERE org_id = $1`, org).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Errorf("summary rows = %d, want 1", n)
	}

	if _, ok, err := s.Summary(ctx, org, "nobody"); ok || err != nil {
		t.Errorf("Summary(missing) = (%v, %v), want (false, nil)", ok, err)
	}
}
