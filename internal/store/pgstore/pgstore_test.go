package pgstore

import (
	"context"
	"os"
	"testing"

	"lockstep/internal/store/storetest"
)

func TestStoreConformance(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set")
	}
	ctx := context.Background()
	s, err := Open(ctx, dsn, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()
	if _, err := s.pool.Exec(ctx, `TRUNCATE lockstep_snapshots`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	storetest.Run(t, s)
}
