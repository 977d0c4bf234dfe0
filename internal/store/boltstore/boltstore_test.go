package boltstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	bolt "go.etcd.io/bbolt"

	"lockstep/internal/store"
	"lockstep/internal/store/storetest"
)

func openTemp(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "snapshots.db")
	s, err := Open(path, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return s, path
}

func TestStoreConformance(t *testing.T) {
	s, _ := openTemp(t)
	defer s.Close()
	storetest.Run(t, s)
}

func TestContentsAreCompressedAtRest(t *testing.T) {
	s, _ := openTemp(t)
	defer s.Close()
	text := storetest.Export("compressible", 16384)
	if _, err := s.Save(context.Background(), text); err != nil {
		t.Fatalf("save: %v", err)
	}
	var stored int
	s.db.View(func(tx *bolt.Tx) error {
		stored = len(tx.Bucket(contentsBucket).Get([]byte("compressible")))
		return nil
	})
	if stored == 0 || stored >= len(text)/2 {
		t.Fatalf("expected compressed value well under %d bytes, got %d", len(text), stored)
	}
}

func TestLoadDetectsTampering(t *testing.T) {
	s, _ := openTemp(t)
	defer s.Close()
	if _, err := s.Save(context.Background(), storetest.Export("victim", 256)); err != nil {
		t.Fatalf("save: %v", err)
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(contentsBucket)
		value := append([]byte(nil), b.Get([]byte("victim"))...)
		value[0] ^= 0xFF
		return b.Put([]byte("victim"), value)
	})
	if err != nil {
		t.Fatalf("tamper: %v", err)
	}
	if _, err := s.Load(context.Background(), "victim"); !errors.Is(err, store.ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}
}

func TestRecordsSurviveReopen(t *testing.T) {
	s, path := openTemp(t)
	text := storetest.Export("durable", 100)
	if _, err := s.Save(context.Background(), text); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	reopened, err := Open(path, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	got, err := reopened.Load(context.Background(), "durable")
	if err != nil || got != text {
		t.Fatalf("expected record after reopen, got err=%v", err)
	}
}
