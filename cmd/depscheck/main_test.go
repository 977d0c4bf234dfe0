package main

import (
	"strings"
	"testing"
)

func TestViolationsFlagsSubstrateImports(t *testing.T) {
	listing := `{"ImportPath":"lockstep/internal/sched","Imports":["lockstep/internal/channel","lockstep/internal/net/ws","time"]}
{"ImportPath":"lockstep/internal/channel","Imports":["github.com/cenkalti/backoff","go.etcd.io/bbolt"]}
{"ImportPath":"lockstep/internal/codec","Imports":["encoding/binary"]}`
	pkgs, err := decodePackages(strings.NewReader(listing))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(pkgs) != 3 {
		t.Fatalf("expected 3 packages, got %d", len(pkgs))
	}
	got := violations(pkgs)
	want := []string{
		"lockstep/internal/channel -> go.etcd.io/bbolt",
		"lockstep/internal/sched -> lockstep/internal/net/ws",
	}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestDecodePackagesRejectsGarbage(t *testing.T) {
	if _, err := decodePackages(strings.NewReader("{not json")); err == nil {
		t.Fatal("expected decode error")
	}
}
