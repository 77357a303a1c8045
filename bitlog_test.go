package bitlog_test

import (
	"testing"

	"github.com/nyasuto/bitlog"
)

func TestOpenPutGetDeleteClose(t *testing.T) {
	dir := t.TempDir()

	db, err := bitlog.Open(dir, bitlog.WithoutMerge())
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}

	if err := db.Put([]byte("name"), []byte("bitlog")); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	got, err := db.Get([]byte("name"))
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if string(got) != "bitlog" {
		t.Fatalf("got %q", got)
	}

	if err := db.Delete([]byte("name")); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := db.Get([]byte("name")); err != bitlog.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := db.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
}

func TestOpenRejectsSecondHandle(t *testing.T) {
	dir := t.TempDir()

	db, err := bitlog.Open(dir)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer db.Close()

	if _, err := bitlog.Open(dir); err == nil {
		t.Fatal("expected second Open against the same directory to fail")
	}
}
