package tools

import (
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
)

func TestGrantStore_GrantAndContains(t *testing.T) {
	s, err := NewGrantStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewGrantStore: %v", err)
	}

	if s.Contains("send_mail") {
		t.Error("expected empty store")
	}
	if err := s.Grant("send_mail"); err != nil {
		t.Fatalf("Grant: %v", err)
	}
	if !s.Contains("send_mail") {
		t.Error("expected grant to be recorded")
	}
}

func TestGrantStore_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	s, err := NewGrantStore(dir)
	if err != nil {
		t.Fatalf("NewGrantStore: %v", err)
	}
	for _, name := range []string{"zeta", "alpha", "mid"} {
		if err := s.Grant(name); err != nil {
			t.Fatalf("Grant: %v", err)
		}
	}

	s2, err := NewGrantStore(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if got := s2.List(); !reflect.DeepEqual(got, []string{"alpha", "mid", "zeta"}) {
		t.Errorf("expected sorted persisted grants, got %v", got)
	}
}

func TestGrantStore_Revoke(t *testing.T) {
	s, err := NewGrantStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewGrantStore: %v", err)
	}

	if err := s.Grant("calendar_write"); err != nil {
		t.Fatalf("Grant: %v", err)
	}
	if err := s.Revoke("calendar_write"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if s.Contains("calendar_write") {
		t.Error("expected revoked grant to be gone")
	}
}

func TestGrantStore_OnDiskSortedArray(t *testing.T) {
	dir := t.TempDir()
	s, err := NewGrantStore(dir)
	if err != nil {
		t.Fatalf("NewGrantStore: %v", err)
	}
	for _, name := range []string{"c", "a", "b"} {
		if err := s.Grant(name); err != nil {
			t.Fatalf("Grant: %v", err)
		}
	}

	data, err := os.ReadFile(filepath.Join(dir, grantsFilename))
	if err != nil {
		t.Fatalf("read grants file: %v", err)
	}
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		t.Fatalf("parse grants file: %v", err)
	}
	if !reflect.DeepEqual(names, []string{"a", "b", "c"}) {
		t.Errorf("expected sorted array on disk, got %v", names)
	}
}

func TestGrantStore_ConcurrentGrants(t *testing.T) {
	s, err := NewGrantStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewGrantStore: %v", err)
	}

	var wg sync.WaitGroup
	names := []string{"a", "b", "c", "d", "e"}
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, name := range names {
				if err := s.Grant(name); err != nil {
					t.Errorf("Grant: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	if got := s.List(); !reflect.DeepEqual(got, names) {
		t.Errorf("expected %v, got %v", names, got)
	}
}
