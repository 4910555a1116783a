package cache

import (
	"bytes"
	"testing"
)

func openTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestPutGetDelete(t *testing.T) {
	c := openTestCache(t)

	if _, ok := c.Get(KindIndex, "i1"); ok {
		t.Error("empty cache returned a hit")
	}

	if err := c.Put(KindIndex, "i1", []byte("sealed index")); err != nil {
		t.Fatal(err)
	}
	got, ok := c.Get(KindIndex, "i1")
	if !ok || !bytes.Equal(got, []byte("sealed index")) {
		t.Errorf("Get = %q, %v", got, ok)
	}

	if err := c.Delete(KindIndex, "i1"); err != nil {
		t.Fatal(err)
	}
	if _, ok := c.Get(KindIndex, "i1"); ok {
		t.Error("deleted entry still present")
	}
}

func TestKindsAreSeparate(t *testing.T) {
	c := openTestCache(t)
	if err := c.Put(KindIndex, "same-name", []byte("index data")); err != nil {
		t.Fatal(err)
	}
	if err := c.Put(KindSnapshot, "same-name", []byte("snapshot data")); err != nil {
		t.Fatal(err)
	}

	got, _ := c.Get(KindIndex, "same-name")
	if string(got) != "index data" {
		t.Errorf("index entry = %q", got)
	}
	got, _ = c.Get(KindSnapshot, "same-name")
	if string(got) != "snapshot data" {
		t.Errorf("snapshot entry = %q", got)
	}
}

func TestReconcileDropsStale(t *testing.T) {
	c := openTestCache(t)
	for _, name := range []string{"a", "b", "c"} {
		if err := c.Put(KindIndex, name, []byte(name)); err != nil {
			t.Fatal(err)
		}
	}

	live := map[string]struct{}{"a": {}, "c": {}}
	if err := c.Reconcile(KindIndex, live); err != nil {
		t.Fatal(err)
	}

	if _, ok := c.Get(KindIndex, "a"); !ok {
		t.Error("live entry a dropped")
	}
	if _, ok := c.Get(KindIndex, "b"); ok {
		t.Error("stale entry b survived")
	}
	if _, ok := c.Get(KindIndex, "c"); !ok {
		t.Error("live entry c dropped")
	}
}

func TestPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Put(KindSnapshot, "s1", []byte("record")); err != nil {
		t.Fatal(err)
	}
	c.Close()

	c2, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer c2.Close()
	got, ok := c2.Get(KindSnapshot, "s1")
	if !ok || string(got) != "record" {
		t.Errorf("entry lost across reopen: %q, %v", got, ok)
	}
}
