package rftfs

import (
	"os"
	"path/filepath"
	"testing"
)

func TestOpenWritePreallocatesAndWritesAtOffset(t *testing.T) {
	root := t.TempDir()
	fsys, err := New(root)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	f, err := fsys.OpenWrite("sub/dir/file.bin", 10)
	if err != nil {
		t.Fatalf("OpenWrite: %v", err)
	}
	if _, err := f.WriteAt([]byte("world"), 5); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if _, err := f.WriteAt([]byte("hello"), 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(root, "sub/dir/file.bin"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "helloworld" {
		t.Fatalf("expected %q, got %q", "helloworld", got)
	}
}

func TestResolveConfinesDotDotToRoot(t *testing.T) {
	root := t.TempDir()
	fsys, err := New(root)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	real, err := fsys.resolve("../../etc/passwd")
	if err != nil {
		t.Fatalf("resolve should confine rather than error here: %v", err)
	}
	rel, err := filepath.Rel(root, real)
	if err != nil || rel == ".." || filepathHasDotDotPrefix(rel) {
		t.Fatalf("resolved path %q escaped root %q", real, root)
	}
}

func filepathHasDotDotPrefix(rel string) bool {
	return len(rel) >= 2 && rel[0] == '.' && rel[1] == '.'
}

func TestListSortsEntries(t *testing.T) {
	root := t.TempDir()
	fsys, _ := New(root)
	for _, name := range []string{"b.txt", "a.txt"} {
		if _, err := os.Create(filepath.Join(root, name)); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}
	entries, err := fsys.List("/")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 2 || entries[0].Name != "a.txt" || entries[1].Name != "b.txt" {
		t.Fatalf("unexpected entries: %+v", entries)
	}
}

func TestStatReportsSize(t *testing.T) {
	root := t.TempDir()
	fsys, _ := New(root)
	if err := os.WriteFile(filepath.Join(root, "f.txt"), []byte("12345"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	entry, err := fsys.Stat("/f.txt")
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if entry.Size != 5 || entry.IsDir {
		t.Fatalf("unexpected entry: %+v", entry)
	}
}
