package sdcard

import "testing"

func TestWriteReadRoundTrip(t *testing.T) {
	c, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.WriteFile("firmware.bin", []byte("hello")); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	data, err := c.ReadFile("firmware.bin")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "hello" {
		t.Fatalf("ReadFile = %q, want %q", data, "hello")
	}
}

func TestListReportsWrittenFiles(t *testing.T) {
	c, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_ = c.WriteFile("a.bin", []byte("1"))
	_ = c.WriteFile("b.bin", []byte("22"))
	entries, err := c.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("List returned %d entries, want 2", len(entries))
	}
}

func TestResolveRejectsPathEscape(t *testing.T) {
	c, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.WriteFile("sub/../../escape.bin", []byte("x")); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	entries, err := c.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 || entries[0].Name != "escape.bin" {
		t.Fatalf("expected escape attempt clamped to root, got %+v", entries)
	}
}
