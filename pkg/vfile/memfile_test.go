package vfile

import (
	"bytes"
	"io"
	"testing"
)

func TestMemReadWrite(t *testing.T) {
	m := NewMem()
	if _, err := m.WriteAt([]byte("hello"), 10); err != nil {
		t.Fatal(err)
	}
	size, _ := m.Size()
	if size != 15 {
		t.Fatalf("Size() = %d, want 15", size)
	}
	buf := make([]byte, 5)
	n, err := m.ReadAt(buf, 10)
	if err != nil || n != 5 || !bytes.Equal(buf, []byte("hello")) {
		t.Fatalf("ReadAt = %d,%v,%q", n, err, buf)
	}
}

func TestMemReadPastEOF(t *testing.T) {
	m := NewMem()
	m.WriteAt([]byte("abc"), 0)
	buf := make([]byte, 10)
	n, err := m.ReadAt(buf, 0)
	if err != io.EOF || n != 3 {
		t.Fatalf("n=%d err=%v, want 3,EOF", n, err)
	}
}

func TestMemTruncate(t *testing.T) {
	m := NewMem()
	m.WriteAt([]byte("abcdef"), 0)
	if err := m.Truncate(3); err != nil {
		t.Fatal(err)
	}
	size, _ := m.Size()
	if size != 3 {
		t.Fatalf("Size() = %d, want 3", size)
	}
	if err := m.Truncate(6); err != nil {
		t.Fatal(err)
	}
	size, _ = m.Size()
	if size != 6 {
		t.Fatalf("Size() = %d, want 6", size)
	}
}

func TestMemCloseRejectsIO(t *testing.T) {
	m := NewMem()
	m.Close()
	if _, err := m.WriteAt([]byte("x"), 0); err == nil {
		t.Fatal("expected error writing to closed Mem")
	}
}
