package frame

import (
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/containerd/overlaybd/pkg/lsmterr"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	h := New(Header, DataFile, true)
	h.IndexOffset = 4096
	h.IndexSize = 10
	h.VirtualSize = 1 << 30
	h.UUID = uuid.New()
	h.ParentUUID = uuid.New()
	if err := h.SetUserTag([]byte("hello")); err != nil {
		t.Fatal(err)
	}

	buf := h.Encode()
	if len(buf) != Space {
		t.Fatalf("len(buf) = %d, want %d", len(buf), Space)
	}

	got, err := Decode(buf)
	if err != nil {
		t.Fatal(err)
	}
	if got.IndexOffset != h.IndexOffset || got.IndexSize != h.IndexSize || got.VirtualSize != h.VirtualSize {
		t.Fatalf("got = %+v, want %+v", got, h)
	}
	if got.UUID != h.UUID || got.ParentUUID != h.ParentUUID {
		t.Fatal("uuid round-trip mismatch")
	}
	if got.UserTagString() != "hello" {
		t.Fatalf("UserTagString() = %q, want hello", got.UserTagString())
	}
	if !got.IsHeader() || !got.IsDataFile() || !got.IsSealed() {
		t.Fatal("flags did not round-trip")
	}
	if got.Version != 1 || got.SubVersion != 1 || got.From != 0 || got.To != 0 {
		t.Fatalf("got version fields = %+v, want version=1 sub_version=1 from=to=0", got)
	}
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	buf := make([]byte, Space)
	_, err := Decode(buf)
	if !errors.Is(err, lsmterr.ErrInvalidFormat) {
		t.Fatalf("err = %v, want ErrInvalidFormat", err)
	}
}

func TestDecodeRejectsShortBuffer(t *testing.T) {
	_, err := Decode(make([]byte, 10))
	if !errors.Is(err, lsmterr.ErrInvalidFormat) {
		t.Fatalf("err = %v, want ErrInvalidFormat", err)
	}
}

func TestSetUserTagTooLong(t *testing.T) {
	h := New(Trailer, IndexFile, false)
	err := h.SetUserTag(make([]byte, TagSize+1))
	if !errors.Is(err, lsmterr.ErrTagTooLong) {
		t.Fatalf("err = %v, want ErrTagTooLong", err)
	}
}

func TestVerify(t *testing.T) {
	h := New(Header, DataFile, false)
	if err := Verify(h, Header, DataFile, false); err != nil {
		t.Fatal(err)
	}
	if err := Verify(h, Trailer, DataFile, false); !errors.Is(err, lsmterr.ErrInvalidFormat) {
		t.Fatalf("err = %v, want ErrInvalidFormat", err)
	}
	if err := Verify(h, Header, IndexFile, false); !errors.Is(err, lsmterr.ErrInvalidFormat) {
		t.Fatalf("err = %v, want ErrInvalidFormat", err)
	}
	if err := Verify(h, Header, DataFile, true); !errors.Is(err, lsmterr.ErrInvalidFormat) {
		t.Fatalf("err = %v, want ErrInvalidFormat", err)
	}
}

func TestNilParentUUIDRoundTrips(t *testing.T) {
	h := New(Header, IndexFile, false)
	h.UUID = uuid.New()
	buf := h.Encode()
	got, err := Decode(buf)
	if err != nil {
		t.Fatal(err)
	}
	if got.ParentUUID != uuid.Nil {
		t.Fatalf("ParentUUID = %v, want nil", got.ParentUUID)
	}
}
