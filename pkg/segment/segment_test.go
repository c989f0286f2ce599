package segment

import "testing"

func TestSegmentEndAndLess(t *testing.T) {
	a := Segment{Offset: 10, Length: 5}
	if a.End() != 15 {
		t.Fatalf("End() = %d, want 15", a.End())
	}
	b := Segment{Offset: 15, Length: 1}
	if !Less(a, b) {
		t.Fatalf("want a < b (touching segments)")
	}
	c := Segment{Offset: 14, Length: 1}
	if Less(a, c) {
		t.Fatalf("want !(a < c) (overlapping segments)")
	}
}

func TestForwardBackward(t *testing.T) {
	s := Segment{Offset: 10, Length: 10}
	s.ForwardOffsetTo(12)
	if s.Offset != 12 || s.Length != 8 {
		t.Fatalf("got %+v", s)
	}
	s.BackwardEndTo(15)
	if s.Offset != 12 || s.Length != 3 {
		t.Fatalf("got %+v", s)
	}
}

func TestForwardOffsetPanicsOutOfRange(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	s := Segment{Offset: 10, Length: 5}
	s.ForwardOffsetTo(4)
}

func TestBackwardEndPanicsOutOfRange(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	s := Segment{Offset: 10, Length: 5}
	s.BackwardEndTo(10)
}

func TestSegmentEncodeDecode(t *testing.T) {
	s := Segment{Offset: 123456, Length: 1000}
	got := DecodeSegment(s.Encode())
	if got != s {
		t.Fatalf("round trip = %+v, want %+v", got, s)
	}
}

func TestMappingEncodeDecode(t *testing.T) {
	cases := []Mapping{
		{Segment: Segment{Offset: 0, Length: 8}, MappedOffset: 4096, Zeroed: false, Tag: 3},
		{Segment: Segment{Offset: 100, Length: 1}, MappedOffset: 0, Zeroed: true, Tag: 255},
		Invalid(),
	}
	for _, m := range cases {
		got := DecodeMapping(m.Encode())
		if got != m {
			t.Fatalf("round trip = %+v, want %+v", got, m)
		}
	}
}

func TestMappingMappedEnd(t *testing.T) {
	m := Mapping{Segment: Segment{Offset: 0, Length: 4}, MappedOffset: 10}
	if m.MappedEnd() != 14 {
		t.Fatalf("MappedEnd() = %d, want 14", m.MappedEnd())
	}
	m.Zeroed = true
	if m.MappedEnd() != 10 {
		t.Fatalf("zeroed MappedEnd() = %d, want 10", m.MappedEnd())
	}
}

func TestMappingForwardShiftsMappedOffset(t *testing.T) {
	m := Mapping{Segment: Segment{Offset: 0, Length: 10}, MappedOffset: 100}
	m.ForwardOffsetTo(4)
	if m.MappedOffset != 104 {
		t.Fatalf("MappedOffset = %d, want 104", m.MappedOffset)
	}
	z := Mapping{Segment: Segment{Offset: 0, Length: 10}, MappedOffset: 100, Zeroed: true}
	z.ForwardOffsetTo(4)
	if z.MappedOffset != 100 {
		t.Fatalf("zeroed MappedOffset should be untouched, got %d", z.MappedOffset)
	}
}

func TestMappingTrimTo(t *testing.T) {
	m := Mapping{Segment: Segment{Offset: 0, Length: 20}, MappedOffset: 1000, Tag: 7}
	m.TrimTo(Segment{Offset: 5, Length: 10})
	if m.Offset != 5 || m.Length != 10 || m.MappedOffset != 1005 || m.Tag != 7 {
		t.Fatalf("got %+v", m)
	}
}

func TestIsInvalid(t *testing.T) {
	if !Invalid().IsInvalid() {
		t.Fatal("Invalid() should report IsInvalid()")
	}
	m := Mapping{Segment: Segment{Offset: 0, Length: 1}}
	if m.IsInvalid() {
		t.Fatal("valid mapping reported as invalid")
	}
}
