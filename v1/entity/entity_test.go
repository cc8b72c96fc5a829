package entity

import "testing"

func TestSegmentRoundTrip(t *testing.T) {
	keys := []Key{
		New("deal", "42"),
		New("lead", "a:b:c"),
		New("custom object", "x/y?z*"),
	}
	for _, k := range keys {
		seg := k.Segment()
		got, ok := ParseSegment(seg)
		if !ok {
			t.Fatalf("ParseSegment(%q) failed", seg)
		}
		if got != k {
			t.Fatalf("round trip: got %+v want %+v", got, k)
		}
	}
}

func TestSegmentPrefixesDoNotOverlap(t *testing.T) {
	a := New("deal", "x").Segment() + ":"
	b := New("deal", "x:y").Segment()
	if len(b) >= len(a) && b[:len(a)] == a {
		t.Fatalf("segment %q must not be prefixed by %q", b, a)
	}
}

func TestValid(t *testing.T) {
	if New("", "1").Valid() || New("deal", "").Valid() {
		t.Fatal("expected invalid keys")
	}
	if !New("deal", "1").Valid() {
		t.Fatal("expected valid key")
	}
	if _, ok := ParseSegment("deal"); ok {
		t.Fatal("expected parse failure without separator")
	}
}
