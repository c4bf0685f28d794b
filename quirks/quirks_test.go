package quirks

import "testing"

func TestParseBareNameSetsValueOne(t *testing.T) {
	r := New()
	if err := Parse(r, "enlarge_image"); err != nil {
		t.Fatal(err)
	}
	if r.Value(EnlargeImage) != 1 {
		t.Fatalf("got %d", r.Value(EnlargeImage))
	}
}

func TestParseNameEqualsInt(t *testing.T) {
	r := New()
	if err := Parse(r, "min_platform_version=3"); err != nil {
		t.Fatal(err)
	}
	if r.Value(MinPlatformVersion) != 3 {
		t.Fatalf("got %d", r.Value(MinPlatformVersion))
	}
}

func TestParseUnknownNameErrors(t *testing.T) {
	r := New()
	err := Parse(r, "not_a_real_quirk")
	if err == nil {
		t.Fatal("expected error")
	}
	if _, ok := err.(*ErrUnknownQuirk); !ok {
		t.Fatalf("expected *ErrUnknownQuirk, got %T", err)
	}
}

func TestParseLaterValueWins(t *testing.T) {
	r := New()
	if err := Parse(r, "min_platform_version=3"); err != nil {
		t.Fatal(err)
	}
	if err := Parse(r, "min_platform_version=5"); err != nil {
		t.Fatal(err)
	}
	if r.Value(MinPlatformVersion) != 5 {
		t.Fatalf("got %d", r.Value(MinPlatformVersion))
	}
}

func TestTryApplyNoopWhenZero(t *testing.T) {
	r := New()
	a := &Actions{Target: new([]byte)}
	if err := r.TryApply(EnlargeImage, a); err != nil {
		t.Fatal(err)
	}
}

func TestMinPlatformVersionFailureMessage(t *testing.T) {
	r := New()
	if err := r.Set(MinPlatformVersion, 3); err != nil {
		t.Fatal(err)
	}
	a := &Actions{PlatformVersion: 2}
	err := r.TryApply(MinPlatformVersion, a)
	if err == nil {
		t.Fatal("expected error")
	}
	want := "Need platform version >= 3 (current is 2)"
	if err.Error() != want {
		t.Fatalf("got %q, want %q", err.Error(), want)
	}
}

func TestEnlargeImagePadsWithFinalByte(t *testing.T) {
	r := New()
	r.Set(EnlargeImage, 1)
	target := append([]byte{1, 2, 3}, 0xAB)
	a := &Actions{Target: &target, ProgrammerSize: 8}
	if err := r.TryApply(EnlargeImage, a); err != nil {
		t.Fatal(err)
	}
	if len(target) != 8 {
		t.Fatalf("got length %d", len(target))
	}
	for i := 4; i < 8; i++ {
		if target[i] != 0xAB {
			t.Fatalf("byte %d: got %#x, want 0xAB", i, target[i])
		}
	}
}
