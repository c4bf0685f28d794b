package sysprops

import "testing"

func TestGetCachesAndInvokesGetterOnce(t *testing.T) {
	calls := 0
	getters := [numProperties]Getter{}
	getters[TpmFwver] = func() (int, error) {
		calls++
		return 0x10004, nil
	}
	o := New(getters)

	for i := 0; i < 3; i++ {
		v, err := o.Get(TpmFwver)
		if err != nil {
			t.Fatal(err)
		}
		if v != 0x10004 {
			t.Fatalf("got %d", v)
		}
	}
	if calls != 1 {
		t.Fatalf("expected getter invoked once, got %d", calls)
	}
}

func TestOverrideBypassesGetter(t *testing.T) {
	getters := [numProperties]Getter{}
	getters[WpHW] = func() (int, error) {
		t.Fatal("getter should not be invoked after override")
		return 0, nil
	}
	o := New(getters)
	o.Override(WpHW, 1)
	v, err := o.Get(WpHW)
	if err != nil {
		t.Fatal(err)
	}
	if v != 1 {
		t.Fatalf("got %d", v)
	}
}

func TestParseOverridesSkipsEmptyFields(t *testing.T) {
	o := New([numProperties]Getter{})
	if err := ParseOverrides(o, "0,0x10001,1"); err != nil {
		t.Fatal(err)
	}
	v, _ := o.Get(TpmFwver)
	if v != 0x10001 {
		t.Fatalf("TpmFwver: got %#x", v)
	}

	o2 := New([numProperties]Getter{})
	if err := ParseOverrides(o2, "1,,1,-1"); err != nil {
		t.Fatal(err)
	}
	v, _ = o2.Get(MainfwAct)
	if v != 1 {
		t.Fatalf("MainfwAct: got %d", v)
	}
	v, _ = o2.Get(FwVboot2)
	if v != 1 {
		t.Fatalf("FwVboot2: got %d", v)
	}
	v, _ = o2.Get(PlatformVer)
	if v != -1 {
		t.Fatalf("PlatformVer: got %d", v)
	}
}

func TestParseOverridesTooManyFields(t *testing.T) {
	o := New([numProperties]Getter{})
	if err := ParseOverrides(o, "0,0,0,0,0,0,0"); err != ErrTooManyFields {
		t.Fatalf("expected ErrTooManyFields, got %v", err)
	}
}

func TestParseWriteProtect(t *testing.T) {
	enabled, err := ParseWriteProtect("WP status: write protect is enabled.")
	if err != nil || !enabled {
		t.Fatalf("expected enabled, got %v %v", enabled, err)
	}
	disabled, err := ParseWriteProtect("WP status: write protect is disabled.")
	if err != nil || disabled {
		t.Fatalf("expected disabled, got %v %v", disabled, err)
	}
	if _, err := ParseWriteProtect("garbage"); err == nil {
		t.Fatal("expected error on unrecognized line")
	}
}

func TestParsePlatformVersion(t *testing.T) {
	if v := ParsePlatformVersion("rev3"); v != 3 {
		t.Fatalf("got %d", v)
	}
	if v := ParsePlatformVersion("garbage"); v != -1 {
		t.Fatalf("got %d", v)
	}
}
