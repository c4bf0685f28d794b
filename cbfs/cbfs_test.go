package cbfs

import (
	"bytes"
	"testing"
)

func TestPutDumpParseRoundTrip(t *testing.T) {
	dir := newDirectory(4096)
	dir.Put("qc_smm_store", 0x50, bytes.Repeat([]byte{0xAB}, 128))

	region, err := dir.Dump(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(region) != 4096 {
		t.Fatalf("expected region length 4096, got %d", len(region))
	}

	parsed, err := Parse(region)
	if err != nil {
		t.Fatal(err)
	}
	entry, ok := parsed.Find("qc_smm_store")
	if !ok {
		t.Fatal("expected to find qc_smm_store entry after round trip")
	}
	if !bytes.Equal(entry.Data, bytes.Repeat([]byte{0xAB}, 128)) {
		t.Fatalf("entry data mismatch after round trip")
	}
}

func TestParseEmptyRegionHasNoEntries(t *testing.T) {
	region := bytes.Repeat([]byte{0xff}, 512)
	dir, err := Parse(region)
	if err != nil {
		t.Fatal(err)
	}
	if len(dir.Keys) != 0 {
		t.Fatalf("expected no entries in all-0xFF region, got %v", dir.Keys)
	}
}

func TestReplaceEntryKeepsSingleCopy(t *testing.T) {
	dir := newDirectory(4096)
	dir.Put("qc_smm_store", 0x50, []byte("v1"))
	dir.Put("qc_smm_store", 0x50, []byte("v2-longer"))

	if len(dir.Keys) != 1 {
		t.Fatalf("expected one key after replace, got %v", dir.Keys)
	}
	region, err := dir.Dump(0)
	if err != nil {
		t.Fatal(err)
	}
	parsed, err := Parse(region)
	if err != nil {
		t.Fatal(err)
	}
	entry, _ := parsed.Find("qc_smm_store")
	if string(entry.Data) != "v2-longer" {
		t.Fatalf("expected replaced data, got %q", entry.Data)
	}
}
