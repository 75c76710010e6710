package store

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/fieldtrack/fieldloc/pkg"
)

func TestSegmentCodecRoundTrip(t *testing.T) {
	base := time.Date(2026, 3, 12, 8, 0, 0, 0, time.UTC)

	full := makeSegment("seg-full", base, 10, 2, false)
	empty := makeSegment("seg-empty", base.Add(time.Hour), 0, 0, true)
	segments := []*pkg.OfflineTripSegment{full, empty}

	blob, err := encodeSegments(segments)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	decoded, err := decodeSegments(blob)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(decoded) != 2 {
		t.Fatalf("expected 2 segments, got %d", len(decoded))
	}

	got := decoded[0]
	if got.ID != "seg-full" || len(got.Points) != 10 || got.Synced {
		t.Fatalf("segment mangled in round trip: %+v", got)
	}
	if got.Points[2].Location == nil || got.Points[2].Location.Latitude != full.Points[2].Location.Latitude {
		t.Fatal("point locations lost in round trip")
	}
	if !got.StartTime.Equal(base) {
		t.Fatalf("start time drifted: %v", got.StartTime)
	}

	if decoded[1].ID != "seg-empty" || len(decoded[1].Points) != 0 || !decoded[1].Synced {
		t.Fatalf("empty segment mangled: %+v", decoded[1])
	}

	if full.Metadata.CompressionRatio <= 1.0 {
		t.Fatalf("encoding must record an achieved compression ratio, got %.2f",
			full.Metadata.CompressionRatio)
	}
}

func TestDecodeLegacyRawRecords(t *testing.T) {
	base := time.Date(2026, 3, 13, 8, 0, 0, 0, time.UTC)
	legacy := makeSegment("seg-legacy", base, 3, 1, false)

	// older builds wrote plain segment objects straight into the array
	blob, err := json.Marshal([]*pkg.OfflineTripSegment{legacy})
	if err != nil {
		t.Fatalf("marshal legacy blob: %v", err)
	}

	decoded, err := decodeSegments(blob)
	if err != nil {
		t.Fatalf("decode legacy: %v", err)
	}
	if len(decoded) != 1 || decoded[0].ID != "seg-legacy" || len(decoded[0].Points) != 3 {
		t.Fatalf("legacy record not readable: %+v", decoded)
	}
}

func TestDecodeMixedRecordShapes(t *testing.T) {
	base := time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC)

	compressedBlob, err := encodeSegments([]*pkg.OfflineTripSegment{
		makeSegment("seg-new", base, 2, 0, true),
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var records []json.RawMessage
	if err := json.Unmarshal(compressedBlob, &records); err != nil {
		t.Fatalf("unwrap: %v", err)
	}

	legacyRaw, err := json.Marshal(makeSegment("seg-old", base.Add(time.Hour), 2, 0, false))
	if err != nil {
		t.Fatalf("marshal legacy: %v", err)
	}
	records = append(records, legacyRaw)

	mixed, err := json.Marshal(records)
	if err != nil {
		t.Fatalf("rewrap: %v", err)
	}

	decoded, err := decodeSegments(mixed)
	if err != nil {
		t.Fatalf("decode mixed: %v", err)
	}
	if len(decoded) != 2 {
		t.Fatalf("expected both record shapes decoded, got %d", len(decoded))
	}
	if decoded[0].ID != "seg-new" || !decoded[0].Synced {
		t.Fatalf("compressed record mangled: %+v", decoded[0])
	}
	if decoded[1].ID != "seg-old" || decoded[1].Synced {
		t.Fatalf("legacy record mangled: %+v", decoded[1])
	}
}

func TestEnvelopeSyncedFlagWins(t *testing.T) {
	base := time.Date(2026, 3, 15, 8, 0, 0, 0, time.UTC)
	seg := makeSegment("seg-flag", base, 2, 0, false)

	blob, err := encodeSegments([]*pkg.OfflineTripSegment{seg})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	// MarkSynced after a crash may leave the envelope flag ahead of the
	// compressed payload; the envelope is authoritative
	var records []segmentRecord
	if err := json.Unmarshal(blob, &records); err != nil {
		t.Fatalf("unwrap: %v", err)
	}
	records[0].Synced = true
	patched, err := json.Marshal(records)
	if err != nil {
		t.Fatalf("rewrap: %v", err)
	}

	decoded, err := decodeSegments(patched)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !decoded[0].Synced {
		t.Fatal("envelope synced flag must override the payload")
	}
}

func TestSealUnseal(t *testing.T) {
	key := new([32]byte)
	for i := range key {
		key[i] = byte(i)
	}
	payload := []byte(`{"hello":"world","n":42}`)

	t.Run("round trip", func(t *testing.T) {
		sealed, err := seal(payload, key)
		if err != nil {
			t.Fatalf("seal: %v", err)
		}
		if bytes.Contains(sealed, []byte("hello")) {
			t.Fatal("sealed value leaks plaintext")
		}
		if got := unseal(sealed, key); !bytes.Equal(got, payload) {
			t.Fatalf("unseal mismatch: %q", got)
		}
	})

	t.Run("nil key is pass-through", func(t *testing.T) {
		sealed, err := seal(payload, nil)
		if err != nil {
			t.Fatalf("seal: %v", err)
		}
		if !bytes.Equal(sealed, payload) {
			t.Fatal("nil key must not transform the value")
		}
		if got := unseal(payload, nil); !bytes.Equal(got, payload) {
			t.Fatal("nil key unseal must pass through")
		}
	})

	t.Run("plaintext tolerated under a key", func(t *testing.T) {
		if got := unseal(payload, key); !bytes.Equal(got, payload) {
			t.Fatalf("unauthenticated value must pass through for migration, got %q", got)
		}
	})

	t.Run("distinct nonces", func(t *testing.T) {
		a, _ := seal(payload, key)
		b, _ := seal(payload, key)
		if bytes.Equal(a, b) {
			t.Fatal("two seals of the same payload must differ")
		}
	})
}
