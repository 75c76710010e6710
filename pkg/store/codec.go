package store

import (
	"bytes"
	"compress/gzip"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"

	"github.com/fieldtrack/fieldloc/pkg"
)

// segmentRecord is the on-disk shape of one trip segment. Current writers
// always produce compressed records; the raw segment JSON older builds wrote
// is still accepted on read.
type segmentRecord struct {
	ID         string `json:"id"`
	Synced     bool   `json:"synced"`
	Compressed bool   `json:"compressed,omitempty"`
	Data       []byte `json:"data,omitempty"`
}

// encodeSegments serializes segments as an array of compressed records and
// reports the achieved compression ratio per segment on the in-memory copy.
func encodeSegments(segments []*pkg.OfflineTripSegment) ([]byte, error) {
	records := make([]segmentRecord, 0, len(segments))

	for _, seg := range segments {
		raw, err := json.Marshal(seg)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal segment %s: %w", seg.ID, err)
		}

		compressed, err := gzipBytes(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to compress segment %s: %w", seg.ID, err)
		}
		if len(compressed) > 0 {
			seg.Metadata.CompressionRatio = float64(len(raw)) / float64(len(compressed))
		}

		records = append(records, segmentRecord{
			ID:         seg.ID,
			Synced:     seg.Synced,
			Compressed: true,
			Data:       compressed,
		})
	}

	return json.Marshal(records)
}

// decodeSegments accepts both record shapes: compressed envelopes and legacy
// plain segment objects.
func decodeSegments(blob []byte) ([]*pkg.OfflineTripSegment, error) {
	if len(blob) == 0 {
		return nil, nil
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(blob, &raw); err != nil {
		return nil, fmt.Errorf("segment blob is not a record array: %w", err)
	}

	segments := make([]*pkg.OfflineTripSegment, 0, len(raw))
	for i, msg := range raw {
		var rec segmentRecord
		if err := json.Unmarshal(msg, &rec); err == nil && rec.Compressed && len(rec.Data) > 0 {
			payload, err := gunzipBytes(rec.Data)
			if err != nil {
				return nil, fmt.Errorf("failed to decompress segment %s: %w", rec.ID, err)
			}

			seg := &pkg.OfflineTripSegment{}
			if err := json.Unmarshal(payload, seg); err != nil {
				return nil, fmt.Errorf("failed to unmarshal segment %s: %w", rec.ID, err)
			}
			// the envelope flag wins over whatever was captured inside
			seg.Synced = rec.Synced
			segments = append(segments, seg)
			continue
		}

		// legacy raw record
		seg := &pkg.OfflineTripSegment{}
		if err := json.Unmarshal(msg, seg); err != nil {
			return nil, fmt.Errorf("record %d is neither envelope nor segment: %w", i, err)
		}
		segments = append(segments, seg)
	}

	return segments, nil
}

func encodeUpdates(updates []pkg.OfflineLocationUpdate) ([]byte, error) {
	return json.Marshal(updates)
}

func decodeUpdates(blob []byte) ([]pkg.OfflineLocationUpdate, error) {
	if len(blob) == 0 {
		return nil, nil
	}

	var updates []pkg.OfflineLocationUpdate
	if err := json.Unmarshal(blob, &updates); err != nil {
		return nil, fmt.Errorf("failed to unmarshal pending updates: %w", err)
	}
	return updates, nil
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gunzipBytes(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

const nonceSize = 24

// seal encrypts a stored value with a random nonce prefix. A nil key is a
// pass-through.
func seal(value []byte, key *[32]byte) ([]byte, error) {
	if key == nil {
		return value, nil
	}

	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return secretbox.Seal(nonce[:], value, &nonce, key), nil
}

// unseal reverses seal. Values that do not authenticate are returned as-is
// so stores written before encryption was enabled stay readable.
func unseal(value []byte, key *[32]byte) []byte {
	if key == nil || len(value) < nonceSize {
		return value
	}

	var nonce [nonceSize]byte
	copy(nonce[:], value[:nonceSize])

	plain, ok := secretbox.Open(nil, value[nonceSize:], &nonce, key)
	if !ok {
		return value
	}
	return plain
}
