package record

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// DomainRow separates row digests from any other hash the module computes.
const DomainRow = "trackmerge/row/v1"

// MarshalPayload encodes the record fields as canonical JSON.
//
// encoding/json already emits map keys in sorted order; HTML escaping is
// disabled so the stored payload is byte-identical to the input text.
func MarshalPayload(fields map[string]string) ([]byte, error) {
	if fields == nil {
		fields = map[string]string{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(fields); err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
}

// UnmarshalPayload decodes a payload produced by MarshalPayload.
func UnmarshalPayload(data []byte) (map[string]string, error) {
	fields := map[string]string{}
	if len(data) == 0 {
		return fields, nil
	}
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	return fields, nil
}

// Digest returns a content hash of key and payload.
// Format: SHA256(domain + 0x00 + key + 0x00 + payload)
func Digest(r Record) (string, error) {
	payload, err := MarshalPayload(r.Fields)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write([]byte(DomainRow))
	h.Write([]byte{0x00})
	h.Write([]byte(r.TrackingNum))
	h.Write([]byte{0x00})
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil)), nil
}
