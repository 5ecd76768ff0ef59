package mapping

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/klauspost/compress/zstd"
	"google.golang.org/protobuf/encoding/protowire"
)

// File layout: 8-byte magic, one format version byte, then a single zstd
// frame whose payload is a sequence of length-delimited mapping records
// (field 1) in protobuf wire format.
var fileMagic = []byte("HOHOMAP\x00")

const formatVersion = 1

const (
	fileFieldMapping protowire.Number = 1
	fileFieldSavedAt protowire.Number = 2
)

const (
	recOriginal    protowire.Number = 1
	recMapped      protowire.Number = 2
	recKind        protowire.Number = 3
	recContext     protowire.Number = 4
	recConfidence  protowire.Number = 5
	recLastUpdated protowire.Number = 6 // UnixNano; read only, superseded by 10/11
	recUsageCount  protowire.Number = 7
	recReference   protowire.Number = 8
	recHasRefs     protowire.Number = 9
	recUpdatedSec  protowire.Number = 10
	recUpdatedNsec protowire.Number = 11
)

// ErrCorrupt marks a store file that cannot be decoded.
var ErrCorrupt = errors.New("corrupt mapping store")

func corruptf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrCorrupt, fmt.Sprintf(format, args...))
}

func encodeFile(mappings []*SymbolMapping, savedAt time.Time) ([]byte, error) {
	var payload []byte
	for _, m := range mappings {
		payload = protowire.AppendTag(payload, fileFieldMapping, protowire.BytesType)
		payload = protowire.AppendBytes(payload, encodeRecord(m))
	}
	payload = protowire.AppendTag(payload, fileFieldSavedAt, protowire.Fixed64Type)
	payload = protowire.AppendFixed64(payload, uint64(savedAt.UnixNano()))

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	defer enc.Close()

	out := make([]byte, 0, len(fileMagic)+1+len(payload)/2)
	out = append(out, fileMagic...)
	out = append(out, formatVersion)
	return enc.EncodeAll(payload, out), nil
}

func encodeRecord(m *SymbolMapping) []byte {
	var b []byte
	b = protowire.AppendTag(b, recOriginal, protowire.BytesType)
	b = protowire.AppendString(b, m.Original)
	b = protowire.AppendTag(b, recMapped, protowire.BytesType)
	b = protowire.AppendString(b, m.Mapped)
	b = protowire.AppendTag(b, recKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Kind))
	b = protowire.AppendTag(b, recContext, protowire.BytesType)
	b = protowire.AppendString(b, m.Context)
	b = protowire.AppendTag(b, recConfidence, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, math.Float64bits(m.Confidence))
	b = protowire.AppendTag(b, recUpdatedSec, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, uint64(m.LastUpdated.Unix()))
	b = protowire.AppendTag(b, recUpdatedNsec, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.LastUpdated.Nanosecond()))
	b = protowire.AppendTag(b, recUsageCount, protowire.VarintType)
	b = protowire.AppendVarint(b, m.UsageCount)
	if m.References != nil {
		b = protowire.AppendTag(b, recHasRefs, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
		for _, ref := range m.References {
			b = protowire.AppendTag(b, recReference, protowire.BytesType)
			b = protowire.AppendString(b, ref)
		}
	}
	return b
}

func decodeFile(data []byte) ([]*SymbolMapping, error) {
	if len(data) < len(fileMagic)+1 || !bytes.Equal(data[:len(fileMagic)], fileMagic) {
		return nil, corruptf("bad magic")
	}
	if v := data[len(fileMagic)]; v != formatVersion {
		return nil, corruptf("unsupported format version %d", v)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	defer dec.Close()

	payload, err := dec.DecodeAll(data[len(fileMagic)+1:], nil)
	if err != nil {
		return nil, corruptf("decompress: %v", err)
	}

	var out []*SymbolMapping
	for len(payload) > 0 {
		num, typ, n := protowire.ConsumeTag(payload)
		if n < 0 {
			return nil, corruptf("file tag: %v", protowire.ParseError(n))
		}
		payload = payload[n:]

		if num == fileFieldMapping && typ == protowire.BytesType {
			rec, n := protowire.ConsumeBytes(payload)
			if n < 0 {
				return nil, corruptf("mapping record: %v", protowire.ParseError(n))
			}
			m, err := decodeRecord(rec)
			if err != nil {
				return nil, err
			}
			out = append(out, m)
			payload = payload[n:]
			continue
		}

		n = protowire.ConsumeFieldValue(num, typ, payload)
		if n < 0 {
			return nil, corruptf("field %d: %v", num, protowire.ParseError(n))
		}
		payload = payload[n:]
	}
	return out, nil
}

func decodeRecord(b []byte) (*SymbolMapping, error) {
	m := &SymbolMapping{}
	var (
		sec, nsec    int64
		haveSec      bool
		legacyUpdate int64
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, corruptf("record tag: %v", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case typ == protowire.BytesType && (num == recOriginal || num == recMapped || num == recContext || num == recReference):
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, corruptf("record field %d: %v", num, protowire.ParseError(n))
			}
			switch num {
			case recOriginal:
				m.Original = v
			case recMapped:
				m.Mapped = v
			case recContext:
				m.Context = v
			case recReference:
				m.References = append(m.References, v)
			}
			b = b[n:]
		case typ == protowire.VarintType && (num == recKind || num == recUsageCount || num == recHasRefs || num == recUpdatedNsec):
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, corruptf("record field %d: %v", num, protowire.ParseError(n))
			}
			switch num {
			case recKind:
				if v > math.MaxUint8 || !Kind(v).Valid() {
					return nil, corruptf("invalid kind %d", v)
				}
				m.Kind = Kind(v)
			case recUsageCount:
				m.UsageCount = v
			case recHasRefs:
				if protowire.DecodeBool(v) && m.References == nil {
					m.References = []string{}
				}
			case recUpdatedNsec:
				if v >= uint64(time.Second) {
					return nil, corruptf("invalid nanoseconds %d", v)
				}
				nsec = int64(v)
			}
			b = b[n:]
		case typ == protowire.Fixed64Type && (num == recConfidence || num == recLastUpdated || num == recUpdatedSec):
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return nil, corruptf("record field %d: %v", num, protowire.ParseError(n))
			}
			switch num {
			case recConfidence:
				m.Confidence = math.Float64frombits(v)
			case recLastUpdated:
				legacyUpdate = int64(v)
			case recUpdatedSec:
				sec, haveSec = int64(v), true
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, corruptf("record field %d: %v", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	if haveSec {
		m.LastUpdated = time.Unix(sec, nsec)
	} else {
		m.LastUpdated = time.Unix(0, legacyUpdate)
	}
	return m, nil
}
