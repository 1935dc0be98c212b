package core

// record.go decodes scraper JSON output into Records.
//
// The scraper writes one UTF-8 JSON object per PQR. Objects are flat or
// near-flat: a nested object is flattened one level with "_" joins, scalar
// values are stringified, and arrays of scalars are joined with ", ". Unknown
// keys are kept in Fields but never cause rejection.

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ErrUnparsable is returned when record input is not a JSON object.
var ErrUnparsable = errors.New("unparsable")

// MaxRecordSize is the maximum accepted size of a record file (10MB).
var MaxRecordSize int64 = 10 * 1024 * 1024

// extractedAtFields are checked in order for the extraction timestamp.
var extractedAtFields = []string{"fecha_extraccion", "extracted_at", "timestamp"}

// companyFields are checked in order when classifying a record by content.
var companyFields = []string{"empresa", "company"}

// DecodeFields parses a JSON object into a flat field map.
func DecodeFields(data []byte) (map[string]string, error) {
	data = NormalizeEncoding(data)

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnparsable, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: not a JSON object", ErrUnparsable)
	}

	fields := make(map[string]string, len(raw))
	for k, v := range raw {
		flattenInto(fields, k, v, 0)
	}
	return fields, nil
}

func flattenInto(dst map[string]string, key string, v any, depth int) {
	switch val := v.(type) {
	case nil:
		dst[key] = ""
	case string:
		dst[key] = val
	case json.Number:
		dst[key] = val.String()
	case bool:
		dst[key] = strconv.FormatBool(val)
	case map[string]any:
		if depth > 0 {
			// Deeper nesting is kept verbatim rather than flattened further.
			b, _ := json.Marshal(val)
			dst[key] = string(b)
			return
		}
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			flattenInto(dst, key+"_"+k, val[k], depth+1)
		}
	case []any:
		parts := make([]string, 0, len(val))
		for _, item := range val {
			switch iv := item.(type) {
			case string:
				parts = append(parts, iv)
			case json.Number:
				parts = append(parts, iv.String())
			case bool:
				parts = append(parts, strconv.FormatBool(iv))
			case nil:
			default:
				b, _ := json.Marshal(iv)
				parts = append(parts, string(b))
			}
		}
		dst[key] = strings.Join(parts, ", ")
	default:
		dst[key] = fmt.Sprint(val)
	}
}

// DecodeRecord builds a Record from raw JSON. fallback is used as the extraction
// time when the record does not carry one.
func DecodeRecord(data []byte, company Company, sourceFile string, fallback time.Time) (Record, error) {
	fields, err := DecodeFields(data)
	if err != nil {
		return Record{}, err
	}

	rec := Record{
		Company:     company,
		Fields:      fields,
		SourceFile:  sourceFile,
		ExtractedAt: fallback,
	}
	for _, name := range extractedAtFields {
		if t, ok := ParseDate(rec.Get(name)); ok {
			rec.ExtractedAt = t
			break
		}
	}
	return rec, nil
}

// ReadRecordFile reads and decodes a record file.
// The file modification time is the fallback extraction time.
func ReadRecordFile(path string, company Company) (Record, []byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Record{}, nil, fmt.Errorf("stat record: %w", err)
	}
	if info.Size() > MaxRecordSize {
		return Record{}, nil, fmt.Errorf("record file too large: %d bytes exceeds %d", info.Size(), MaxRecordSize)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Record{}, nil, fmt.Errorf("read record: %w", err)
	}

	rec, err := DecodeRecord(data, company, path, info.ModTime())
	if err != nil {
		return Record{}, data, err
	}
	return rec, data, nil
}

// CompanyFromContent returns the company named inside a record, if any.
func CompanyFromContent(data []byte) Company {
	fields, err := DecodeFields(data)
	if err != nil {
		return CompanyUnknown
	}
	rec := Record{Fields: fields}
	for _, name := range companyFields {
		if c := ParseCompany(rec.Get(name)); c != CompanyUnknown {
			return c
		}
	}
	return CompanyUnknown
}
