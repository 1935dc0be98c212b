package core

// encoding.go normalizes record text before decoding.
//
// The portal scrapers write UTF-8, but records exported by hand on Windows
// arrive with a byte order mark or in Windows-1252. Both decode to the same
// fields after normalization, so a record fingerprints the same either way.

import (
	"bytes"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// NormalizeEncoding returns data as UTF-8 without a byte order mark.
// Input that is not valid UTF-8 is decoded as Windows-1252.
func NormalizeEncoding(data []byte) []byte {
	data = bytes.TrimPrefix(data, utf8BOM)
	if isASCII(data) || utf8.Valid(data) {
		return data
	}

	out, err := charmap.Windows1252.NewDecoder().Bytes(data)
	if err != nil {
		return bytes.ToValidUTF8(data, []byte("�"))
	}
	return out
}

func isASCII(data []byte) bool {
	for _, b := range data {
		if b >= utf8.RuneSelf {
			return false
		}
	}
	return true
}
