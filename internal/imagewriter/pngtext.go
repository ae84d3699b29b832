package imagewriter

import (
	"bytes"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"strings"
	"unicode/utf8"
)

var pngSignature = []byte("\x89PNG\r\n\x1a\n")

// TextEntry is one keyword/value pair stored in a PNG text chunk.
type TextEntry struct {
	Keyword string
	Text    string
}

// embedText inserts one text chunk per entry directly after IHDR. Values that
// fit in Latin-1 go into tEXt, anything else into an uncompressed iTXt.
func embedText(png []byte, entries []TextEntry) ([]byte, error) {
	if !bytes.HasPrefix(png, pngSignature) {
		return nil, errors.New("not a png stream")
	}
	ihdrEnd := len(pngSignature) + 8
	if len(png) < ihdrEnd {
		return nil, errors.New("truncated png stream")
	}
	ihdrLen := int(binary.BigEndian.Uint32(png[len(pngSignature):]))
	if string(png[len(pngSignature)+4:ihdrEnd]) != "IHDR" {
		return nil, errors.New("png stream does not start with IHDR")
	}
	ihdrEnd += ihdrLen + 4
	if len(png) < ihdrEnd {
		return nil, errors.New("truncated IHDR chunk")
	}

	var out bytes.Buffer
	out.Grow(len(png) + 256)
	out.Write(png[:ihdrEnd])
	for _, e := range entries {
		if e.Keyword == "" || len(e.Keyword) > 79 {
			return nil, errors.New("png text keyword must be 1-79 bytes")
		}
		if latin1, ok := toLatin1(e.Text); ok {
			writeChunk(&out, "tEXt", append(append([]byte(e.Keyword), 0), latin1...))
			continue
		}
		// keyword, null, compression flag, compression method, empty language
		// tag, null, empty translated keyword, null, UTF-8 text
		data := append([]byte(e.Keyword), 0, 0, 0, 0, 0)
		writeChunk(&out, "iTXt", append(data, e.Text...))
	}
	out.Write(png[ihdrEnd:])
	return out.Bytes(), nil
}

// ReadText returns the tEXt and iTXt entries of a PNG stream in file order.
func ReadText(png []byte) ([]TextEntry, error) {
	if !bytes.HasPrefix(png, pngSignature) {
		return nil, errors.New("not a png stream")
	}
	var entries []TextEntry
	rest := png[len(pngSignature):]
	for len(rest) >= 12 {
		n := int(binary.BigEndian.Uint32(rest))
		if len(rest) < 12+n {
			return nil, errors.New("truncated png chunk")
		}
		typ := string(rest[4:8])
		data := rest[8 : 8+n]
		switch typ {
		case "tEXt":
			if k, v, ok := bytes.Cut(data, []byte{0}); ok {
				entries = append(entries, TextEntry{Keyword: string(k), Text: fromLatin1(v)})
			}
		case "iTXt":
			if e, ok := parseITXt(data); ok {
				entries = append(entries, e)
			}
		case "IEND":
			return entries, nil
		}
		rest = rest[12+n:]
	}
	return entries, nil
}

func parseITXt(data []byte) (TextEntry, bool) {
	k, rest, ok := bytes.Cut(data, []byte{0})
	if !ok || len(rest) < 2 || rest[0] != 0 {
		// compressed iTXt is not produced by this package
		return TextEntry{}, false
	}
	rest = rest[2:]
	if _, rest, ok = bytes.Cut(rest, []byte{0}); !ok {
		return TextEntry{}, false
	}
	if _, rest, ok = bytes.Cut(rest, []byte{0}); !ok {
		return TextEntry{}, false
	}
	return TextEntry{Keyword: string(k), Text: string(rest)}, true
}

func writeChunk(buf *bytes.Buffer, typ string, data []byte) {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(data)))
	buf.Write(n[:])
	crc := crc32.NewIEEE()
	crc.Write([]byte(typ))
	crc.Write(data)
	buf.WriteString(typ)
	buf.Write(data)
	binary.BigEndian.PutUint32(n[:], crc.Sum32())
	buf.Write(n[:])
}

func toLatin1(s string) ([]byte, bool) {
	if !utf8.ValidString(s) {
		return nil, false
	}
	out := make([]byte, 0, len(s))
	for _, r := range s {
		if r > 0xff {
			return nil, false
		}
		out = append(out, byte(r))
	}
	return out, true
}

func fromLatin1(b []byte) string {
	var sb strings.Builder
	sb.Grow(len(b))
	for _, c := range b {
		sb.WriteRune(rune(c))
	}
	return sb.String()
}
