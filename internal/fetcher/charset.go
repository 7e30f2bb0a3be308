package fetcher

import (
	"bytes"
	"io"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/text/encoding/htmlindex"
)

// Decode wraps r so it yields UTF-8. The encoding is any WHATWG label such
// as "windows-1252" or "iso-8859-1"; empty and utf-8 labels return r as is.
func Decode(r io.Reader, encoding string) (io.Reader, error) {
	label := strings.ToLower(strings.TrimSpace(encoding))
	if label == "" || label == "utf-8" || label == "utf8" {
		return r, nil
	}
	enc, err := htmlindex.Get(label)
	if err != nil {
		return nil, eris.Wrapf(err, "fetcher: unknown encoding %q", encoding)
	}
	return enc.NewDecoder().Reader(r), nil
}

// DecodeBytes converts data to UTF-8 using the named encoding.
func DecodeBytes(data []byte, encoding string) ([]byte, error) {
	r, err := Decode(bytes.NewReader(data), encoding)
	if err != nil {
		return nil, err
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, eris.Wrapf(err, "fetcher: decode %s", encoding)
	}
	return out, nil
}
