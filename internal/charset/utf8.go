// Package charset normalizes the text encoding of uploaded delimited files.
package charset

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

// SampleSize is how many leading bytes are checked for UTF-8 validity.
const SampleSize = 8 * 1024

// EnsureUTF8 returns a path whose bytes are UTF-8. When the first SampleSize
// bytes of p are not valid UTF-8 the file is decoded as ISO-8859-1 into
// <p>.utf8.csv and that path is returned; cleanup removes it. cleanup is
// never nil.
func EnsureUTF8(p string) (string, func(), error) {
	nop := func() {}

	ok, err := looksUTF8(p)
	if err != nil {
		return "", nop, err
	}
	if ok {
		return p, nop, nil
	}

	out := p + ".utf8.csv"
	if err := transcodeLatin1(p, out); err != nil {
		_ = os.Remove(out)
		return "", nop, err
	}
	return out, func() { _ = os.Remove(out) }, nil
}

func looksUTF8(p string) (bool, error) {
	f, err := os.Open(p)
	if err != nil {
		return false, fmt.Errorf("charset: open %s: %w", p, err)
	}
	defer f.Close()

	buf := make([]byte, SampleSize)
	n, err := io.ReadFull(f, buf)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return false, fmt.Errorf("charset: read %s: %w", p, err)
	}
	sample := buf[:n]
	if n == SampleSize {
		sample = trimPartialRune(sample)
	}
	return utf8.Valid(sample), nil
}

// trimPartialRune drops an incomplete multi-byte sequence cut off at the end
// of b by the sample window.
func trimPartialRune(b []byte) []byte {
	for i := 1; i <= utf8.UTFMax && i <= len(b); i++ {
		c := b[len(b)-i]
		if utf8.RuneStart(c) {
			if !utf8.FullRune(b[len(b)-i:]) {
				return b[:len(b)-i]
			}
			return b
		}
	}
	return b
}

func transcodeLatin1(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("charset: open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("charset: create %s: %w", dst, err)
	}

	w := bufio.NewWriterSize(out, 256*1024)
	if _, err := io.Copy(w, charmap.ISO8859_1.NewDecoder().Reader(in)); err != nil {
		_ = out.Close()
		return fmt.Errorf("charset: transcode %s: %w", src, err)
	}
	if err := w.Flush(); err != nil {
		_ = out.Close()
		return fmt.Errorf("charset: transcode %s: %w", src, err)
	}
	return out.Close()
}
