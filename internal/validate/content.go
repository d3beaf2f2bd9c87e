package validate

import (
	"bytes"
	"encoding/hex"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

const sampleSize = 8 * 1024

var magicBytes = map[string][]string{
	"xls":  {"d0cf11e0a1b11ae1"},
	"xlsx": {"504b0304", "504b0506", "504b0708"},
}

var controlBytes = regexp.MustCompile(`[\x00-\x08\x0B\x0C\x0E-\x1F]`)

var dangerousPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)<\?php`),
	regexp.MustCompile(`(?i)<script`),
	regexp.MustCompile(`(?i)<\?=`),
	regexp.MustCompile(`(?i)eval\s*\(`),
	regexp.MustCompile(`(?i)exec\s*\(`),
	regexp.MustCompile(`(?i)system\s*\(`),
	regexp.MustCompile(`(?i)passthru\s*\(`),
	regexp.MustCompile(`(?i)shell_exec\s*\(`),
	regexp.MustCompile(`(?i)base64_decode\s*\(`),
}

// activeElements are markup elements that can carry executable content.
const activeElements = "script, iframe, object, embed"

func checkContent(abs, ext string) error {
	switch ext {
	case "csv", "txt":
		return checkText(abs)
	case "":
		return nil
	}
	if sigs, ok := magicBytes[ext]; ok {
		return checkSignature(abs, ext, sigs)
	}
	return nil
}

func readSample(abs string, n int) ([]byte, error) {
	f, err := os.Open(abs)
	if err != nil {
		return nil, fail(ErrUnreadable, "%v", err)
	}
	defer f.Close()

	buf := make([]byte, n)
	got, err := io.ReadFull(f, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, fail(ErrUnreadable, "%v", err)
	}
	return buf[:got], nil
}

func checkText(abs string) error {
	sample, err := readSample(abs, sampleSize)
	if err != nil {
		return err
	}

	if loc := controlBytes.FindIndex(sample); loc != nil {
		return fail(ErrBinaryContent, "control byte 0x%02x at offset %d", sample[loc[0]], loc[0])
	}
	for _, re := range dangerousPatterns {
		if re.Match(sample) {
			return fail(ErrDangerousContent, "matched %s", strings.TrimPrefix(re.String(), "(?i)"))
		}
	}
	if tag := activeMarkup(sample); tag != "" {
		return fail(ErrDangerousContent, "embedded <%s> element", tag)
	}
	return nil
}

// activeMarkup parses sample as HTML when it looks like markup and returns
// the name of the first active element found.
func activeMarkup(sample []byte) string {
	if !bytes.ContainsRune(sample, '<') {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(sample))
	if err != nil {
		return ""
	}
	sel := doc.Find(activeElements).First()
	if sel.Length() == 0 {
		return ""
	}
	return goquery.NodeName(sel)
}

func checkSignature(abs, ext string, sigs []string) error {
	head, err := readSample(abs, 8)
	if err != nil {
		return err
	}
	if len(head) == 0 {
		return fail(ErrUnreadable, "empty header")
	}
	got := hex.EncodeToString(head)
	for _, s := range sigs {
		if strings.HasPrefix(got, s) {
			return nil
		}
	}
	return fail(ErrInvalidSignature, "%s file starts with %s", ext, got)
}
