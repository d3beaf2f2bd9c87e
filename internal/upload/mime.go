package upload

import (
	"archive/zip"
	"bytes"
	"io"
	"net/http"
	"os"
	"strings"
)

// Canonical MIME types produced by DetectMIME.
const (
	MIMEXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	MIMEXLS  = "application/vnd.ms-excel"
	MIMEZip  = "application/zip"
	MIMEText = "text/plain"
)

var oleMagic = []byte{0xD0, 0xCF, 0x11, 0xE0, 0xA1, 0xB1, 0x1A, 0xE1}

// DetectMIME sniffs the content type of the file at path from its bytes.
// The declared type is never consulted.
//
// Spreadsheets get special handling: an OLE2 compound document is reported
// as xls, and a ZIP archive is reported as xlsx only when it contains a
// workbook part.
func DetectMIME(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	head := make([]byte, 512)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return "", err
	}
	head = head[:n]

	if bytes.HasPrefix(head, oleMagic) {
		return MIMEXLS, nil
	}

	mime := http.DetectContentType(head)
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = mime[:i]
	}

	if mime == MIMEZip && isWorkbookArchive(path) {
		return MIMEXLSX, nil
	}
	return mime, nil
}

func isWorkbookArchive(path string) bool {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return false
	}
	defer zr.Close()

	for _, f := range zr.File {
		if f.Name == "xl/workbook.xml" {
			return true
		}
	}
	return false
}
