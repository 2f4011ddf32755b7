// Package validate performs the cheap upload checks that run before any byte
// reaches storage. It does no I/O.
package validate

import (
	"bufio"
	"bytes"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/kiranshivaraju/tabflow/pkg/models"
)

// SniffLen is how many leading bytes callers should pass as the sniff.
const SniffLen = 512

const maxFilenameLen = 255

var (
	zipMagic = []byte("PK\x03\x04")
	oleMagic = []byte{0xD0, 0xCF, 0x11, 0xE0, 0xA1, 0xB1, 0x1A, 0xE1}
	utf8BOM  = []byte{0xEF, 0xBB, 0xBF}
)

var dangerousExtensions = map[string]bool{
	".exe": true,
	".bat": true,
	".cmd": true,
	".com": true,
	".scr": true,
	".vbs": true,
	".js":  true,
	".jar": true,
}

// Result is the outcome of a validation. The zero value means OK.
type Result struct {
	Reason models.ErrorKind
	Detail string
}

func (r Result) OK() bool {
	return r.Reason == ""
}

func reject(kind models.ErrorKind, format string, args ...any) Result {
	return Result{Reason: kind, Detail: fmt.Sprintf(format, args...)}
}

// Validator checks uploads against the extension allow-list and size limit.
type Validator struct {
	allowed  map[string]bool
	maxBytes int64
}

// New builds a Validator. Extensions are matched case-insensitively and may
// be given with or without the leading dot.
func New(allowedExtensions []string, maxBytes int64) *Validator {
	allowed := make(map[string]bool, len(allowedExtensions))
	for _, ext := range allowedExtensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		allowed[ext] = true
	}
	return &Validator{allowed: allowed, maxBytes: maxBytes}
}

// Validate checks name, declared size and the leading bytes of the content.
// A declaredSize below zero means unknown.
func (v *Validator) Validate(filename string, declaredSize int64, sniff []byte) Result {
	name := strings.TrimSpace(filename)
	if name == "" {
		return reject(models.ErrorKindInvalidFormat, "filename is empty")
	}
	if utf8.RuneCountInString(name) > maxFilenameLen {
		return reject(models.ErrorKindInvalidFormat, "filename is longer than %d characters", maxFilenameLen)
	}

	ext := strings.ToLower(filepath.Ext(name))
	if dangerousExtensions[ext] {
		return reject(models.ErrorKindInvalidFormat, "extension %q is not allowed", ext)
	}
	if !v.allowed[ext] {
		return reject(models.ErrorKindInvalidFormat, "extension %q is not supported; allowed: %s", ext, v.allowedList())
	}

	if v.maxBytes > 0 && declaredSize > v.maxBytes {
		return reject(models.ErrorKindSizeExceeded, "file size %d exceeds the limit of %d bytes", declaredSize, v.maxBytes)
	}

	if len(sniff) == 0 {
		return reject(models.ErrorKindInvalidFormat, "file is empty")
	}

	switch ext {
	case ".xlsx":
		if !bytes.HasPrefix(sniff, zipMagic) {
			return reject(models.ErrorKindInvalidFormat, "file is not a valid .xlsx workbook")
		}
	case ".xls":
		if !bytes.HasPrefix(sniff, oleMagic) {
			return reject(models.ErrorKindInvalidFormat, "file is not a valid .xls workbook")
		}
	case ".csv":
		if !hasHeaderLine(sniff) {
			return reject(models.ErrorKindInvalidFormat, "file has no header line")
		}
	}
	return Result{}
}

// hasHeaderLine reports whether the sniff contains at least one non-blank
// text line. Binary content fails.
func hasHeaderLine(sniff []byte) bool {
	sniff = bytes.TrimPrefix(sniff, utf8BOM)
	if bytes.IndexByte(sniff, 0) >= 0 {
		return false
	}
	sc := bufio.NewScanner(bytes.NewReader(sniff))
	for sc.Scan() {
		if strings.TrimSpace(strings.Trim(sc.Text(), ",;\t\"")) != "" {
			return true
		}
	}
	return false
}

func (v *Validator) allowedList() string {
	exts := make([]string, 0, len(v.allowed))
	for ext := range v.allowed {
		exts = append(exts, ext)
	}
	slices.Sort(exts)
	return strings.Join(exts, ", ")
}
