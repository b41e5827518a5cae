// Package render turns stored analysis results into HTML pages and PDFs.
package render

import "errors"

type Format string

const (
	FormatHTML Format = "html"
	FormatPDF  Format = "pdf"
	FormatJSON Format = "json"
)

// ParseFormat maps a query value to a Format; blank means HTML.
func ParseFormat(value string) (Format, bool) {
	switch Format(value) {
	case "", FormatHTML:
		return FormatHTML, true
	case FormatPDF:
		return FormatPDF, true
	case FormatJSON:
		return FormatJSON, true
	default:
		return "", false
	}
}

// Result is a rendered document ready to be served.
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

var (
	// ErrInvalidPayload means the stored result is not a JSON document.
	ErrInvalidPayload = errors.New("render payload is not valid JSON")
	// ErrPDFDependencyMissing means no headless browser is installed.
	ErrPDFDependencyMissing = errors.New("render pdf dependency missing")
)
