package sheets

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf16"
)

var (
	ErrNoWrapper = errors.New("gviz response has no JSON payload")
	ErrNoRows    = errors.New("sheet has no rows")

	modelExt = regexp.MustCompile(`(?i)\.(glb|gltf)(\?|$)`)
	absURL   = regexp.MustCompile(`^https?://`)
)

// Listing is one content row: Title | Image | Link.
type Listing struct {
	Title string `json:"title"`
	Image string `json:"image"`
	Link  string `json:"link"`
}

// IsModel reports whether the image column points at a glTF model rather
// than a picture.
func (l Listing) IsModel() bool { return modelExt.MatchString(l.Image) }

// GvizURL is the public JSON export of one spreadsheet tab.
func GvizURL(sheetID string, gid int) string {
	return fmt.Sprintf("https://docs.google.com/spreadsheets/d/%s/gviz/tq?tqx=out:json&gid=%d",
		url.PathEscape(sheetID), gid)
}

type gvizDoc struct {
	Table struct {
		Rows []struct {
			C []*struct {
				V json.RawMessage `json:"v"`
			} `json:"c"`
		} `json:"rows"`
	} `json:"table"`
}

// ParseGviz extracts listings from a gviz response body. The body is a
// JavaScript callback wrapping a JSON object; everything from the first "{"
// up to the last ")" is parsed. The first row is the header and rows with
// every column empty are skipped.
func ParseGviz(body []byte) ([]Listing, error) {
	start := bytes.IndexByte(body, '{')
	end := bytes.LastIndexByte(body, ')')
	if start < 0 || end <= start {
		return nil, ErrNoWrapper
	}
	var doc gvizDoc
	if err := json.Unmarshal(body[start:end], &doc); err != nil {
		return nil, fmt.Errorf("parse gviz: %w", err)
	}
	rows := doc.Table.Rows
	if len(rows) == 0 {
		return nil, ErrNoRows
	}

	listings := make([]Listing, 0, len(rows)-1)
	for _, row := range rows[1:] {
		col := func(i int) string {
			if i >= len(row.C) || row.C[i] == nil {
				return ""
			}
			return cellString(row.C[i].V)
		}
		l := Listing{Title: col(0), Image: normalizeImage(col(1)), Link: col(2)}
		if l.Title == "" && l.Image == "" && l.Link == "" {
			continue
		}
		listings = append(listings, l)
	}
	return listings, nil
}

// normalizeImage maps a bare file name to the scene's assets directory.
func normalizeImage(image string) string {
	if image == "" || absURL.MatchString(image) || strings.Contains(image, "/") || strings.HasPrefix(image, "#") {
		return image
	}
	return "assets/" + image
}

// cellString renders a cell value the way the scene expects: strings as-is,
// numbers in shortest form, booleans as words, null as empty.
func cellString(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return ""
	}
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return formatNumber(x)
	case bool:
		return strconv.FormatBool(x)
	default:
		return string(raw)
	}
}

func formatNumber(f float64) string {
	abs := math.Abs(f)
	if abs != 0 && (abs >= 1e21 || abs < 1e-6) {
		s := strconv.FormatFloat(f, 'e', -1, 64)
		// 1e-07 -> 1e-7
		mant, exp, _ := strings.Cut(s, "e")
		sign := exp[:1]
		digits := strings.TrimLeft(exp[1:], "0")
		return mant + "e" + sign + digits
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// EncodeHTML turns every UTF-16 code unit of s into a numeric character
// reference so titles are safe inside markup attributes.
func EncodeHTML(s string) string {
	var b strings.Builder
	for _, u := range utf16.Encode([]rune(s)) {
		b.WriteString("&#")
		b.WriteString(strconv.Itoa(int(u)))
		b.WriteByte(';')
	}
	return b.String()
}
