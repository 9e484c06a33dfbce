// Package contacts loads broadcast recipients from a delimited contact file.
//
// The file has a header row followed by one recipient per row. Columns are
// picked by header name when possible (phone/number/address for the address,
// name for the display name); otherwise the legacy layout is assumed:
// name in column 0 and number in column 1.
package contacts

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
	"unicode"
)

var (
	ErrSourceNotFound = errors.New("contact source not found")
	ErrSourceEmpty    = errors.New("contact source has no valid recipients")
	// ErrInvalidRecipient marks a dropped row. It never fails a load.
	ErrInvalidRecipient = errors.New("invalid recipient")
)

const (
	DefaultMinDigits = 10
	DefaultMaxDigits = 15

	maxInvalidSamples = 50
)

// Recipient is one delivery target. Address holds digits only.
type Recipient struct {
	Address     string `json:"address"`
	DisplayName string `json:"display_name,omitempty"`
}

type Options struct {
	// Delimiter overrides delimiter detection when non-zero.
	Delimiter rune
	MinDigits int
	MaxDigits int
}

// InvalidRow describes a row that was dropped.
type InvalidRow struct {
	Line int
	Err  error
}

type Result struct {
	Recipients []Recipient
	Rows       int
	Invalid    int
	Duplicates int
	// Samples keeps the first few invalid rows for diagnostics.
	Samples []InvalidRow
}

var addressHeaders = map[string]bool{
	"phone": true, "phone_number": true, "number": true, "mobile": true,
	"address": true, "msisdn": true, "wa": true, "whatsapp": true,
}

var nameHeaders = map[string]bool{
	"name": true, "display_name": true, "full_name": true, "fullname": true, "contact": true,
}

// Load reads path and returns the deduplicated recipient list in file order.
func Load(path string, opt Options) (Result, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Result{}, fmt.Errorf("%w: %s", ErrSourceNotFound, path)
		}
		return Result{}, err
	}
	defer f.Close()

	res, err := Parse(f, opt)
	if err != nil {
		return res, fmt.Errorf("%s: %w", path, err)
	}
	return res, nil
}

// Parse is Load without the file handling.
func Parse(r io.Reader, opt Options) (Result, error) {
	minD, maxD := opt.MinDigits, opt.MaxDigits
	if minD <= 0 {
		minD = DefaultMinDigits
	}
	if maxD <= 0 {
		maxD = DefaultMaxDigits
	}
	if maxD < minD {
		maxD = minD
	}

	br := bufio.NewReader(r)
	delim := opt.Delimiter
	if delim == 0 {
		head, _ := br.Peek(4096)
		delim = detectDelimiter(head)
	}

	cr := csv.NewReader(br)
	cr.Comma = delim
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.TrimLeadingSpace = true
	cr.ReuseRecord = true

	var res Result
	seen := map[string]struct{}{}
	addrCol, nameCol := -1, -1
	header := true

	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			var pe *csv.ParseError
			if errors.As(err, &pe) {
				if header {
					header = false
					continue
				}
				res.Rows++
				res.drop(pe.Line, fmt.Errorf("%w: %v", ErrInvalidRecipient, pe.Err))
				continue
			}
			return res, err
		}
		if header {
			header = false
			addrCol, nameCol = pickColumns(rec)
			continue
		}
		if isBlank(rec) {
			continue
		}
		res.Rows++
		line, _ := cr.FieldPos(0)

		ai, ni := addrCol, nameCol
		if ai < 0 {
			ai, ni = legacyColumns(len(rec))
		}
		if ai >= len(rec) {
			res.drop(line, fmt.Errorf("%w: missing address column", ErrInvalidRecipient))
			continue
		}
		addr, ok := NormalizeAddress(rec[ai], minD, maxD)
		if !ok {
			res.drop(line, fmt.Errorf("%w: address %q must have %d-%d digits", ErrInvalidRecipient, rec[ai], minD, maxD))
			continue
		}
		if _, dup := seen[addr]; dup {
			res.Duplicates++
			continue
		}
		seen[addr] = struct{}{}

		name := ""
		if ni >= 0 && ni < len(rec) {
			name = strings.TrimSpace(rec[ni])
		}
		res.Recipients = append(res.Recipients, Recipient{Address: addr, DisplayName: name})
	}

	if len(res.Recipients) == 0 {
		return res, ErrSourceEmpty
	}
	return res, nil
}

// NormalizeAddress strips everything but digits and checks the length bounds.
func NormalizeAddress(raw string, minDigits, maxDigits int) (string, bool) {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	s := b.String()
	if len(s) < minDigits || len(s) > maxDigits {
		return s, false
	}
	return s, true
}

func (r *Result) drop(line int, err error) {
	r.Invalid++
	if len(r.Samples) < maxInvalidSamples {
		r.Samples = append(r.Samples, InvalidRow{Line: line, Err: err})
	}
}

func detectDelimiter(head []byte) rune {
	first := string(head)
	if i := strings.IndexByte(first, '\n'); i >= 0 {
		first = first[:i]
	}
	best, bestN := '\t', 0
	for _, d := range []rune{'\t', ',', ';'} {
		if n := strings.Count(first, string(d)); n > bestN {
			best, bestN = d, n
		}
	}
	return best
}

func pickColumns(header []string) (addr, name int) {
	addr, name = -1, -1
	for i, h := range header {
		key := normalizeHeader(h)
		if addr < 0 && addressHeaders[key] {
			addr = i
		}
		if name < 0 && nameHeaders[key] {
			name = i
		}
	}
	if addr < 0 {
		name = -1
	}
	return addr, name
}

func legacyColumns(n int) (addr, name int) {
	if n >= 2 {
		return 1, 0
	}
	return 0, -1
}

func normalizeHeader(h string) string {
	h = strings.TrimPrefix(h, "\ufeff")
	h = strings.ToLower(strings.TrimSpace(h))
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) || r == '-' {
			return '_'
		}
		return r
	}, h)
}

func isBlank(rec []string) bool {
	for _, v := range rec {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
