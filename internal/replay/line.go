// Package replay plays a recorded scenario log against the system under test.
//
// # Log Format
//
// A scenario log is tab-separated text, one command per line:
//
//	2017-08-05T11:30	POST	http://football-match:18081/matches	{"id":"1","date":"${0}"}	2017-08-05T12:00
//	2017-08-05T11:31	INSERT INTO players VALUES (1, 'Kane', '${0}')	2017-08-05 11:31
//
// Column 0 is the minute-precision timestamp of the recorded request. A
// second column starting with INSERT marks a SQL line: the statement is
// that column and every following column is a date parameter in LayoutSQL.
// Any other second column is an HTTP verb, followed by the URL, the JSON
// body template and date parameters in LayoutREST.
//
// Placeholders ${0}, ${1}, ... in the template are replaced by the
// parameter dates shifted into replay time (see Shift).
//
// # Pacing
//
// The gap between two recorded timestamps is multiplied by the compression
// factor and clamped to [min, max] before the next line is issued, so the
// replay keeps the relative rhythm of the recording without its duration.
package replay

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

const (
	// LayoutREST is the timestamp format of column 0 and of REST parameters.
	LayoutREST = "2006-01-02T15:04"
	// LayoutSQL is the parameter format of SQL lines.
	LayoutSQL = "2006-01-02 15:04"
)

// Kind tells how a line is applied.
type Kind string

const (
	KindREST Kind = "rest"
	KindSQL  Kind = "sql"
)

// Line is one parsed scenario line.
type Line struct {
	Number    int
	Timestamp time.Time
	Kind      Kind
	// Method is the HTTP verb; empty for SQL lines.
	Method string
	// Target is the URL of a REST line or the statement of a SQL line.
	Target string
	// Body is the JSON template of a REST line.
	Body   string
	Params []time.Time
}

// ParseLine parses a single tab-separated scenario line. Dates are read in loc.
func ParseLine(number int, text string, loc *time.Location) (Line, error) {
	if loc == nil {
		loc = time.Local
	}
	cols := strings.Split(text, "\t")
	if len(cols) < 2 {
		return Line{}, &MalformedLineError{Line: number, Text: text, Reason: "expected at least 2 columns"}
	}

	ts, err := time.ParseInLocation(LayoutREST, cols[0], loc)
	if err != nil {
		return Line{}, &MalformedLineError{Line: number, Text: text, Reason: "timestamp", Err: err}
	}
	line := Line{Number: number, Timestamp: ts}

	var paramsFrom int
	var layout string
	if strings.HasPrefix(cols[1], "INSERT") {
		line.Kind = KindSQL
		line.Target = cols[1]
		paramsFrom, layout = 2, LayoutSQL
	} else {
		if len(cols) < 3 {
			return Line{}, &MalformedLineError{Line: number, Text: text, Reason: "missing url"}
		}
		line.Kind = KindREST
		line.Method = cols[1]
		line.Target = cols[2]
		if len(cols) > 3 {
			line.Body = cols[3]
		}
		paramsFrom, layout = 4, LayoutREST
	}

	for i := paramsFrom; i < len(cols); i++ {
		p, err := time.ParseInLocation(layout, cols[i], loc)
		if err != nil {
			return Line{}, &MalformedLineError{Line: number, Text: text, Reason: "parameter " + strconv.Itoa(i-paramsFrom), Err: err}
		}
		line.Params = append(line.Params, p)
	}
	return line, nil
}

// Reader yields scenario lines lazily. Blank lines are skipped.
type Reader struct {
	scanner *bufio.Scanner
	loc     *time.Location
	number  int
}

// NewReader creates a Reader parsing dates in loc (time.Local when nil).
func NewReader(r io.Reader, loc *time.Location) *Reader {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &Reader{scanner: s, loc: loc}
}

// Next returns the next line, or io.EOF once the log is exhausted.
func (r *Reader) Next() (Line, error) {
	for r.scanner.Scan() {
		r.number++
		text := strings.TrimRight(r.scanner.Text(), "\r")
		if strings.TrimSpace(text) == "" {
			continue
		}
		return ParseLine(r.number, text, r.loc)
	}
	if err := r.scanner.Err(); err != nil {
		return Line{}, fmt.Errorf("read scenario line %d: %w", r.number+1, err)
	}
	return Line{}, io.EOF
}

// Summary describes a scenario log without dispatching it.
type Summary struct {
	Lines int       `json:"lines"`
	REST  int       `json:"rest"`
	SQL   int       `json:"sql"`
	First time.Time `json:"first,omitzero"`
	Last  time.Time `json:"last,omitzero"`
}

// Scan parses the whole log and counts its lines. It stops at the first
// malformed line and returns the summary gathered so far with the error.
func Scan(r io.Reader, loc *time.Location) (*Summary, error) {
	sum := &Summary{}
	reader := NewReader(r, loc)
	for {
		line, err := reader.Next()
		if err == io.EOF {
			return sum, nil
		}
		if err != nil {
			return sum, err
		}
		if sum.Lines == 0 {
			sum.First = line.Timestamp
		}
		sum.Last = line.Timestamp
		sum.Lines++
		switch line.Kind {
		case KindSQL:
			sum.SQL++
		default:
			sum.REST++
		}
	}
}
