package mtr

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

var (
	// ErrNoHopData is returned when no strategy could extract a single hop.
	ErrNoHopData = errors.New("no hop data found")
	// errNotStructured marks input that is not an mtr JSON report.
	errNotStructured = errors.New("not an mtr json report")
)

// ParseError is returned by Parse when neither output format yields hops.
type ParseError struct {
	// Err is the error of the last strategy tried.
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("failed to parse mtr output: %v", e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Strategy turns raw mtr output into hop records.
type Strategy func(raw []byte) ([]HopRecord, error)

// Strategies lists the formats Parse attempts, in order.
var Strategies = []Strategy{ParseJSON, ParseText}

// Parse extracts hop records from raw mtr output. The first strategy that
// succeeds wins; results of different strategies are never merged.
func Parse(raw []byte) ([]HopRecord, error) {
	var lastErr error = ErrNoHopData
	for _, strategy := range Strategies {
		hops, err := strategy(raw)
		if err == nil {
			return hops, nil
		}
		lastErr = err
	}
	var pe *ParseError
	if errors.As(lastErr, &pe) {
		return nil, pe
	}
	return nil, &ParseError{Err: lastErr}
}

// ParseJSON reads the report.hubs array emitted by `mtr --json`.
//
// Missing or unparseable numeric fields are read as 0 rather than rejecting
// the hub, so a damaged report can still look like a plausible hop.
func ParseJSON(raw []byte) ([]HopRecord, error) {
	var doc struct {
		Report *struct {
			Hubs []json.RawMessage `json:"hubs"`
		} `json:"report"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", errNotStructured, err)
	}
	if doc.Report == nil || doc.Report.Hubs == nil {
		return nil, fmt.Errorf("%w: missing report.hubs", errNotStructured)
	}
	if len(doc.Report.Hubs) == 0 {
		return nil, fmt.Errorf("%w: empty report.hubs", errNotStructured)
	}

	hops := make([]HopRecord, 0, len(doc.Report.Hubs))
	for i, rawHub := range doc.Report.Hubs {
		var hub map[string]json.RawMessage
		if err := json.Unmarshal(rawHub, &hub); err != nil || hub == nil {
			return nil, fmt.Errorf("%w: hub %d is not an object", errNotStructured, i)
		}

		loss, ok := hub["Loss"]
		if !ok {
			loss = hub["Loss%"]
		}

		hops = append(hops, HopRecord{
			Hop:   i + 1,
			Host:  hubHost(hub["host"]),
			Loss:  number(loss),
			Sent:  count(hub["Snt"]),
			Last:  number(hub["Last"]),
			Avg:   number(hub["Avg"]),
			Best:  number(hub["Best"]),
			Worst: number(hub["Wrst"]),
			StDev: number(hub["StDev"]),
		})
	}
	return hops, nil
}

func hubHost(raw json.RawMessage) string {
	var host string
	if len(raw) == 0 || json.Unmarshal(raw, &host) != nil {
		return UnknownHost
	}
	if strings.TrimSpace(host) == "" {
		return UnknownHost
	}
	return host
}

// number accepts a JSON number or a numeric string. Anything else, including
// negative, NaN and infinite values, reads as 0.
func number(raw json.RawMessage) float64 {
	if len(raw) == 0 {
		return 0
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		var s string
		if json.Unmarshal(raw, &s) != nil {
			return 0
		}
		f, err = strconv.ParseFloat(strings.TrimSpace(strings.TrimSuffix(s, "%")), 64)
		if err != nil {
			return 0
		}
	}
	if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
		return 0
	}
	return f
}

// count is number truncated to an int, clamped to the int32 range.
func count(raw json.RawMessage) int {
	f := number(raw)
	if f > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(f)
}

// hopLine matches "  1. host  0.0%  10  1.2  1.5  1.1  2.0  0.3" and the
// "  1.|-- host ..." variant printed by mtr --report.
var hopLine = regexp.MustCompile(`^\s*(\d+)\.(?:\|--|\|` + "`" + `-)?\s+(\S+)\s+([\d.]+)%\s+(\d+)\s+([\d.]+)\s+([\d.]+)\s+([\d.]+)\s+([\d.]+)\s+([\d.]+)`)

// ParseText reads the columnar report printed by mtr builds without JSON
// support. Lines before the "Host ... Loss" header are ignored even when they
// look like hop rows; rows after it that do not match are skipped.
func ParseText(raw []byte) ([]HopRecord, error) {
	var hops []HopRecord
	headerSeen := false

	scanner := bufio.NewScanner(bytes.NewReader(raw))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		if !headerSeen {
			if strings.Contains(line, "Host") && strings.Contains(line, "Loss") {
				headerSeen = true
			}
			continue
		}

		m := hopLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		hop, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		sent, err := strconv.Atoi(m[4])
		if err != nil {
			continue
		}
		hops = append(hops, HopRecord{
			Hop:   hop,
			Host:  m[2],
			Loss:  parseFloat(m[3]),
			Sent:  sent,
			Last:  parseFloat(m[5]),
			Avg:   parseFloat(m[6]),
			Best:  parseFloat(m[7]),
			Worst: parseFloat(m[8]),
			StDev: parseFloat(m[9]),
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, &ParseError{Err: err}
	}

	if len(hops) == 0 {
		return nil, &ParseError{Err: ErrNoHopData}
	}
	return hops, nil
}

// parseFloat is only called on regexp captures of [\d.]+, which may still be
// malformed ("1.2.3"); those read as 0.
func parseFloat(s string) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}
