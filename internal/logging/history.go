package logging

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Entry is one parsed line of the lock event log.
type Entry struct {
	Time    time.Time      `json:"time"`
	Level   string         `json:"level"`
	Message string         `json:"msg"`
	Scope   string         `json:"scope,omitempty"`
	Ticket  int64          `json:"ticket,omitempty"`
	PID     int            `json:"pid,omitempty"`
	Attrs   map[string]any `json:"attrs,omitempty"`
}

// Filter selects log entries. Zero fields match everything; set fields are
// combined with AND.
type Filter struct {
	// Level keeps entries at or above this level.
	Level string
	// Since keeps entries at or after this time.
	Since time.Time
	// Ticket keeps entries tagged with this queue ticket.
	Ticket int64
	// PID keeps entries tagged with this caller pid.
	PID int
	// MessageContains keeps entries whose message contains this substring.
	MessageContains string
}

var levelOrder = map[string]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// ReadHistory parses the event log under stateRoot, including the newest
// uncompressed backup, and returns entries in time order. A state root with
// no log yet yields no entries.
func ReadHistory(stateRoot string) ([]Entry, error) {
	logPath := filepath.Join(stateRoot, FileName)

	var entries []Entry
	for _, path := range []string{logPath + ".1", logPath} {
		fileEntries, err := readLogFile(path)
		if err != nil {
			return nil, err
		}
		entries = append(entries, fileEntries...)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Time.Before(entries[j].Time)
	})
	return entries, nil
}

func readLogFile(path string) ([]Entry, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	defer func() { _ = file.Close() }()

	var entries []Entry
	scanner := bufio.NewScanner(file)

	// Increase buffer size for potentially long log lines
	const maxScanTokenSize = 1024 * 1024
	scanner.Buffer(make([]byte, 64*1024), maxScanTokenSize)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		entry, err := parseEntry(line)
		if err != nil {
			// Skip lines torn by a crash mid-write
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading log file: %w", err)
	}
	return entries, nil
}

func parseEntry(line string) (Entry, error) {
	var raw map[string]any
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return Entry{}, fmt.Errorf("invalid JSON: %w", err)
	}

	entry := Entry{Attrs: make(map[string]any)}
	for k, v := range raw {
		switch k {
		case "time":
			if s, ok := v.(string); ok {
				if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
					entry.Time = t
				}
			}
		case "level":
			entry.Level, _ = v.(string)
		case "msg":
			entry.Message, _ = v.(string)
		case "scope":
			entry.Scope, _ = v.(string)
		case "ticket":
			if f, ok := v.(float64); ok {
				entry.Ticket = int64(f)
			}
		case "pid":
			if f, ok := v.(float64); ok {
				entry.PID = int(f)
			}
		default:
			entry.Attrs[k] = v
		}
	}
	return entry, nil
}

// FilterHistory returns the entries matching f.
func FilterHistory(entries []Entry, f Filter) []Entry {
	var filtered []Entry
	for _, e := range entries {
		if f.matches(e) {
			filtered = append(filtered, e)
		}
	}
	return filtered
}

func (f Filter) matches(e Entry) bool {
	if f.Level != "" {
		want, wantOK := levelOrder[strings.ToUpper(f.Level)]
		got, gotOK := levelOrder[e.Level]
		if wantOK && gotOK && got < want {
			return false
		}
	}
	if !f.Since.IsZero() && e.Time.Before(f.Since) {
		return false
	}
	if f.Ticket != 0 && e.Ticket != f.Ticket {
		return false
	}
	if f.PID != 0 && e.PID != f.PID {
		return false
	}
	if f.MessageContains != "" && !strings.Contains(e.Message, f.MessageContains) {
		return false
	}
	return true
}

// History output formats.
const (
	FormatText = "text"
	FormatJSON = "json"
	FormatCSV  = "csv"
)

// WriteHistory renders entries to w in the given format.
func WriteHistory(w io.Writer, entries []Entry, format string) error {
	switch strings.ToLower(format) {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if entries == nil {
			entries = []Entry{}
		}
		return enc.Encode(entries)
	case FormatText, "":
		return writeText(w, entries)
	case FormatCSV:
		return writeCSV(w, entries)
	default:
		return fmt.Errorf("unsupported history format: %s (supported: text, json, csv)", format)
	}
}

// writeText renders one line per entry:
// [TIMESTAMP] LEVEL message (scope=.., ticket=.., pid=..) {attrs}
func writeText(w io.Writer, entries []Entry) error {
	for _, e := range entries {
		parts := []string{
			fmt.Sprintf("[%s]", e.Time.Format("2006-01-02 15:04:05.000")),
			fmt.Sprintf("%-5s", e.Level),
			e.Message,
		}

		var tags []string
		if e.Scope != "" {
			tags = append(tags, "scope="+e.Scope)
		}
		if e.Ticket != 0 {
			tags = append(tags, "ticket="+strconv.FormatInt(e.Ticket, 10))
		}
		if e.PID != 0 {
			tags = append(tags, "pid="+strconv.Itoa(e.PID))
		}
		if len(tags) > 0 {
			parts = append(parts, "("+strings.Join(tags, ", ")+")")
		}
		if len(e.Attrs) > 0 {
			attrsJSON, _ := json.Marshal(e.Attrs)
			parts = append(parts, string(attrsJSON))
		}

		if _, err := fmt.Fprintln(w, strings.Join(parts, " ")); err != nil {
			return fmt.Errorf("failed to write history entry: %w", err)
		}
	}
	return nil
}

func writeCSV(w io.Writer, entries []Entry) error {
	cw := csv.NewWriter(w)

	if err := cw.Write([]string{"time", "level", "message", "scope", "ticket", "pid", "attrs"}); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}
	for _, e := range entries {
		attrs := ""
		if len(e.Attrs) > 0 {
			if b, err := json.Marshal(e.Attrs); err == nil {
				attrs = string(b)
			}
		}
		ticket := ""
		if e.Ticket != 0 {
			ticket = strconv.FormatInt(e.Ticket, 10)
		}
		pid := ""
		if e.PID != 0 {
			pid = strconv.Itoa(e.PID)
		}
		record := []string{e.Time.Format(time.RFC3339Nano), e.Level, e.Message, e.Scope, ticket, pid, attrs}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("failed to write CSV record: %w", err)
		}
	}

	cw.Flush()
	return cw.Error()
}
