package ftp

import (
	"strconv"
	"strings"
)

// Entry describes one line of a directory listing. It stays a plain,
// opaque-to-the-core value: List never constructs one itself, only the
// parse function the caller hands to List does (§6).
type Entry struct {
	Name   string
	Type   string // "file", "dir", "link", or "unknown"
	Size   int64
	Target string // symlink target, empty otherwise
	Raw    string
}

// ListingParser recognizes one directory-listing line format. It
// reports ok=false when the line doesn't match, so CompositeParser can
// fall through to the next candidate (§6).
type ListingParser interface {
	Parse(line string) (*Entry, bool)
}

// UnixParser recognizes Unix-style "ls -l" lines: both the 9-field form
// (with a group column) and the 8-field form (without one), and both
// symbolic and numeric permission bits.
type UnixParser struct{}

func (UnixParser) Parse(line string) (*Entry, bool) {
	fields := strings.Fields(line)
	if len(fields) < 8 {
		return nil, false
	}
	entry := &Entry{Raw: line}
	if !parseUnixEntry(entry, fields) {
		return nil, false
	}
	return entry, true
}

// DOSParser recognizes "MM-DD-YY HH:MMAM size filename" style lines,
// including the "<DIR>" marker some servers use in place of a size.
type DOSParser struct{}

func (DOSParser) Parse(line string) (*Entry, bool) {
	fields := strings.Fields(line)
	if len(fields) < 4 || !isDOSDate(fields[0]) {
		return nil, false
	}
	entry := &Entry{Raw: line}
	if !parseDOSEntry(entry, fields) {
		return nil, false
	}
	return entry, true
}

// EPLFParser recognizes Easily Parsed List Format lines, "+facts\tname".
type EPLFParser struct{}

func (EPLFParser) Parse(line string) (*Entry, bool) {
	if !strings.HasPrefix(line, "+") {
		return nil, false
	}
	entry := &Entry{Raw: line}
	if !parseEPLFEntry(entry, line) {
		return nil, false
	}
	return entry, true
}

// CompositeParser tries each parser in order and keeps the first match,
// falling back to an "unknown"-typed Entry so no line is silently
// dropped.
type CompositeParser struct {
	Parsers []ListingParser
}

// DefaultListingParsers is the order ParseListing tries when none is
// supplied: EPLF first since its '+' prefix is unambiguous, then DOS,
// then Unix.
func DefaultListingParsers() []ListingParser {
	return []ListingParser{EPLFParser{}, DOSParser{}, UnixParser{}}
}

func (p *CompositeParser) parseLine(line string) *Entry {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return nil
	}
	for _, parser := range p.Parsers {
		if entry, ok := parser.Parse(trimmed); ok {
			return entry
		}
	}
	return &Entry{Raw: line, Name: trimmed, Type: "unknown"}
}

// ParseListing is the default parse function for List: it splits raw
// into lines and runs each through parsers (DefaultListingParsers when
// nil), matching the §4.F "list" pass-through contract — List itself
// does no interpretation, the caller-supplied (or this default)
// function does.
func ParseListing(parsers []ListingParser) func(raw string) any {
	if len(parsers) == 0 {
		parsers = DefaultListingParsers()
	}
	cp := &CompositeParser{Parsers: parsers}
	return func(raw string) any {
		var entries []*Entry
		for _, line := range strings.Split(raw, "\n") {
			line = strings.TrimRight(line, "\r")
			if entry := cp.parseLine(line); entry != nil {
				entries = append(entries, entry)
			}
		}
		return entries
	}
}

func parseUnixEntry(entry *Entry, fields []string) bool {
	perms := fields[0]

	isSymbolic := len(perms) >= 1 && strings.ContainsRune("-dlbcps", rune(perms[0]))
	isNumeric := len(perms) >= 3 && len(perms) <= 4
	for _, ch := range perms {
		if ch < '0' || ch > '7' {
			isNumeric = false
			break
		}
	}
	if !isSymbolic && !isNumeric {
		return false
	}

	switch {
	case isSymbolic && perms[0] == 'd':
		entry.Type = "dir"
	case isSymbolic && perms[0] == 'l':
		entry.Type = "link"
	default:
		entry.Type = "file"
	}

	var sizeIdx, nameStartIdx int
	switch {
	case len(fields) >= 9:
		if _, err := parseSize(fields[4]); err == nil {
			sizeIdx, nameStartIdx = 4, 8
		} else if _, err := parseSize(fields[3]); err == nil {
			sizeIdx, nameStartIdx = 3, 7
		} else {
			return false
		}
	case len(fields) >= 8:
		if _, err := parseSize(fields[3]); err != nil {
			return false
		}
		sizeIdx, nameStartIdx = 3, 7
	default:
		return false
	}

	size, err := parseSize(fields[sizeIdx])
	if err != nil {
		return false
	}
	entry.Size = size

	fullName := strings.Join(fields[nameStartIdx:], " ")
	if entry.Type == "link" {
		if before, after, ok := strings.Cut(fullName, " -> "); ok {
			entry.Name, entry.Target = before, after
		} else {
			entry.Name = fullName
		}
	} else {
		entry.Name = fullName
	}
	return true
}

func parseEPLFEntry(entry *Entry, line string) bool {
	line = strings.TrimPrefix(line, "+")
	idx := strings.IndexAny(line, "\t ")
	if idx == -1 {
		return false
	}
	facts := line[:idx]
	name := strings.TrimSpace(line[idx+1:])
	if name == "" {
		return false
	}

	entry.Name = name
	entry.Type = "file"
	for _, fact := range strings.Split(facts, ",") {
		if fact == "" {
			continue
		}
		switch fact[0] {
		case '/':
			entry.Type = "dir"
		case 's':
			if len(fact) > 1 {
				if size, err := parseSize(fact[1:]); err == nil {
					entry.Size = size
				}
			}
		}
	}
	return true
}

func isDOSDate(s string) bool {
	var parts []string
	switch {
	case strings.Contains(s, "-"):
		parts = strings.Split(s, "-")
	case strings.Contains(s, "/"):
		parts = strings.Split(s, "/")
	default:
		return false
	}
	if len(parts) != 3 {
		return false
	}
	for i, part := range parts {
		if len(part) < 1 || len(part) > 4 {
			return false
		}
		if i == 2 && len(part) != 2 && len(part) != 4 {
			return false
		}
		if i < 2 && len(part) > 2 {
			return false
		}
		for _, ch := range part {
			if ch < '0' || ch > '9' {
				return false
			}
		}
	}
	return true
}

func parseDOSEntry(entry *Entry, fields []string) bool {
	if len(fields) < 4 {
		return false
	}
	if fields[2] == "<DIR>" {
		entry.Type = "dir"
		entry.Name = strings.Join(fields[3:], " ")
		return true
	}
	size, err := parseSize(fields[2])
	if err != nil {
		return false
	}
	entry.Type = "file"
	entry.Size = size
	entry.Name = strings.Join(fields[3:], " ")
	return true
}

func parseSize(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}
