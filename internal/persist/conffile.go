// Package persist implements the small key=value, #-comment-line file
// format used to persist counters and other tiny bits of daemon state
// across restarts. Grounded on
// original_source/src/daemonlib/conf_file.c: duplicate keys take the
// last occurrence, unrecognized lines (comments, blanks, malformed
// "name" with no "=") are preserved verbatim and rewritten in place,
// and the file is written atomically via a temporary file plus rename.
package persist

import (
	"bufio"
	"fmt"
	"os"
	"runtime"
	"strings"
)

type line struct {
	raw   string // original text of a line that is not a name/value pair (name == "")
	name  string
	value string
}

// File is an in-memory parse of a conf-style file. The zero value is an
// empty file ready to be populated with Set and written with WriteTo.
type File struct {
	lines []line
}

func endOfLine() string {
	if runtime.GOOS == "windows" {
		return "\r\n"
	}
	return "\n"
}

// Load reads and parses path. A missing file is treated as an empty one
// so first-run callers don't need a separate existence check.
func Load(path string) (*File, error) {
	f := &File{}

	fh, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return f, nil
		}
		return nil, fmt.Errorf("persist: open %s: %w", path, err)
	}
	defer fh.Close()

	scanner := bufio.NewScanner(fh)
	for scanner.Scan() {
		f.lines = append(f.lines, parseLine(scanner.Text()))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("persist: reading %s: %w", path, err)
	}

	return f, nil
}

func parseLine(text string) line {
	trimmed := strings.TrimLeft(text, " \t\r")
	if trimmed == "" || strings.HasPrefix(trimmed, "#") {
		return line{raw: text}
	}

	eq := strings.IndexByte(trimmed, '=')
	if eq < 0 {
		return line{raw: text}
	}

	name := strings.TrimRight(trimmed[:eq], " \t\r")
	if name == "" {
		return line{raw: text}
	}
	value := strings.Trim(trimmed[eq+1:], " \t\r")

	return line{name: name, value: value}
}

// Get returns the value of the last occurrence of name (case-insensitive),
// matching conf_file_get_option_value's "later instances override earlier
// ones" rule.
func (f *File) Get(name string) (string, bool) {
	for i := len(f.lines) - 1; i >= 0; i-- {
		l := f.lines[i]
		if l.raw == "" && strings.EqualFold(l.name, name) {
			return l.value, true
		}
	}
	return "", false
}

// Set updates the last occurrence of name in place, or appends a new
// line if name isn't present yet.
func (f *File) Set(name, value string) {
	for i := len(f.lines) - 1; i >= 0; i-- {
		if f.lines[i].raw == "" && strings.EqualFold(f.lines[i].name, name) {
			f.lines[i].value = value
			return
		}
	}
	f.lines = append(f.lines, line{name: name, value: value})
}

// WriteTo atomically rewrites path: every line is written to path+".tmp",
// which is then renamed over path.
func (f *File) WriteTo(path string) error {
	tmp := path + ".tmp"

	fh, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("persist: create %s: %w", tmp, err)
	}

	eol := endOfLine()
	w := bufio.NewWriter(fh)
	for _, l := range f.lines {
		if l.name == "" {
			w.WriteString(l.raw)
		} else {
			w.WriteString(l.name)
			w.WriteString(" = ")
			w.WriteString(l.value)
		}
		w.WriteString(eol)
	}
	if err := w.Flush(); err != nil {
		fh.Close()
		return fmt.Errorf("persist: writing %s: %w", tmp, err)
	}
	if err := fh.Close(); err != nil {
		return fmt.Errorf("persist: closing %s: %w", tmp, err)
	}

	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("persist: renaming %s to %s: %w", tmp, path, err)
	}
	return nil
}
