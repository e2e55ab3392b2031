package reconcile

import (
	"bufio"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"
)

const listingTimeLayout = "2006/01/02 15:04:05"

// ParseRsyncListing reads `rsync --list-only` output and returns the regular
// files it names, prefixed with root so they line up with local walks.
// Directories, links and devices are skipped. Listing times are read as UTC;
// callers run rsync with TZ=UTC so the client formats them that way.
func ParseRsyncListing(output, root string) ([]Entry, error) {
	var out []Entry
	sc := bufio.NewScanner(strings.NewReader(output))
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if len(line) == 0 || line[0] != '-' {
			continue
		}
		// perms size date time name, where name may contain spaces
		fields := strings.Fields(line)
		if len(fields) < 5 {
			return nil, fmt.Errorf("listing line %q: too few fields", line)
		}
		size, err := strconv.ParseInt(strings.ReplaceAll(fields[1], ",", ""), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("listing line %q: size: %w", line, err)
		}
		mtime, err := time.ParseInLocation(listingTimeLayout, fields[2]+" "+fields[3], time.UTC)
		if err != nil {
			return nil, fmt.Errorf("listing line %q: time: %w", line, err)
		}
		name := nameAfterFields(line, 4)
		if name == "" || name == "." {
			continue
		}
		out = append(out, Entry{Path: path.Join(root, name), Size: size, ModTime: mtime})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// nameAfterFields returns the remainder of line after skipping n
// whitespace separated fields, preserving inner spaces of the name.
func nameAfterFields(line string, n int) string {
	rest := line
	for i := 0; i < n; i++ {
		rest = strings.TrimLeft(rest, " \t")
		idx := strings.IndexAny(rest, " \t")
		if idx < 0 {
			return ""
		}
		rest = rest[idx:]
	}
	return strings.TrimLeft(rest, " \t")
}
