package reconcile

import (
	"fmt"
	"strings"

	"github.com/grafana/regexp"
)

// Filter holds the compiled include, exclude and ignore globs of a transfer
// definition. Globs follow shell fnmatch rules except that `*` also matches
// `/`, and they are matched against the full path of a candidate.
type Filter struct {
	include []*regexp.Regexp
	exclude []*regexp.Regexp
	ignore  []*regexp.Regexp
}

// Substitute resolves the identifier placeholders allowed in filters and
// path templates.
func Substitute(s, cruiseID, loweringID string) string {
	return strings.NewReplacer("{cruiseID}", cruiseID, "{loweringID}", loweringID).Replace(s)
}

// NewFilter compiles comma separated glob lists after placeholder
// substitution. An empty include list includes everything.
func NewFilter(include, exclude, ignore, cruiseID, loweringID string) (*Filter, error) {
	var f Filter
	var err error
	if strings.TrimSpace(include) == "" {
		include = "*"
	}
	if f.include, err = compileList(Substitute(include, cruiseID, loweringID)); err != nil {
		return nil, fmt.Errorf("include filter: %w", err)
	}
	if f.exclude, err = compileList(Substitute(exclude, cruiseID, loweringID)); err != nil {
		return nil, fmt.Errorf("exclude filter: %w", err)
	}
	if f.ignore, err = compileList(Substitute(ignore, cruiseID, loweringID)); err != nil {
		return nil, fmt.Errorf("ignore filter: %w", err)
	}
	return &f, nil
}

// MatchAll is a filter that includes every file.
func MatchAll() *Filter {
	f, _ := NewFilter("*", "", "", "", "")
	return f
}

// Ignored reports whether path is dropped without being recorded anywhere.
func (f *Filter) Ignored(path string) bool { return anyMatch(f.ignore, path) }

// Included reports whether path passes the include and exclude globs.
func (f *Filter) Included(path string) bool {
	return anyMatch(f.include, path) && !anyMatch(f.exclude, path)
}

func anyMatch(res []*regexp.Regexp, s string) bool {
	for _, re := range res {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

func compileList(list string) ([]*regexp.Regexp, error) {
	var out []*regexp.Regexp
	for _, p := range strings.Split(list, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		re, err := CompileGlob(p)
		if err != nil {
			return nil, err
		}
		out = append(out, re)
	}
	return out, nil
}

// CompileGlob translates one fnmatch pattern into an anchored regexp.
func CompileGlob(pattern string) (*regexp.Regexp, error) {
	rs := []rune(pattern)
	var b strings.Builder
	b.WriteString(`(?s)^`)
	for i := 0; i < len(rs); i++ {
		switch c := rs[i]; c {
		case '*':
			b.WriteString(`.*`)
		case '?':
			b.WriteString(`.`)
		case '[':
			j := i + 1
			if j < len(rs) && rs[j] == '!' {
				j++
			}
			if j < len(rs) && rs[j] == ']' {
				j++
			}
			for j < len(rs) && rs[j] != ']' {
				j++
			}
			if j >= len(rs) {
				// unterminated class is a literal bracket
				b.WriteString(`\[`)
				continue
			}
			class := string(rs[i+1 : j])
			b.WriteByte('[')
			if strings.HasPrefix(class, "!") {
				b.WriteByte('^')
				class = class[1:]
			} else if strings.HasPrefix(class, "^") {
				b.WriteByte('\\')
			}
			b.WriteString(strings.ReplaceAll(class, `\`, `\\`))
			b.WriteByte(']')
			i = j
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	b.WriteString(`$`)
	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, fmt.Errorf("glob %q: %w", pattern, err)
	}
	return re, nil
}
