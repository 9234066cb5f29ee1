// Package rules classifies site URLs against the url.config policy file.
//
// The file is line oriented. Blank lines and lines starting with '#' are skipped.
// A line starting with ::includes, ::excludes, ::nocaches or ::directs switches the
// active section (includes until the first header). Every other line is a regular
// expression appended to the active section.
package rules

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/jnovack/offlineweb/pkg/errdefs"
)

// Section names a rule category.
type Section string

const (
	Includes Section = "includes"
	Excludes Section = "excludes"
	Nocaches Section = "nocaches"
	Directs  Section = "directs"
)

// Rules holds the compiled pattern lists. It is immutable after Parse.
type Rules struct {
	Includes []*regexp.Regexp
	Excludes []*regexp.Regexp
	Nocaches []*regexp.Regexp
	Directs  []*regexp.Regexp
}

// Classification is the set of sections a URL matched. More than one may be true.
type Classification struct {
	Include bool `json:"include"`
	Exclude bool `json:"exclude"`
	NoCache bool `json:"nocache"`
	Direct  bool `json:"direct"`
}

// Load reads and parses the policy file at path.
func Load(path string) (*Rules, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.ErrConfig, "open "+path, err)
	}
	defer f.Close()
	r, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return r, nil
}

// Parse compiles a policy from r. An invalid pattern fails the whole parse.
func Parse(r io.Reader) (*Rules, error) {
	rs := &Rules{}
	active := &rs.Includes
	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimRight(sc.Text(), " \t\r\n\v\f")
		if line == "" || line[0] == '#' {
			continue
		}
		if strings.HasPrefix(line, "::") {
			if list := rs.section(line); list != nil {
				active = list
				continue
			}
		}
		re, err := regexp.Compile(line)
		if err != nil {
			return nil, errdefs.Wrap(errdefs.ErrConfig, fmt.Sprintf("line %d", lineNo), err)
		}
		*active = append(*active, re)
	}
	if err := sc.Err(); err != nil {
		return nil, errdefs.Wrap(errdefs.ErrConfig, "read rules", err)
	}
	return rs, nil
}

func (rs *Rules) section(line string) *[]*regexp.Regexp {
	switch {
	case strings.HasPrefix(line, "::"+string(Includes)):
		return &rs.Includes
	case strings.HasPrefix(line, "::"+string(Excludes)):
		return &rs.Excludes
	case strings.HasPrefix(line, "::"+string(Nocaches)):
		return &rs.Nocaches
	case strings.HasPrefix(line, "::"+string(Directs)):
		return &rs.Directs
	}
	return nil
}

// Classify matches siteURL against every section.
func (rs *Rules) Classify(siteURL string) Classification {
	if rs == nil {
		return Classification{}
	}
	return Classification{
		Include: anyMatch(rs.Includes, siteURL),
		Exclude: anyMatch(rs.Excludes, siteURL),
		NoCache: anyMatch(rs.Nocaches, siteURL),
		Direct:  anyMatch(rs.Directs, siteURL),
	}
}

// Len returns the number of patterns per section.
func (rs *Rules) Len() map[Section]int {
	return map[Section]int{
		Includes: len(rs.Includes),
		Excludes: len(rs.Excludes),
		Nocaches: len(rs.Nocaches),
		Directs:  len(rs.Directs),
	}
}

func anyMatch(list []*regexp.Regexp, s string) bool {
	for _, re := range list {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}
