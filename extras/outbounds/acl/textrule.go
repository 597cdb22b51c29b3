package acl

import (
	"bufio"
	"io"
	"os"
	"regexp"
	"strings"
)

// TextRule is one line of an ACL, e.g.
//
//	direct(suffix:example.com, tcp/443)
//	reject(10.0.0.0/8)
//	direct(internal.example, *, 192.168.1.10)
type TextRule struct {
	Outbound      string
	Address       string
	ProtoPort     string
	HijackAddress string
	LineNum       int
}

var linePattern = regexp.MustCompile(`^(\w+)\s*\(([^,]+)(?:,([^,]+))?(?:,([^,]+))?\)$`)

// ParseTextRules parses rules, one per line. Blank lines and text after #
// are ignored.
func ParseTextRules(text string) ([]TextRule, error) {
	return parse(strings.NewReader(text))
}

// ParseTextRulesFile is ParseTextRules on the contents of a file.
func ParseTextRulesFile(path string) ([]TextRule, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return parse(f)
}

func parse(r io.Reader) ([]TextRule, error) {
	var rules []TextRule
	sc := bufio.NewScanner(r)
	lineNum := 0
	for sc.Scan() {
		lineNum++
		line := sc.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		m := linePattern.FindStringSubmatch(line)
		if m == nil {
			return nil, &CompilationError{lineNum, "invalid syntax"}
		}
		rules = append(rules, TextRule{
			Outbound:      strings.TrimSpace(m[1]),
			Address:       strings.TrimSpace(m[2]),
			ProtoPort:     strings.TrimSpace(m[3]),
			HijackAddress: strings.TrimSpace(m[4]),
			LineNum:       lineNum,
		})
	}
	return rules, sc.Err()
}
