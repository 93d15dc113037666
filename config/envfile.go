package config

import (
	"os"
	"strings"

	"github.com/cockroachdb/errors"
)

// EnvLine is one KEY=VALUE assignment from an env file.
type EnvLine struct {
	Key string `json:"key"`
	Val string `json:"val"`
}

// ParseEnvFile reads an env file. A missing file yields no lines.
func ParseEnvFile(filename string) ([]EnvLine, error) {
	buf, err := os.ReadFile(filename)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", filename)
	}
	return ParseEnvBuffer(buf), nil
}

// ParseEnvBuffer parses KEY=VALUE lines. Blank lines and lines starting with
// # are skipped, an optional "export " is dropped and values lose one level
// of matching quotes. ${NAME} and ${NAME:-default} refer to earlier lines of
// the same buffer; ${env:NAME} reads the process environment.
func ParseEnvBuffer(buf []byte) []EnvLine {
	var lines []EnvLine
	vars := make(map[string]string)
	for _, raw := range strings.Split(string(buf), "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		key, val, _ := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		val = expand(dequote(strings.TrimSpace(val)), vars)
		vars[key] = val
		lines = append(lines, EnvLine{Key: key, Val: val})
	}
	return lines
}

func dequote(s string) string {
	if len(s) >= 2 && (s[0] == '"' || s[0] == '\'') && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1]
	}
	return s
}

// expand substitutes ${...} references. Unresolvable references without a
// default are left as written.
func expand(s string, vars map[string]string) string {
	var out strings.Builder
	for {
		start := strings.Index(s, "${")
		if start < 0 {
			break
		}
		end := strings.IndexByte(s[start:], '}')
		if end < 0 {
			break
		}
		end += start
		out.WriteString(s[:start])
		ref := s[start : end+1]
		name, def, _ := strings.Cut(s[start+2:end], ":-")

		var val string
		if envName, ok := strings.CutPrefix(name, "env:"); ok {
			val = os.Getenv(envName)
		} else {
			val = vars[name]
		}
		switch {
		case val != "":
			out.WriteString(val)
		case def != "":
			out.WriteString(def)
		default:
			out.WriteString(ref)
		}
		s = s[end+1:]
	}
	out.WriteString(s)
	return out.String()
}

// LoadEnvFile sets every variable from filename that is not already set in
// the process environment. A missing file is not an error.
func LoadEnvFile(filename string) error {
	lines, err := ParseEnvFile(filename)
	if err != nil {
		return err
	}
	for _, l := range lines {
		if _, ok := os.LookupEnv(l.Key); ok {
			continue
		}
		if err := os.Setenv(l.Key, l.Val); err != nil {
			return errors.Wrapf(err, "set %s", l.Key)
		}
	}
	return nil
}
