package migrate

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io/fs"
	"path"
	"sort"
	"strings"
)

// script is one SQL file plus the fingerprint stored alongside its record.
type script struct {
	name     string
	path     string
	body     string
	checksum string
}

func checksum(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// loadScripts reads every file in dir ending in suffix, ordered by file name.
// A missing directory yields no scripts.
func loadScripts(fsys fs.FS, dir, suffix string) ([]script, error) {
	if fsys == nil || dir == "" {
		return nil, nil
	}
	entries, err := fs.ReadDir(fsys, dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	out := make([]script, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), suffix) {
			continue
		}
		p := path.Join(dir, e.Name())
		body, err := fs.ReadFile(fsys, p)
		if err != nil {
			return nil, err
		}
		out = append(out, script{name: e.Name(), path: p, body: string(body), checksum: checksum(body)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out, nil
}

func readScript(fsys fs.FS, p string) (script, error) {
	body, err := fs.ReadFile(fsys, p)
	if err != nil {
		return script{}, err
	}
	return script{name: path.Base(p), path: p, body: string(body), checksum: checksum(body)}, nil
}

// splitStatements breaks src on semicolons that sit outside quoted
// literals, dollar-quoted bodies and line comments.
func splitStatements(src string) []string {
	var (
		out    []string
		start  int
		quote  byte
		dollar string
	)
	flush := func(end int) {
		if stmt := strings.TrimSpace(src[start:end]); hasCode(stmt) {
			out = append(out, stmt)
		}
	}
	for i := 0; i < len(src); i++ {
		c := src[i]
		switch {
		case dollar != "":
			if strings.HasPrefix(src[i:], dollar) {
				i += len(dollar) - 1
				dollar = ""
			}
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
		case c == '-' && strings.HasPrefix(src[i:], "--"):
			if nl := strings.IndexByte(src[i:], '\n'); nl >= 0 {
				i += nl
			} else {
				i = len(src) - 1
			}
		case c == '$':
			if tag, ok := dollarTag(src[i:]); ok {
				dollar = tag
				i += len(tag) - 1
			}
		case c == ';':
			flush(i)
			start = i + 1
		}
	}
	flush(len(src))
	return out
}

// dollarTag matches $$ or $name$ at the start of s.
func dollarTag(s string) (string, bool) {
	for j := 1; j < len(s); j++ {
		c := s[j]
		switch {
		case c == '$':
			return s[:j+1], true
		case c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9' && j > 1:
		default:
			return "", false
		}
	}
	return "", false
}

func hasCode(stmt string) bool {
	for _, line := range strings.Split(stmt, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "--") {
			return true
		}
	}
	return false
}
