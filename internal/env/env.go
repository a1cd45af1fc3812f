package env

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

type Var map[string]string

// Env composes the environment handed to the worker.
type Env struct {
	Var  Var // overrides applied on top of the base (K->V)
	base Var // cached base, the bot's own environment unless set
}

func New() *Env {
	return &Env{
		Var: make(Var),
	}
}

// FromOS caches the current process environment as the base.
func (e *Env) FromOS() {
	base := make(Var)
	for _, kv := range os.Environ() {
		if k, v, ok := split(kv); ok {
			base[k] = v
		}
	}
	e.base = base
}

// WithBase replaces the base environment. A nil base means empty.
func (e *Env) WithBase(base Var) *Env {
	e.base = make(Var, len(base))
	for k, v := range base {
		e.base[k] = v
	}
	return e
}

// Set sets an override K=V.
func (e *Env) Set(k, v string) {
	if e.Var == nil {
		e.Var = make(Var)
	}
	e.Var[k] = v
}

// WithSet is Set in chaining form.
func (e *Env) WithSet(k, v string) *Env {
	e.Set(k, v)
	return e
}

// Load applies the KEY=VALUE pairs of each file in order.
func (e *Env) Load(files ...string) error {
	for _, p := range files {
		pairs, err := LoadFile(p)
		if err != nil {
			return fmt.Errorf("env file %s: %w", p, err)
		}
		for k, v := range pairs {
			e.Set(k, v)
		}
	}
	return nil
}

// Merge composes the final environment in this order:
// base (OS env unless WithBase was used), then e.Var, then perProc "K=V"
// entries. ${VAR} references in override values are expanded against the
// composed map, one level deep. The result is sorted by key.
func (e *Env) Merge(perProc []string) []string {
	if e.base == nil {
		e.FromOS()
	}
	m := make(Var, len(e.base)+len(e.Var)+len(perProc))
	for k, v := range e.base {
		m[k] = v
	}
	over := make(Var)
	for k, v := range e.Var {
		if k != "" {
			over[k] = v
		}
	}
	for _, kv := range perProc {
		if k, v, ok := split(kv); ok {
			over[k] = v
		}
	}
	for k, v := range over {
		m[k] = v
	}
	expanded := make(Var, len(over))
	for k, v := range over {
		expanded[k] = expand(v, m)
	}
	for k, v := range expanded {
		m[k] = v
	}
	return sorted(m)
}

// Pairs returns e.Var with perProc applied on top, unexpanded and without
// the base environment, sorted by key.
func (e *Env) Pairs(perProc []string) []string {
	m := make(Var, len(e.Var)+len(perProc))
	for k, v := range e.Var {
		if k != "" {
			m[k] = v
		}
	}
	for _, kv := range perProc {
		if k, v, ok := split(kv); ok {
			m[k] = v
		}
	}
	return sorted(m)
}

// LoadFile parses a simple .env file with KEY=VALUE lines (no export, no
// quotes). Blank lines and lines starting with # are ignored.
func LoadFile(path string) (Var, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	m := make(Var)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i > 0 {
			m[strings.TrimSpace(line[:i])] = strings.TrimSpace(line[i+1:])
		}
	}
	return m, sc.Err()
}

func split(kv string) (string, string, bool) {
	i := strings.IndexByte(kv, '=')
	if i <= 0 {
		return "", "", false
	}
	return kv[:i], kv[i+1:], true
}

// expand replaces ${NAME} with m[NAME]. Unknown names expand to "".
// An unterminated "${" is kept verbatim.
func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			b.WriteString(s)
			break
		}
		j := strings.IndexByte(s[i+2:], '}')
		if j < 0 {
			b.WriteString(s)
			break
		}
		b.WriteString(s[:i])
		b.WriteString(m[s[i+2:i+2+j]])
		s = s[i+2+j+1:]
	}
	return b.String()
}

func sorted(m Var) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+m[k])
	}
	return out
}
