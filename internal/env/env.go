package env

import (
	"os"
	"sort"
	"strings"
)

type Var map[string]string

// Env composes the environment handed to the embedded service.
// Precedence, lowest to highest: OS base (minus dropped prefixes), Var, Merge's fixed list.
type Env struct {
	Var  Var      // configured overrides (K->V)
	env  Var      // cached base from OS environment
	drop []string // prefixes removed from the base
}

func New() *Env {
	return &Env{
		Var: make(Var),
	}
}

// FromOS caches the current process environment as the base.
func (e *Env) FromOS() {
	e.FromList(os.Environ())
}

// FromList replaces the base with the given "K=V" list.
func (e *Env) FromList(kvs []string) {
	base := make(Var, len(kvs))
	for _, kv := range kvs {
		if k, v, ok := split(kv); ok {
			base[k] = v
		}
	}
	e.env = base
}

// DropPrefix removes every inherited variable whose key starts with prefix.
// Configured and fixed variables are unaffected.
func (e *Env) DropPrefix(prefix string) {
	if prefix != "" {
		e.drop = append(e.drop, prefix)
	}
}

// Set sets an override K=V.
func (e *Env) Set(k, v string) {
	if e.Var == nil {
		e.Var = make(Var)
	}
	e.Var[k] = v
}

// SetList applies "K=V" overrides in order; malformed entries are skipped.
func (e *Env) SetList(kvs []string) {
	for _, kv := range kvs {
		if k, v, ok := split(kv); ok {
			e.Set(k, v)
		}
	}
}

// Unset removes an override.
func (e *Env) Unset(k string) {
	if e.Var != nil {
		delete(e.Var, k)
	}
}

// Merge composes the final environment: base, then overrides, then fixed.
// Values get ${VAR} expansion against the composed map (single pass, no recursion).
// The result is sorted by key.
func (e *Env) Merge(fixed []string) []string {
	m := e.Map(fixed)
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// Map is Merge returning the expanded map instead of a list.
func (e *Env) Map(fixed []string) Var {
	if e.env == nil {
		e.FromOS()
	}
	m := make(Var, len(e.env)+len(e.Var)+len(fixed))
	for k, v := range e.env {
		if e.dropped(k) {
			continue
		}
		m[k] = v
	}
	for k, v := range e.Var {
		if k == "" {
			continue
		}
		m[k] = v
	}
	for _, kv := range fixed {
		if k, v, ok := split(kv); ok {
			m[k] = v
		}
	}
	expanded := make(Var, len(m))
	for k, v := range m {
		expanded[k] = Expand(v, m)
	}
	return expanded
}

func (e *Env) dropped(k string) bool {
	for _, p := range e.drop {
		if strings.HasPrefix(k, p) {
			return true
		}
	}
	return false
}

// Expand replaces ${VAR} placeholders in s with values from m.
// Unknown placeholders are left untouched.
func Expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	res := s
	for k, v := range m {
		res = strings.ReplaceAll(res, "${"+k+"}", v)
	}
	return res
}

// ExpandAll applies Expand to every element of ss.
func ExpandAll(ss []string, m Var) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = Expand(s, m)
	}
	return out
}

func split(kv string) (string, string, bool) {
	i := strings.IndexByte(kv, '=')
	if i <= 0 {
		return "", "", false
	}
	return kv[:i], kv[i+1:], true
}
