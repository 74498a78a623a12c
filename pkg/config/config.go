// Package config holds the job configuration: an ini file of `global`, `job:<name>`,
// `dest:<name>` & `report:<name>` sections whose values may reference each other
// with `$name` variables.
package config

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"gopkg.in/ini.v1"

	"github.com/voidshard/b1k/internal/utils"
	"github.com/voidshard/b1k/pkg/errors"
)

const (
	// Global is the fallback section for variable lookups
	Global = "global"

	PrefixJob    = "job:"
	PrefixDest   = "dest:"
	PrefixReport = "report:"

	// maxDepth bounds nested variable lookups so self referencing values fail
	// rather than recurse forever
	maxDepth = 16
)

var (
	varPattern = regexp.MustCompile(`\$[a-zA-Z][a-zA-Z0-9_]*`)

	// errNoKey is internal; callers see errors.ErrMissingParam
	errNoKey = fmt.Errorf("%w", errors.ErrMissingParam)
)

// Store is a parsed, read only configuration.
//
// Runtime values are layered on top with Overlay, which returns a new Store and
// leaves the receiver untouched, so a Store can be shared between goroutines.
type Store struct {
	order    []string
	sections map[string]map[string]string
	keys     map[string][]string
	overlay  map[string]map[string]string

	// exec runs `!command` values, returning their output
	exec func(cmd string) (string, error)
}

// Load reads the configuration file at path.
func Load(path string) (*Store, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Parse(f)
}

// Parse reads configuration from r.
func Parse(r io.Reader) (*Store, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	file, err := ini.LoadSources(ini.LoadOptions{IgnoreInlineComment: true}, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrConfig, err)
	}

	s := newStore()
	for _, sec := range file.Sections() {
		name := sec.Name()
		if name == ini.DefaultSection {
			if len(sec.Keys()) > 0 {
				return nil, fmt.Errorf("%w: values outside of a section are not allowed", errors.ErrConfig)
			}
			continue
		}
		if !allowedSection(name) {
			return nil, fmt.Errorf("%w: section '%s' is not allowed", errors.ErrConfig, name)
		}
		s.order = append(s.order, name)
		s.sections[name] = map[string]string{}
		for _, k := range sec.Keys() {
			s.sections[name][k.Name()] = k.String()
			s.keys[name] = append(s.keys[name], k.Name())
		}
	}

	return s, nil
}

func newStore() *Store {
	return &Store{
		order:    []string{},
		sections: map[string]map[string]string{},
		keys:     map[string][]string{},
		overlay:  map[string]map[string]string{},
		exec:     execCommand,
	}
}

func allowedSection(name string) bool {
	return name == Global ||
		strings.HasPrefix(name, PrefixJob) ||
		strings.HasPrefix(name, PrefixDest) ||
		strings.HasPrefix(name, PrefixReport)
}

// Overlay returns a copy of the store where `vars` are visible as keys of `section`.
//
// Overlaid keys shadow file keys but are not subject to Validate.
func (s *Store) Overlay(section string, vars map[string]string) *Store {
	cp := *s
	cp.overlay = map[string]map[string]string{}
	for sec, kv := range s.overlay {
		cp.overlay[sec] = kv
	}
	merged := map[string]string{}
	for k, v := range s.overlay[section] {
		merged[k] = v
	}
	for k, v := range vars {
		merged[k] = v
	}
	cp.overlay[section] = merged
	return &cp
}

// Sections returns the names of all sections starting with prefix, in file order.
func (s *Store) Sections(prefix string) []string {
	out := []string{}
	for _, name := range s.order {
		if strings.HasPrefix(name, prefix) {
			out = append(out, name)
		}
	}
	return out
}

// HasSection returns if the section exists in the file.
func (s *Store) HasSection(section string) bool {
	_, ok := s.sections[section]
	return ok
}

// HasKey returns if the key is set (in the file or an overlay) for section.
func (s *Store) HasKey(section, key string) bool {
	_, ok := s.raw(section, key)
	return ok
}

func (s *Store) raw(section, key string) (string, bool) {
	if kv, ok := s.overlay[section]; ok {
		if v, ok := kv[key]; ok {
			return v, true
		}
	}
	kv, ok := s.sections[section]
	if !ok {
		return "", false
	}
	v, ok := kv[key]
	return v, ok
}

// Get returns the value of key in section with all `$name` variables substituted.
//
// Variables are looked up in section first, then in the global section.
func (s *Store) Get(section, key string) (string, error) {
	return s.get(section, key, 0)
}

func (s *Store) get(section, key string, depth int) (string, error) {
	if depth > maxDepth {
		return "", fmt.Errorf("%w: resolving '%s' in section '%s'", errors.ErrSubstitutionDepth, key, section)
	}

	value, ok := s.raw(section, key)
	if !ok {
		return "", fmt.Errorf("%w '%s' in section '%s'", errNoKey, key, section)
	}

	var failed error
	value = varPattern.ReplaceAllStringFunc(value, func(v string) string {
		if failed != nil {
			return v
		}
		sub, err := s.lookup(section, v[1:], depth+1)
		if err != nil {
			failed = err
			return v
		}
		return sub
	})

	return value, failed
}

// lookup resolves a variable locally, then globally.
func (s *Store) lookup(section, name string, depth int) (string, error) {
	sub, err := s.get(section, name, depth)
	if err == nil {
		return sub, nil
	} else if !stderrors.Is(err, errNoKey) || section == Global {
		if stderrors.Is(err, errNoKey) {
			return "", fmt.Errorf("%w: $%s", errors.ErrUndefinedVariable, name)
		}
		return "", err
	}

	sub, err = s.get(Global, name, depth)
	if stderrors.Is(err, errNoKey) {
		return "", fmt.Errorf("%w: $%s", errors.ErrUndefinedVariable, name)
	}
	return sub, err
}

// GetDefault is Get, returning def if the key is not set.
//
// Substitution errors are still returned.
func (s *Store) GetDefault(section, key, def string) (string, error) {
	if !s.HasKey(section, key) {
		return def, nil
	}
	return s.Get(section, key)
}

// GetExec is Get, except a value starting with "!" is run as a shell command
// and its output used as the value.
func (s *Store) GetExec(section, key string) (string, error) {
	value, err := s.Get(section, key)
	if err != nil {
		return "", err
	}
	if !strings.HasPrefix(value, "!") {
		return value, nil
	}
	out, err := s.exec(value[1:])
	if err != nil {
		return "", fmt.Errorf("%w: running '%s' for '%s' in section '%s': %v", errors.ErrConfig, value[1:], key, section, err)
	}
	return out, nil
}

// GetExecDefault is GetExec, returning def if the key is not set.
func (s *Store) GetExecDefault(section, key, def string) (string, error) {
	if !s.HasKey(section, key) {
		return def, nil
	}
	return s.GetExec(section, key)
}

// Validate checks that section sets every required key & nothing outside of
// required + allowed.
func (s *Store) Validate(section string, required, allowed []string) error {
	kv, ok := s.sections[section]
	if !ok {
		return fmt.Errorf("%w: section '%s' not defined", errors.ErrConfig, section)
	}
	permitted := map[string]bool{}
	for _, r := range required {
		if _, ok := kv[r]; !ok {
			return fmt.Errorf("%w '%s' in section '%s'", errors.ErrMissingParam, r, section)
		}
		permitted[r] = true
	}
	for _, a := range allowed {
		permitted[a] = true
	}
	for _, k := range s.keys[section] {
		if !permitted[k] {
			return fmt.Errorf("%w: '%s' in section '%s'", errors.ErrParamNotAllowed, k, section)
		}
	}
	return nil
}

func execCommand(cmd string) (string, error) {
	out, err := utils.ShellCommand(context.Background(), cmd).Output()
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(out), "\n"), nil
}
