package report

import (
	"context"
	"fmt"

	"github.com/voidshard/b1k/pkg/config"
	"github.com/voidshard/b1k/pkg/errors"
)

// Report target types
const (
	TypeFile     = "file"
	TypeMySQL    = "mysql"
	TypePostgres = "postgres"
)

// Open builds the Sink configured by section `report:<name>`.
//
// SQL sinks are wrapped in a Breaker.
func Open(ctx context.Context, cfg *config.Store, name string) (Sink, error) {
	section := config.PrefixReport + name
	kind, err := cfg.Get(section, "type")
	if err != nil {
		return nil, err
	}

	switch kind {
	case TypeFile:
		if err := cfg.Validate(section, []string{"type", "path"}, nil); err != nil {
			return nil, err
		}
		path, err := cfg.Get(section, "path")
		if err != nil {
			return nil, err
		}
		return NewFile(path), nil
	case TypeMySQL:
		if err := cfg.Validate(section, []string{"type", "server", "db", "user", "password"}, nil); err != nil {
			return nil, err
		}
		vals, err := getAll(cfg, section, "server", "db", "user", "password")
		if err != nil {
			return nil, err
		}
		opts := &Options{URL: MySQLDSN(vals[0], vals[1], vals[2], vals[3])}
		sink, err := NewMySQL(ctx, opts)
		if err != nil {
			return nil, err
		}
		return NewBreaker(name, sink, opts), nil
	case TypePostgres:
		if err := cfg.Validate(section, []string{"type", "url"}, nil); err != nil {
			return nil, err
		}
		url, err := cfg.Get(section, "url")
		if err != nil {
			return nil, err
		}
		opts := &Options{URL: url}
		sink, err := NewPostgres(ctx, opts)
		if err != nil {
			return nil, err
		}
		return NewBreaker(name, sink, opts), nil
	}
	return nil, fmt.Errorf("%w: report '%s' has type '%s'", errors.ErrUnknownType, name, kind)
}

// MigrateSection runs schema migrations for the SQL target of section `report:<name>`.
func MigrateSection(cfg *config.Store, name string) error {
	section := config.PrefixReport + name
	kind, err := cfg.Get(section, "type")
	if err != nil {
		return err
	}
	switch kind {
	case TypeMySQL:
		vals, err := getAll(cfg, section, "server", "db", "user", "password")
		if err != nil {
			return err
		}
		return Migrate(kind, MySQLDSN(vals[0], vals[1], vals[2], vals[3]))
	case TypePostgres:
		url, err := cfg.Get(section, "url")
		if err != nil {
			return err
		}
		return Migrate(kind, (&Options{URL: url}).url())
	}
	return fmt.Errorf("%w: report '%s' of type '%s' has no schema", errors.ErrNotSupported, name, kind)
}

func getAll(cfg *config.Store, section string, keys ...string) ([]string, error) {
	out := make([]string, len(keys))
	for i, k := range keys {
		v, err := cfg.Get(section, k)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}
