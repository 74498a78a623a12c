package main

import (
	"github.com/voidshard/b1k/internal/logger"
	"github.com/voidshard/b1k/pkg/report"
)

const (
	docMigrate = `Apply the schema migrations for a SQL report sink (mysql or postgres).`
)

type optsMigrate struct {
	optsGeneral

	Report string `long:"report" description:"Report to migrate (without 'report:')" required:"yes"`
}

func (c *optsMigrate) Execute(args []string) error {
	cfg, _, err := c.setup()
	if err != nil {
		return err
	}
	if err := report.MigrateSection(cfg, c.Report); err != nil {
		return err
	}
	logger.With(logger.Fields{"report": c.Report}).Info("schema up to date")
	return nil
}
