// Package main - Atlas GORM migration support binary
package main

import (
	"fmt"

	"ariga.io/atlas-provider-gorm/gormschema"
	"github.com/alwitt/fieldsync/db"
	"github.com/apex/log"
	"github.com/spf13/pflag"
)

func main() {
	dialect := pflag.String("dialect", "postgres", "target SQL dialect: postgres or sqlite")
	pflag.Parse()

	if *dialect != "postgres" && *dialect != "sqlite" {
		log.WithField("dialect", *dialect).Fatal("Unsupported dialect")
	}

	stmts, err := gormschema.New(*dialect).Load(db.AllTables()...)
	if err != nil {
		log.WithError(err).Fatal("Failed to load GORM models")
	}
	fmt.Printf("%s\n", stmts)
}
