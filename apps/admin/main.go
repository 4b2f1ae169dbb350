package main

import (
	"fmt"
	"log"
	"os"

	"github.com/encuestas/backend/core"
	"github.com/encuestas/backend/core/assignment"
	"github.com/encuestas/backend/core/etl"
	"github.com/encuestas/backend/core/survey"
	"github.com/encuestas/backend/services/lock"
	logsvc "github.com/encuestas/backend/services/logger"
	"github.com/encuestas/backend/storage/database"
	sqlxrepos "github.com/encuestas/backend/storage/database/sqlx"
	"github.com/encuestas/backend/storage/sapientia"
)

var logger core.Logger

func main() {
	conf := core.NewConfig()

	rbLogger, err := logsvc.NewRollbarLogger("ADMIN", conf)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = rbLogger.Sync() }()
	logger = rbLogger

	// set up DB
	db, err := database.Open(conf)
	errAndDie(err)
	defer db.Close()

	locker, err := lock.New(conf)
	errAndDie(err)

	// set up services
	repo := sqlxrepos.NewSurveyRepository(db)
	materializer := assignment.NewMaterializer(
		sqlxrepos.NewAssignmentStore(db), sapientia.NewResolver(db), assignment.NewConfig(conf), logger,
	)

	// start CLI
	cli := commandLine{
		conf:    conf,
		db:      db.DB,
		surveys: survey.NewService(repo, materializer, locker, conf, logger),
		etl:     etl.NewRunner(sqlxrepos.NewWarehouse(db), locker, etl.NewConfig(conf), logger),
		in:      os.Stdin,
		out:     os.Stdout,
	}
	if err = cli.run(os.Args); err != nil {
		if err != errHelp {
			fmt.Fprintf(os.Stderr, "\nerror: %s\n", err)
		}
		_ = rbLogger.Sync()
		os.Exit(1)
	}
}

func errAndDie(err error) {
	if err != nil {
		logger.Fatal(err.Error(), err)
	}
}
