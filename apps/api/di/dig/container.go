package dig_container

import (
	"fmt"
	"log"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"go.uber.org/dig"

	echoapi "github.com/encuestas/backend/apps/api/echo"
	"github.com/encuestas/backend/core"
	"github.com/encuestas/backend/core/assignment"
	"github.com/encuestas/backend/core/etl"
	"github.com/encuestas/backend/core/population"
	"github.com/encuestas/backend/core/response"
	"github.com/encuestas/backend/core/survey"
	logsvc "github.com/encuestas/backend/services/logger"
	"github.com/encuestas/backend/services/lock"
	"github.com/encuestas/backend/storage/database"
	sqlxrepos "github.com/encuestas/backend/storage/database/sqlx"
	"github.com/encuestas/backend/storage/sapientia"
)

type DBLoggerParam struct {
	dig.In
	Logger core.Logger `name:"dbLogger"`
}

type ETLLoggerParam struct {
	dig.In
	Logger core.Logger `name:"etlLogger"`
}

type serverParams struct {
	dig.In

	Conf          *core.Config
	Logger        core.Logger
	SurveySvc     *survey.Service
	AssignmentSvc *assignment.Service
	Ledger        *response.Ledger
	ETLRunner     *etl.Runner
	Population    population.Resolver
	Validate      *validator.Validate
	Translator    ut.Translator
}

func newRoleLogger(role string, conf *core.Config) core.Logger {
	logger, err := logsvc.NewRollbarLogger(role, conf)
	if err != nil {
		log.Fatal(errors.Wrapf(err, "setting up %s logger", role).Error())
	}
	return logger
}

func newLogger(conf *core.Config) core.Logger {
	return newRoleLogger("API", conf)
}

func newDBLogger(conf *core.Config) core.Logger {
	return newRoleLogger("DB", conf)
}

func newETLLogger(conf *core.Config) core.Logger {
	return newRoleLogger("ETL", conf)
}

func newDB(conf *core.Config, loggerParam DBLoggerParam) *sqlx.DB {
	setUp := func() (*sqlx.DB, error) {
		if err := database.CreateIfNotExist(conf); err != nil {
			return nil, err
		}

		db, err := database.Open(conf)
		if err != nil {
			return nil, err
		}

		if err = database.Migrate(db.DB); err != nil {
			return nil, err
		}
		return db, nil
	}

	db, err := setUp()
	if err != nil {
		loggerParam.Logger.Fatal(fmt.Sprintf("setting up database: %v", err), err)
	}
	return db
}

func newLocker(conf *core.Config, logger core.Logger) core.Locker {
	locker, err := lock.New(conf)
	if err != nil {
		logger.Fatal(fmt.Sprintf("setting up locker: %v", err), err)
	}
	return locker
}

func newTranslator() ut.Translator {
	_en := en.New()
	uni := ut.New(_en, _en)
	translator, _ := uni.GetTranslator("en")
	return translator
}

func newValidator(translator ut.Translator) *validator.Validate {
	validate := validator.New()
	core.InitValidators(validate, translator)
	return validate
}

func newMaterializer(conf *core.Config, store assignment.Store, resolver population.Resolver, logger core.Logger) survey.Materializer {
	return assignment.NewMaterializer(store, resolver, assignment.NewConfig(conf), logger)
}

func newAssignmentService(store assignment.Store, repo survey.Repository) *assignment.Service {
	return assignment.NewService(store, repo)
}

func newLedger(conf *core.Config, store response.Store, repo survey.Repository, assignments assignment.Store, logger core.Logger) *response.Ledger {
	return response.NewLedger(store, repo, assignments, response.NewConfig(conf), logger)
}

func newETLRunner(conf *core.Config, wh etl.Warehouse, locker core.Locker, loggerParam ETLLoggerParam) *etl.Runner {
	return etl.NewRunner(wh, locker, etl.NewConfig(conf), loggerParam.Logger)
}

func newServer(p serverParams) *echoapi.Server {
	return echoapi.NewServer(echoapi.ServerDeps{
		Conf:          p.Conf,
		Logger:        p.Logger,
		SurveySvc:     p.SurveySvc,
		AssignmentSvc: p.AssignmentSvc,
		Ledger:        p.Ledger,
		ETLRunner:     p.ETLRunner,
		Population:    p.Population,
		Validate:      p.Validate,
		Translator:    p.Translator,
	})
}

// New returns a new dependency injection dig.Container
func New() *dig.Container {
	c := dig.New()

	must(c.Provide(core.NewConfig))
	must(c.Provide(newLogger))
	must(c.Provide(newDBLogger, dig.Name("dbLogger")))
	must(c.Provide(newETLLogger, dig.Name("etlLogger")))
	must(c.Provide(newDB))
	must(c.Provide(newLocker))
	must(c.Provide(sqlxrepos.NewSurveyRepository))
	must(c.Provide(sqlxrepos.NewAssignmentStore))
	must(c.Provide(sqlxrepos.NewResponseStore))
	must(c.Provide(sqlxrepos.NewWarehouse))
	must(c.Provide(sapientia.NewResolver, dig.As(new(population.Resolver))))
	must(c.Provide(newTranslator))
	must(c.Provide(newValidator))
	must(c.Provide(newMaterializer))
	must(c.Provide(survey.NewService))
	must(c.Provide(newAssignmentService))
	must(c.Provide(newLedger))
	must(c.Provide(newETLRunner))
	must(c.Provide(newServer))

	return c
}

// must exits program if err happened
func must(err error) {
	if err != nil {
		log.Fatal(errors.Wrap(err, "failed to provide dependency").Error())
	}
}
