package main

import (
	"bufio"
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/term"

	echoapi "github.com/encuestas/backend/apps/api/echo"
	"github.com/encuestas/backend/core"
	"github.com/encuestas/backend/core/etl"
	"github.com/encuestas/backend/core/survey"
)

const defaultActor = "admin-cli"

var (
	isTerminalFunc = term.IsTerminal // mockable

	errHelp      = errors.New("help provided")
	errCancelled = errors.New("cancelled")
)

type commandLine struct {
	conf    *core.Config
	db      *sql.DB
	surveys *survey.Service
	etl     *etl.Runner
	in      io.Reader
	out     io.Writer
}

func (cli *commandLine) printUsage() {
	fmt.Fprintln(cli.out, "Usage:")
	fmt.Fprintln(cli.out, "  migrate COMMAND [ARGS]                     - run a goose command (up, down, status, ...)")
	fmt.Fprintln(cli.out, "  publish -survey ID [-force] [-actor NAME] - publish a draft survey")
	fmt.Fprintln(cli.out, "  etl run|status                             - load pending responses into the warehouse")
	fmt.Fprintln(cli.out, "  token -subject NAME [-name NAME]           - print an admin API token")
}

func (cli *commandLine) run(args []string) error {
	if len(args) < 2 {
		cli.printUsage()
		return errHelp
	}

	publishCmd := flag.NewFlagSet("publish", flag.ExitOnError)
	publishSurvey := publishCmd.Int64("survey", 0, "The id of the draft survey to publish.")
	publishForce := publishCmd.Bool("force", false, "Mark the survey in progress without creating assignments.")
	publishActor := publishCmd.String("actor", defaultActor, "Who the change is recorded as.")

	tokenCmd := flag.NewFlagSet("token", flag.ExitOnError)
	tokenSubject := tokenCmd.String("subject", "", "The operator the token identifies.")
	tokenName := tokenCmd.String("name", "", "The operator's display name.")

	ctx := context.Background()

	switch args[1] {
	case "migrate":
		if len(args) < 3 {
			cli.printUsage()
			return errHelp
		}
		return cli.migrate(args[2:])
	case "publish":
		if err := publishCmd.Parse(args[2:]); err != nil {
			return err
		}
		if *publishSurvey <= 0 {
			publishCmd.Usage()
			return errHelp
		}
		actor := core.CleanString(*publishActor)
		if actor == "" {
			actor = defaultActor
		}
		if *publishForce {
			return cli.forcePublish(ctx, *publishSurvey, actor)
		}
		return cli.publish(ctx, *publishSurvey, actor)
	case "etl":
		if len(args) < 3 {
			cli.printUsage()
			return errHelp
		}
		switch args[2] {
		case "run":
			return cli.runETL(ctx)
		case "status":
			return cli.etlStatus(ctx)
		default:
			cli.printUsage()
			return errHelp
		}
	case "token":
		if err := tokenCmd.Parse(args[2:]); err != nil {
			return err
		}
		subject := core.CleanString(*tokenSubject)
		if subject == "" {
			tokenCmd.Usage()
			return errHelp
		}
		return cli.token(subject, core.CleanString(*tokenName))
	default:
		cli.printUsage()
		return errHelp
	}
}

func (cli *commandLine) publish(ctx context.Context, surveyID int64, actor string) error {
	res, err := cli.surveys.Publish(ctx, surveyID, actor)
	if err != nil {
		return err
	}
	fmt.Fprintf(cli.out, "survey %d published: %d assignments created, %d skipped\n",
		res.Survey.ID, res.Assignments.Created, res.Assignments.Skipped)
	return nil
}

func (cli *commandLine) forcePublish(ctx context.Context, surveyID int64, actor string) error {
	if isTerminalFunc(int(os.Stdin.Fd())) {
		fmt.Fprintf(cli.out, "Survey %d will be marked in progress WITHOUT creating assignments. Continue? [y/N]: ", surveyID)
		answer, err := bufio.NewReader(cli.in).ReadString('\n')
		if err != nil && err != io.EOF {
			return errors.Wrap(err, "reading confirmation")
		}
		if a := strings.ToLower(strings.TrimSpace(answer)); a != "y" && a != "yes" {
			return errCancelled
		}
	}

	srv, err := cli.surveys.ForcePublish(ctx, surveyID, actor)
	if err != nil {
		return err
	}
	fmt.Fprintf(cli.out, "survey %d is %s\n", srv.ID, srv.Status)
	return nil
}

func (cli *commandLine) runETL(ctx context.Context) error {
	res, err := cli.etl.Run(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cli.out, "etl finished in %s: %d transactions, %d facts\n", res.Duration, res.Transactions, res.Facts)
	fmt.Fprintf(cli.out, "new dimension rows: time %d, location %d, context %d, question %d\n",
		res.NewTimes, res.NewLocations, res.NewContexts, res.NewQuestions)
	return nil
}

func (cli *commandLine) etlStatus(ctx context.Context) error {
	st, err := cli.etl.Status(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cli.out, "%d of %d transactions pending\n", st.Pending, st.Total)
	return nil
}

func (cli *commandLine) token(subject, name string) error {
	token, err := echoapi.GenerateToken(echoapi.GetAdminClaims(subject, name, cli.conf), cli.conf.SecretKey)
	if err != nil {
		return err
	}
	fmt.Fprintln(cli.out, token)
	return nil
}
