package echoapi

import (
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/encuestas/backend/core"
	"github.com/encuestas/backend/core/assignment"
	"github.com/encuestas/backend/core/response"
	"github.com/encuestas/backend/core/survey"
)

var errRecipientRequired = errors.New("recipient_id is required")

// integrationApi is what integrating portals (student and instructor portals) call.
type integrationApi struct {
	surveys     *survey.Service
	assignments *assignment.Service
	ledger      *response.Ledger
	validate    *validator.Validate
}

func registerIntegrationAPI(
	g *echo.Group,
	surveys *survey.Service,
	assignments *assignment.Service,
	ledger *response.Ledger,
	validate *validator.Validate,
) {
	api := integrationApi{
		surveys:     surveys,
		assignments: assignments,
		ledger:      ledger,
		validate:    validate,
	}

	g.POST("/responses", api.submit)
	g.GET("/drafts/:assignment_id", api.getDraft)
	g.PUT("/drafts/:assignment_id", api.saveDraft)
	g.GET("/status", api.status)
	g.GET("/surveys/:id/structure", api.structure)
	g.POST("/assignments", api.assign)
	g.GET("/assignments", api.pending)
}

type (
	StatusResponse struct {
		Blocking bool                  `json:"blocking"`
		Surveys  []assignment.Blocking `json:"surveys"`
	}

	StructureResponse struct {
		ID             int64             `json:"id"`
		Title          string            `json:"title"`
		Description    string            `json:"description"`
		ClosingMessage string            `json:"closing_message"`
		Priority       survey.Priority   `json:"priority"`
		Questions      []survey.Question `json:"questions"`
	}

	AssignResponse struct {
		Assignment assignment.Assignment `json:"assignment"`
		Created    bool                  `json:"created"`
	}
)

// Handlers

func (api *integrationApi) submit(ctx echo.Context) error {
	var data response.Submission
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to Submission")
	}
	if err := api.validate.Struct(&data); err != nil {
		return err
	}

	rcpt, err := api.ledger.Submit(ctx.Request().Context(), data)
	if err != nil {
		return errors.Wrap(err, "submitting response")
	}
	if rcpt.AlreadyReceived {
		return ctx.JSON(http.StatusOK, rcpt)
	}
	return ctx.JSON(http.StatusCreated, rcpt)
}

func (api *integrationApi) getDraft(ctx echo.Context) error {
	id, err := idParam(ctx, "assignment_id")
	if err != nil {
		return err
	}
	draft, err := api.ledger.GetDraft(ctx.Request().Context(), id)
	if err != nil {
		return errors.Wrap(err, "getting draft")
	}
	return ctx.JSON(http.StatusOK, draft)
}

func (api *integrationApi) saveDraft(ctx echo.Context) error {
	id, err := idParam(ctx, "assignment_id")
	if err != nil {
		return err
	}
	var data response.DraftInput
	if err = ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to DraftInput")
	}
	if err = api.validate.Struct(&data); err != nil {
		return err
	}

	draft, err := api.ledger.SaveDraft(ctx.Request().Context(), id, data)
	if err != nil {
		return errors.Wrap(err, "saving draft")
	}
	return ctx.JSON(http.StatusOK, draft)
}

func (api *integrationApi) status(ctx echo.Context) error {
	recipientID := core.CleanString(ctx.QueryParam("recipient_id"))
	if recipientID == "" {
		return core.NewValidationError(errRecipientRequired, core.FieldError{Field: "recipient_id", Error: errRecipientRequired.Error()})
	}

	blocking, err := api.assignments.Blocking(ctx.Request().Context(), recipientID, ctx.QueryParam("action"))
	if err != nil {
		return errors.Wrap(err, "checking blocking assignments")
	}
	if blocking == nil {
		blocking = []assignment.Blocking{}
	}
	return ctx.JSON(http.StatusOK, StatusResponse{Blocking: len(blocking) > 0, Surveys: blocking})
}

func (api *integrationApi) structure(ctx echo.Context) error {
	id, err := idParam(ctx, "id")
	if err != nil {
		return err
	}
	srv, err := api.surveys.Get(ctx.Request().Context(), id)
	if err != nil {
		return errors.Wrap(err, "getting survey")
	}
	questions := srv.Questions
	if questions == nil {
		questions = []survey.Question{}
	}
	return ctx.JSON(http.StatusOK, StructureResponse{
		ID:             srv.ID,
		Title:          srv.Title,
		Description:    srv.Description,
		ClosingMessage: srv.ClosingMessage,
		Priority:       srv.Priority,
		Questions:      questions,
	})
}

func (api *integrationApi) assign(ctx echo.Context) error {
	var data assignment.NewAssignment
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewAssignment")
	}
	if err := api.validate.Struct(&data); err != nil {
		return err
	}

	a, created, err := api.assignments.Assign(ctx.Request().Context(), data)
	if err != nil {
		return errors.Wrap(err, "assigning survey")
	}
	code := http.StatusOK
	if created {
		code = http.StatusCreated
	}
	return ctx.JSON(code, AssignResponse{Assignment: a, Created: created})
}

func (api *integrationApi) pending(ctx echo.Context) error {
	recipientID := core.CleanString(ctx.QueryParam("recipient_id"))
	if recipientID == "" {
		return core.NewValidationError(errRecipientRequired, core.FieldError{Field: "recipient_id", Error: errRecipientRequired.Error()})
	}

	pending, err := api.assignments.Pending(ctx.Request().Context(), recipientID)
	if err != nil {
		return errors.Wrap(err, "querying pending assignments")
	}
	if pending == nil {
		pending = []assignment.Assignment{}
	}
	return ctx.JSON(http.StatusOK, pending)
}
