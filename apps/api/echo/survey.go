package echoapi

import (
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/encuestas/backend/core/etl"
	"github.com/encuestas/backend/core/population"
	"github.com/encuestas/backend/core/survey"
)

type surveyApi struct {
	svc      *survey.Service
	validate *validator.Validate
}

func registerSurveyAPI(g *echo.Group, svc *survey.Service, validate *validator.Validate) {
	api := surveyApi{svc: svc, validate: validate}

	sg := g.Group("/surveys")
	sg.POST("", api.create)
	sg.GET("", api.query)

	// detail endpoints
	dg := sg.Group("/:id")
	dg.GET("", api.retrieve)
	dg.PUT("", api.update)
	dg.DELETE("", api.destroy)
	dg.POST("/publish", api.publish)
	dg.POST("/finish", api.finish)
	dg.POST("/duplicate", api.duplicate)
}

// Handlers

func (api *surveyApi) create(ctx echo.Context) error {
	var data survey.SurveyInput
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to SurveyInput")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	srv, err := api.svc.Create(ctx.Request().Context(), data, contextActor(ctx).ID)
	if err != nil {
		return errors.Wrap(err, "creating survey")
	}
	return ctx.JSON(http.StatusCreated, srv)
}

func (api *surveyApi) query(ctx echo.Context) error {
	filter := new(survey.QueryFilter)
	if err := ctx.Bind(filter); err != nil {
		return ctx.JSON(http.StatusOK, []survey.Survey{})
	}
	ordering := new(Ordering)
	ordering.Bind(ctx)

	surveys, err := api.svc.Query(ctx.Request().Context(), *filter, ordering.Orderings)
	if err != nil {
		return errors.Wrap(err, "querying surveys")
	}
	if surveys == nil {
		surveys = []survey.Survey{}
	}
	return ctx.JSON(http.StatusOK, surveys)
}

func (api *surveyApi) retrieve(ctx echo.Context) error {
	id, err := idParam(ctx, "id")
	if err != nil {
		return err
	}
	srv, err := api.svc.Get(ctx.Request().Context(), id)
	if err != nil {
		return errors.Wrap(err, "getting survey")
	}
	return ctx.JSON(http.StatusOK, srv)
}

func (api *surveyApi) update(ctx echo.Context) error {
	id, err := idParam(ctx, "id")
	if err != nil {
		return err
	}
	var data survey.SurveyInput
	if err = ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to SurveyInput")
	}
	if err = data.Validate(api.validate); err != nil {
		return err
	}

	srv, err := api.svc.Update(ctx.Request().Context(), id, data, contextActor(ctx).ID)
	if err != nil {
		return errors.Wrap(err, "updating survey")
	}
	return ctx.JSON(http.StatusOK, srv)
}

func (api *surveyApi) destroy(ctx echo.Context) error {
	id, err := idParam(ctx, "id")
	if err != nil {
		return err
	}
	if err = api.svc.Delete(ctx.Request().Context(), id); err != nil {
		return errors.Wrap(err, "deleting survey")
	}
	return ctx.NoContent(http.StatusNoContent)
}

func (api *surveyApi) publish(ctx echo.Context) error {
	id, err := idParam(ctx, "id")
	if err != nil {
		return err
	}
	res, err := api.svc.Publish(ctx.Request().Context(), id, contextActor(ctx).ID)
	if err != nil {
		return errors.Wrap(err, "publishing survey")
	}
	return ctx.JSON(http.StatusOK, res)
}

func (api *surveyApi) finish(ctx echo.Context) error {
	id, err := idParam(ctx, "id")
	if err != nil {
		return err
	}
	srv, err := api.svc.Finish(ctx.Request().Context(), id, contextActor(ctx).ID)
	if err != nil {
		return errors.Wrap(err, "finishing survey")
	}
	return ctx.JSON(http.StatusOK, srv)
}

func (api *surveyApi) duplicate(ctx echo.Context) error {
	id, err := idParam(ctx, "id")
	if err != nil {
		return err
	}
	srv, err := api.svc.Duplicate(ctx.Request().Context(), id, contextActor(ctx).ID)
	if err != nil {
		return errors.Wrap(err, "duplicating survey")
	}
	return ctx.JSON(http.StatusCreated, srv)
}

func registerETLAPI(g *echo.Group, runner *etl.Runner) {
	eg := g.Group("/etl")
	eg.POST("/run", func(ctx echo.Context) error {
		res, err := runner.Run(ctx.Request().Context())
		if err != nil {
			return errors.Wrap(err, "running etl")
		}
		return ctx.JSON(http.StatusOK, res)
	})
	eg.GET("/status", func(ctx echo.Context) error {
		st, err := runner.Status(ctx.Request().Context())
		if err != nil {
			return errors.Wrap(err, "getting etl status")
		}
		return ctx.JSON(http.StatusOK, st)
	})
}

func registerCatalogAPI(g *echo.Group, resolver population.Resolver) {
	g.GET("/catalogs", func(ctx echo.Context) error {
		cat, err := resolver.Catalogs(ctx.Request().Context())
		if err != nil {
			return errors.Wrap(err, "reading catalogs")
		}
		return ctx.JSON(http.StatusOK, cat)
	})
}
