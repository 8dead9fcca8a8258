package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"formline/internal/flow"
	"formline/internal/snapshot"
)

type applicationInput struct {
	ID string `path:"id" format:"uuid"`
}

// authorizeApplication lets the applicant through. Admins may read any
// application but never write to one.
func authorizeApplication(ctx context.Context, cfg Config, id string, write bool) error {
	p, authErr := principalFromContext(ctx)
	if authErr != nil {
		return authErr
	}
	a, err := cfg.Flow.Get(ctx, id)
	if err != nil {
		return handleError(err)
	}
	if a.ApplicantID == p.ActorID {
		return nil
	}
	if !write && p.HasRole(cfg.Auth.AdminRole) {
		return nil
	}
	return newAPIError(http.StatusForbidden, "forbidden", "application belongs to another applicant", map[string]any{"application_id": id})
}

func registerApplications(api huma.API, cfg Config) {
	c := cfg.Flow
	read := []int{http.StatusForbidden, http.StatusNotFound}
	write := []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity}

	huma.Register(api, huma.Operation{
		OperationID: "start-application",
		Method:      http.MethodPost,
		Path:        "/programs/{name}/applications",
		Summary:     "Start or resume an application",
		Description: "Returns the caller's existing application for the program version when there is one.",
		Tags:        []string{"applications"},
		Errors:      write,
	}, func(ctx context.Context, input *struct {
		Name string                   `path:"name"`
		Body *StartApplicationRequest `json:"body,omitempty" required:"false"`
	}) (*response[ApplicationResponse], error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		version := 0
		if input.Body != nil {
			version = input.Body.Version
		}
		a, err := c.Start(ctx, p.ActorID, input.Name, version)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(applicationResponse(a)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-application",
		Method:      http.MethodGet,
		Path:        "/applications/{id}",
		Summary:     "Get an application with its stored answers",
		Tags:        []string{"applications"},
		Errors:      read,
	}, func(ctx context.Context, input *applicationInput) (*response[ApplicationResponse], error) {
		if err := authorizeApplication(ctx, cfg, input.ID, false); err != nil {
			return nil, err
		}
		a, err := c.Get(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(applicationResponse(a)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "current-block",
		Method:      http.MethodGet,
		Path:        "/applications/{id}/current-block",
		Summary:     "Next block to fill in, or the review step",
		Tags:        []string{"applications"},
		Errors:      read,
	}, func(ctx context.Context, input *applicationInput) (*response[flow.Step], error) {
		if err := authorizeApplication(ctx, cfg, input.ID, false); err != nil {
			return nil, err
		}
		step, err := c.CurrentBlock(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(step), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "application-visibility",
		Method:      http.MethodGet,
		Path:        "/applications/{id}/visibility",
		Summary:     "Visibility of every block instance",
		Tags:        []string{"applications"},
		Errors:      read,
	}, func(ctx context.Context, input *applicationInput) (*response[VisibilityResponse], error) {
		if err := authorizeApplication(ctx, cfg, input.ID, false); err != nil {
			return nil, err
		}
		states, err := c.Visibility(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(VisibilityResponse{Blocks: nonNilSlice(states)}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "save-answers",
		Method:      http.MethodPut,
		Path:        "/applications/{id}/blocks/{instance}/answers",
		Summary:     "Validate and store the answers of one block",
		Description: "Either every answer of the block is stored or none is.",
		Tags:        []string{"applications"},
		Errors:      write,
	}, func(ctx context.Context, input *struct {
		ID       string             `path:"id" format:"uuid"`
		Instance string             `path:"instance" example:"2.0"`
		Body     SaveAnswersRequest `json:"body"`
	}) (*response[flow.Step], error) {
		if err := authorizeApplication(ctx, cfg, input.ID, true); err != nil {
			return nil, err
		}
		step, err := c.SubmitAnswers(ctx, input.ID, input.Instance, input.Body.Answers)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(step), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-application",
		Method:      http.MethodPost,
		Path:        "/applications/{id}/submit",
		Summary:     "Freeze and submit an application",
		Tags:        []string{"applications"},
		Errors:      write,
	}, func(ctx context.Context, input *applicationInput) (*response[ApplicationResponse], error) {
		if err := authorizeApplication(ctx, cfg, input.ID, true); err != nil {
			return nil, err
		}
		a, err := c.Submit(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(applicationResponse(a)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "application-summary",
		Method:      http.MethodGet,
		Path:        "/applications/{id}/summary",
		Summary:     "Answered questions of visible blocks in program order",
		Tags:        []string{"applications"},
		Errors:      read,
	}, func(ctx context.Context, input *applicationInput) (*response[[]flow.SummaryItem], error) {
		if err := authorizeApplication(ctx, cfg, input.ID, false); err != nil {
			return nil, err
		}
		items, err := c.Summary(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(nonNilSlice(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "application-submission",
		Method:      http.MethodGet,
		Path:        "/applications/{id}/submission",
		Summary:     "Frozen payload of a submitted application",
		Tags:        []string{"applications"},
		Errors:      read,
	}, func(ctx context.Context, input *applicationInput) (*response[snapshot.Submission], error) {
		if err := authorizeApplication(ctx, cfg, input.ID, false); err != nil {
			return nil, err
		}
		sub, err := c.Submission(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		sub.Answers = nonNilSlice(sub.Answers)
		return respond(sub), nil
	})
}
