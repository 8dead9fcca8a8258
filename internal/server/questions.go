package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"formline/internal/bank"
	"formline/internal/domain"
	"formline/internal/repo"
)

type nameInput struct {
	Name string `path:"name" example:"monthly-income"`
}

type versionedNameInput struct {
	Name    string `path:"name"`
	Version string `query:"version" doc:"active, draft, latest or a version number" example:"active"`
}

func parseSelector(s string) (repo.Selector, huma.StatusError) {
	sel, err := repo.ParseSelector(s)
	if err != nil {
		return repo.Selector{}, badRequest(err.Error(), map[string]any{"version": s})
	}
	return sel, nil
}

func registerQuestions(api huma.API, cfg Config) {
	e := cfg.Engine
	mutation := []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity}

	huma.Register(api, huma.Operation{
		OperationID: "create-question",
		Method:      http.MethodPost,
		Path:        "/questions",
		Summary:     "Create a question draft",
		Tags:        []string{"questions"},
		Errors:      mutation,
	}, func(ctx context.Context, input *struct {
		Body CreateQuestionRequest `json:"body"`
	}) (*response[domain.QuestionDefinition], error) {
		p, authErr := requireAdmin(ctx, cfg.Auth)
		if authErr != nil {
			return nil, authErr
		}
		q, err := e.CreateQuestionDraft(ctx, input.Body.Name, input.Body.QuestionContent, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(q), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-questions",
		Method:      http.MethodGet,
		Path:        "/questions",
		Summary:     "List the question bank",
		Tags:        []string{"questions"},
		Errors:      []int{http.StatusForbidden, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Filter          string `query:"filter" doc:"case-insensitive match on question text"`
		Sort            string `query:"sort" enum:"lastmodified-desc,adminname-asc,adminname-desc,numprograms-asc,numprograms-desc"`
		IncludeArchived bool   `query:"include_archived"`
	}) (*response[[]bank.QuestionSummary], error) {
		if _, authErr := requireAdmin(ctx, cfg.Auth); authErr != nil {
			return nil, authErr
		}
		items, err := cfg.Bank.List(ctx, bank.Query{
			Filter:          input.Filter,
			Sort:            bank.SortKey(input.Sort),
			IncludeArchived: input.IncludeArchived,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(nonNilSlice(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-question",
		Method:      http.MethodGet,
		Path:        "/questions/{name}",
		Summary:     "Get one version of a question",
		Tags:        []string{"questions"},
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *versionedNameInput) (*response[domain.QuestionDefinition], error) {
		if _, authErr := requireAdmin(ctx, cfg.Auth); authErr != nil {
			return nil, authErr
		}
		sel, selErr := parseSelector(input.Version)
		if selErr != nil {
			return nil, selErr
		}
		q, err := e.GetQuestion(ctx, input.Name, sel)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(q), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "question-history",
		Method:      http.MethodGet,
		Path:        "/questions/{name}/history",
		Summary:     "List every version of a question",
		Tags:        []string{"questions"},
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *nameInput) (*response[[]domain.QuestionDefinition], error) {
		if _, authErr := requireAdmin(ctx, cfg.Auth); authErr != nil {
			return nil, authErr
		}
		items, err := e.QuestionHistory(ctx, input.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(nonNilSlice(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-question-draft",
		Method:      http.MethodPut,
		Path:        "/questions/{name}/draft",
		Summary:     "Replace the content of a question draft",
		Tags:        []string{"questions"},
		Errors:      mutation,
	}, func(ctx context.Context, input *struct {
		Name string                 `path:"name"`
		Body domain.QuestionContent `json:"body"`
	}) (*response[domain.QuestionDefinition], error) {
		p, authErr := requireAdmin(ctx, cfg.Auth)
		if authErr != nil {
			return nil, authErr
		}
		q, err := e.UpdateQuestionDraft(ctx, input.Name, input.Body, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(q), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "new-question-version",
		Method:      http.MethodPost,
		Path:        "/questions/{name}/versions",
		Summary:     "Start a new draft from the active question",
		Tags:        []string{"questions"},
		Errors:      mutation,
	}, func(ctx context.Context, input *nameInput) (*response[domain.QuestionDefinition], error) {
		p, authErr := requireAdmin(ctx, cfg.Auth)
		if authErr != nil {
			return nil, authErr
		}
		q, err := e.CreateQuestionVersion(ctx, input.Name, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(q), nil
	})

	for _, archived := range []bool{true, false} {
		id, route, summary := "archive-question", "/questions/{name}/archive", "Mark a question for archival"
		if !archived {
			id, route, summary = "unarchive-question", "/questions/{name}/unarchive", "Restore an archived question"
		}
		huma.Register(api, huma.Operation{
			OperationID: id,
			Method:      http.MethodPost,
			Path:        route,
			Summary:     summary,
			Tags:        []string{"questions"},
			Errors:      mutation,
		}, func(ctx context.Context, input *nameInput) (*response[domain.QuestionDefinition], error) {
			p, authErr := requireAdmin(ctx, cfg.Auth)
			if authErr != nil {
				return nil, authErr
			}
			q, err := e.SetQuestionArchived(ctx, input.Name, archived, p.ActorID)
			if err != nil {
				return nil, handleError(err)
			}
			return respond(q), nil
		})
	}
}
