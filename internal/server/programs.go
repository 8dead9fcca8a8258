package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"formline/internal/domain"
	"formline/internal/engine"
)

type blockInput struct {
	Name    string `path:"name"`
	BlockID int64  `path:"block_id" minimum:"1"`
}

func registerPrograms(api huma.API, cfg Config) {
	e := cfg.Engine
	mutation := []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity}

	huma.Register(api, huma.Operation{
		OperationID: "create-program",
		Method:      http.MethodPost,
		Path:        "/programs",
		Summary:     "Create a program draft",
		Tags:        []string{"programs"},
		Errors:      mutation,
	}, func(ctx context.Context, input *struct {
		Body CreateProgramRequest `json:"body"`
	}) (*response[domain.ProgramDefinition], error) {
		p, authErr := requireAdmin(ctx, cfg.Auth)
		if authErr != nil {
			return nil, authErr
		}
		prog, err := e.CreateProgramDraft(ctx, input.Body.Name, input.Body.ProgramContent, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(prog), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-programs",
		Method:      http.MethodGet,
		Path:        "/programs",
		Summary:     "List the latest version of every program",
		Tags:        []string{"programs"},
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*response[[]domain.ProgramDefinition], error) {
		if _, authErr := requireAdmin(ctx, cfg.Auth); authErr != nil {
			return nil, authErr
		}
		items, err := e.ListPrograms(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(nonNilSlice(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-program",
		Method:      http.MethodGet,
		Path:        "/programs/{name}",
		Summary:     "Get one version of a program",
		Tags:        []string{"programs"},
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *versionedNameInput) (*response[domain.ProgramDefinition], error) {
		if _, authErr := requireAdmin(ctx, cfg.Auth); authErr != nil {
			return nil, authErr
		}
		sel, selErr := parseSelector(input.Version)
		if selErr != nil {
			return nil, selErr
		}
		prog, err := e.GetProgram(ctx, input.Name, sel)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(prog), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "program-questions",
		Method:      http.MethodGet,
		Path:        "/programs/{name}/questions",
		Summary:     "Questions of one program version in block order",
		Description: "Published versions return the pinned question versions; drafts return the latest ones.",
		Tags:        []string{"programs"},
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *versionedNameInput) (*response[[]domain.QuestionDefinition], error) {
		if _, authErr := requireAdmin(ctx, cfg.Auth); authErr != nil {
			return nil, authErr
		}
		sel, selErr := parseSelector(input.Version)
		if selErr != nil {
			return nil, selErr
		}
		prog, err := e.GetProgram(ctx, input.Name, sel)
		if err != nil {
			return nil, handleError(err)
		}
		pinned, err := e.ProgramQuestions(ctx, prog)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(questionsInOrder(prog, pinned)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "program-history",
		Method:      http.MethodGet,
		Path:        "/programs/{name}/history",
		Summary:     "List every version of a program",
		Tags:        []string{"programs"},
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *nameInput) (*response[[]domain.ProgramDefinition], error) {
		if _, authErr := requireAdmin(ctx, cfg.Auth); authErr != nil {
			return nil, authErr
		}
		items, err := e.ProgramHistory(ctx, input.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(nonNilSlice(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-program-draft",
		Method:      http.MethodPut,
		Path:        "/programs/{name}/draft",
		Summary:     "Replace the blocks of a program draft",
		Tags:        []string{"programs"},
		Errors:      mutation,
	}, func(ctx context.Context, input *struct {
		Name string                `path:"name"`
		Body domain.ProgramContent `json:"body"`
	}) (*response[domain.ProgramDefinition], error) {
		p, authErr := requireAdmin(ctx, cfg.Auth)
		if authErr != nil {
			return nil, authErr
		}
		prog, err := e.UpdateProgramDraft(ctx, input.Name, input.Body, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(prog), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "new-program-version",
		Method:      http.MethodPost,
		Path:        "/programs/{name}/versions",
		Summary:     "Start a new draft from the active program",
		Tags:        []string{"programs"},
		Errors:      mutation,
	}, func(ctx context.Context, input *nameInput) (*response[domain.ProgramDefinition], error) {
		p, authErr := requireAdmin(ctx, cfg.Auth)
		if authErr != nil {
			return nil, authErr
		}
		prog, err := e.CreateProgramVersion(ctx, input.Name, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(prog), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "attach-predicate",
		Method:      http.MethodPut,
		Path:        "/programs/{name}/draft/blocks/{block_id}/predicate",
		Summary:     "Attach a visibility predicate to a draft block",
		Tags:        []string{"programs"},
		Errors:      mutation,
	}, func(ctx context.Context, input *struct {
		Name    string           `path:"name"`
		BlockID int64            `path:"block_id" minimum:"1"`
		Body    domain.Predicate `json:"body"`
	}) (*response[domain.ProgramDefinition], error) {
		p, authErr := requireAdmin(ctx, cfg.Auth)
		if authErr != nil {
			return nil, authErr
		}
		prog, err := e.AttachPredicate(ctx, input.Name, input.BlockID, input.Body, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(prog), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "detach-predicate",
		Method:      http.MethodDelete,
		Path:        "/programs/{name}/draft/blocks/{block_id}/predicate",
		Summary:     "Remove the predicate of a draft block",
		Tags:        []string{"programs"},
		Errors:      mutation,
	}, func(ctx context.Context, input *blockInput) (*response[domain.ProgramDefinition], error) {
		p, authErr := requireAdmin(ctx, cfg.Auth)
		if authErr != nil {
			return nil, authErr
		}
		prog, err := e.DetachPredicate(ctx, input.Name, input.BlockID, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(prog), nil
	})
}

func registerPublish(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "publish",
		Method:      http.MethodPost,
		Path:        "/publish",
		Summary:     "Promote drafts to active in one step",
		Description: "Questions are promoted before programs, so a program may pin questions published in the same request.",
		Tags:        []string{"publish"},
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body engine.PublishRequest `json:"body"`
	}) (*response[engine.PublishResult], error) {
		p, authErr := requireAdmin(ctx, cfg.Auth)
		if authErr != nil {
			return nil, authErr
		}
		res, err := cfg.Engine.Publish(ctx, input.Body, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		res.Questions = nonNilSlice(res.Questions)
		res.Programs = nonNilSlice(res.Programs)
		return respond(res), nil
	})
}

func questionsInOrder(p domain.ProgramDefinition, pinned map[string]domain.QuestionDefinition) []domain.QuestionDefinition {
	out := []domain.QuestionDefinition{}
	seen := map[string]bool{}
	for _, b := range p.Blocks {
		for _, ref := range b.Questions {
			if q, ok := pinned[ref.Name]; ok && !seen[ref.Name] {
				seen[ref.Name] = true
				out = append(out, q)
			}
		}
	}
	return out
}
