package server

import (
	"encoding/json"
	"sort"

	"formline/internal/domain"
	"formline/internal/flow"
	"formline/internal/predicate"
)

type CreateQuestionRequest struct {
	Name string `json:"name" example:"monthly-income"`
	domain.QuestionContent
}

type CreateProgramRequest struct {
	Name string `json:"name" example:"housing-aid"`
	domain.ProgramContent
}

type StartApplicationRequest struct {
	// Version pins a program version; zero means the active one.
	Version int `json:"version,omitempty"`
}

type SaveAnswersRequest struct {
	Answers []flow.RawAnswer `json:"answers"`
}

type ApplicationResponse struct {
	domain.Application
	Answers []domain.Answer `json:"answers"`
}

type VisibilityResponse struct {
	Blocks []predicate.BlockState `json:"blocks"`
}

type EventResponse struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityName string `json:"entity_name"`
	Version    int    `json:"version,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    any    `json:"payload,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func applicationResponse(a domain.Application) ApplicationResponse {
	answers := make([]domain.Answer, 0, len(a.Answers))
	for _, ans := range a.Answers {
		answers = append(answers, ans)
	}
	sortAnswers(answers)
	return ApplicationResponse{Application: a, Answers: answers}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityName: e.EntityName,
		Version:    e.Version,
		ActorID:    e.ActorID,
		Payload:    decodeJSON(e.PayloadJSON),
	}
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func sortAnswers(answers []domain.Answer) {
	sort.Slice(answers, func(i, j int) bool {
		if answers[i].Question != answers[j].Question {
			return answers[i].Question < answers[j].Question
		}
		return answers[i].Repetition < answers[j].Repetition
	})
}

func decodeJSON(raw string) any {
	if raw == "" {
		return nil
	}
	var out any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return raw
	}
	return out
}
