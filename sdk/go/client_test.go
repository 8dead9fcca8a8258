package formlinesdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSaveAnswersSendsActorHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut || r.URL.Path != "/v0/applications/app-1/blocks/2.1/answers" {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("X-Actor-Id"); got != "alice" {
			t.Fatalf("expected actor header, got %q", got)
		}
		if got := r.Header.Get("X-Actor-Roles"); got != "applicant,tester" {
			t.Fatalf("expected roles header, got %q", got)
		}
		var body struct {
			Answers []RawAnswer `json:"answers"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(body.Answers) != 1 || body.Answers[0].Question != "pet_name" || body.Answers[0].Values[0] != "Rex" {
			t.Fatalf("unexpected answers %+v", body.Answers)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"review":true,"completed":3,"total":3}`))
	}))
	defer srv.Close()

	c := &Client{BaseURL: srv.URL + "/v0/", ActorID: "alice", Roles: []string{"applicant", "tester"}}
	step, err := c.SaveAnswers(context.Background(), "app-1", "2.1", []RawAnswer{{Question: "pet_name", Values: []string{"Rex"}}})
	if err != nil {
		t.Fatalf("save answers: %v", err)
	}
	if !step.Review || step.Completed != 3 || step.Block != nil {
		t.Fatalf("unexpected step %+v", step)
	}
}

func TestErrorEnvelopeDecoded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Fatalf("expected bearer token, got %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error":{"code":"incomplete_application","message":"application has unanswered required questions","details":{"questions":["employer"]}}}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "tok")
	_, err := c.Submit(context.Background(), "app-1")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusUnprocessableEntity || apiErr.Code != "incomplete_application" {
		t.Fatalf("unexpected error %+v", apiErr)
	}
	qs, _ := apiErr.Details["questions"].([]any)
	if len(qs) != 1 || qs[0] != "employer" {
		t.Fatalf("unexpected details %+v", apiErr.Details)
	}
}

func TestEventsPageQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("limit") != "2" || r.URL.Query().Get("cursor") != "17" {
			t.Fatalf("unexpected query %q", r.URL.RawQuery)
		}
		_, _ = w.Write([]byte(`{"items":[{"id":16,"type":"program.published","entity_kind":"program","entity_name":"aid"}],"next_cursor":"16"}`))
	}))
	defer srv.Close()

	page, err := New(srv.URL, "tok").EventsPage(context.Background(), 2, "17")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].EntityName != "aid" || page.NextCursor != "16" {
		t.Fatalf("unexpected page %+v", page)
	}
}
