package formlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Formline HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	// ActorID and Roles are sent as headers when no token is set. Servers
	// accept them only with auth.allow_actor_header enabled.
	ActorID    string
	Roles      []string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults. baseURL includes the API base path, e.g. http://localhost:8080/v0.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BearerToken: token,
		Timeout:     10 * time.Second,
	}
}

// Option is a choice of a dropdown, radio or checkbox question.
type Option struct {
	ID    int64  `json:"id,omitempty"`
	Label string `json:"label"`
}

// QuestionContent is the editable part of a question.
type QuestionContent struct {
	Type       string         `json:"type"`
	Text       string         `json:"text"`
	HelpText   string         `json:"help_text,omitempty"`
	Validation map[string]any `json:"validation,omitempty"`
	Options    []Option       `json:"options,omitempty"`
	Enumerator string         `json:"enumerator,omitempty"`
	EntityType string         `json:"entity_type,omitempty"`
}

// Question is one version of a question definition.
type Question struct {
	Name              string `json:"name"`
	Version           int    `json:"version"`
	State             string `json:"state"`
	MarkedForArchival bool   `json:"marked_for_archival"`
	UpdatedAt         string `json:"updated_at"`
	QuestionContent
}

// QuestionRef places a question in a block.
type QuestionRef struct {
	Name     string `json:"name"`
	Version  int    `json:"version,omitempty"`
	Optional bool   `json:"optional,omitempty"`
}

// Block is an ordered group of questions.
type Block struct {
	ID          int64          `json:"id"`
	Name        string         `json:"name,omitempty"`
	Description string         `json:"description,omitempty"`
	Questions   []QuestionRef  `json:"questions"`
	RepeatedBy  string         `json:"repeated_by,omitempty"`
	Predicate   map[string]any `json:"predicate,omitempty"`
}

// ProgramContent is the editable part of a program.
type ProgramContent struct {
	Description string  `json:"description,omitempty"`
	Visibility  string  `json:"visibility,omitempty"`
	Blocks      []Block `json:"blocks"`
}

// Program is one version of a program definition.
type Program struct {
	Name      string `json:"name"`
	Version   int    `json:"version"`
	State     string `json:"state"`
	Digest    string `json:"digest,omitempty"`
	UpdatedAt string `json:"updated_at"`
	ProgramContent
}

// PublishResult lists what a publish promoted.
type PublishResult struct {
	Questions []Question `json:"questions"`
	Programs  []Program  `json:"programs"`
}

// RawAnswer is the input for one question of a block.
type RawAnswer struct {
	Question string   `json:"question"`
	Values   []string `json:"values"`
}

// Answer is a stored answer.
type Answer struct {
	Question   string   `json:"question"`
	Values     []string `json:"values"`
	Repetition int      `json:"repetition"`
	UpdatedAt  string   `json:"updated_at"`
}

// Application is an applicant's progress through one program version.
type Application struct {
	ID               string   `json:"id"`
	ApplicantID      string   `json:"applicant_id"`
	ProgramName      string   `json:"program_name"`
	ProgramVersion   int      `json:"program_version"`
	Status           string   `json:"status"`
	SubmissionDigest string   `json:"submission_digest,omitempty"`
	SubmittedAt      *string  `json:"submitted_at,omitempty"`
	Answers          []Answer `json:"answers"`
}

// QuestionView is a question as rendered to the applicant.
type QuestionView struct {
	Name     string   `json:"name"`
	Type     string   `json:"type"`
	Text     string   `json:"text"`
	Optional bool     `json:"optional"`
	Options  []string `json:"options,omitempty"`
	Values   []string `json:"values,omitempty"`
	Answered bool     `json:"answered"`
}

// Step is the next block to fill in, or the review page.
type Step struct {
	Review bool `json:"review"`
	Block  *struct {
		Instance  string         `json:"instance"`
		BlockID   int64          `json:"block_id"`
		Name      string         `json:"name"`
		Entity    string         `json:"entity,omitempty"`
		Questions []QuestionView `json:"questions"`
	} `json:"block,omitempty"`
	Completed int `json:"completed"`
	Total     int `json:"total"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityName string         `json:"entity_name"`
	Version    int            `json:"version,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateQuestion creates a question draft.
func (c *Client) CreateQuestion(ctx context.Context, name string, content QuestionContent) (Question, error) {
	body := struct {
		Name string `json:"name"`
		QuestionContent
	}{name, content}
	var resp Question
	err := c.do(ctx, http.MethodPost, "questions", body, &resp)
	return resp, err
}

// UpdateQuestionDraft replaces the content of a question draft.
func (c *Client) UpdateQuestionDraft(ctx context.Context, name string, content QuestionContent) (Question, error) {
	var resp Question
	err := c.do(ctx, http.MethodPut, fmt.Sprintf("questions/%s/draft", url.PathEscape(name)), content, &resp)
	return resp, err
}

// Question fetches one version. version is "", "active", "draft", "latest" or a number.
func (c *Client) Question(ctx context.Context, name, version string) (Question, error) {
	var resp Question
	err := c.do(ctx, http.MethodGet, withVersion(fmt.Sprintf("questions/%s", url.PathEscape(name)), version), nil, &resp)
	return resp, err
}

// CreateProgram creates a program draft.
func (c *Client) CreateProgram(ctx context.Context, name string, content ProgramContent) (Program, error) {
	body := struct {
		Name string `json:"name"`
		ProgramContent
	}{name, content}
	var resp Program
	err := c.do(ctx, http.MethodPost, "programs", body, &resp)
	return resp, err
}

// Program fetches one version of a program.
func (c *Client) Program(ctx context.Context, name, version string) (Program, error) {
	var resp Program
	err := c.do(ctx, http.MethodGet, withVersion(fmt.Sprintf("programs/%s", url.PathEscape(name)), version), nil, &resp)
	return resp, err
}

// Publish promotes the named question and program drafts together.
func (c *Client) Publish(ctx context.Context, questions, programs []string) (PublishResult, error) {
	body := struct {
		Questions []string `json:"questions,omitempty"`
		Programs  []string `json:"programs,omitempty"`
	}{questions, programs}
	var resp PublishResult
	err := c.do(ctx, http.MethodPost, "publish", body, &resp)
	return resp, err
}

// StartApplication starts or resumes the caller's application. version 0 picks the active version.
func (c *Client) StartApplication(ctx context.Context, program string, version int) (Application, error) {
	var body any
	if version > 0 {
		body = map[string]any{"version": version}
	}
	var resp Application
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("programs/%s/applications", url.PathEscape(program)), body, &resp)
	return resp, err
}

// Application fetches an application with its answers.
func (c *Client) Application(ctx context.Context, id string) (Application, error) {
	var resp Application
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("applications/%s", url.PathEscape(id)), nil, &resp)
	return resp, err
}

// CurrentBlock returns the next block to fill in.
func (c *Client) CurrentBlock(ctx context.Context, id string) (Step, error) {
	var resp Step
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("applications/%s/current-block", url.PathEscape(id)), nil, &resp)
	return resp, err
}

// SaveAnswers validates and stores the answers of one block instance.
func (c *Client) SaveAnswers(ctx context.Context, id, instance string, answers []RawAnswer) (Step, error) {
	body := map[string]any{"answers": answers}
	var resp Step
	endpoint := fmt.Sprintf("applications/%s/blocks/%s/answers", url.PathEscape(id), url.PathEscape(instance))
	err := c.do(ctx, http.MethodPut, endpoint, body, &resp)
	return resp, err
}

// Submit freezes the application.
func (c *Client) Submit(ctx context.Context, id string) (Application, error) {
	var resp Application
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("applications/%s/submit", url.PathEscape(id)), nil, &resp)
	return resp, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func withVersion(endpoint, version string) string {
	if version == "" {
		return endpoint
	}
	return endpoint + "?version=" + url.QueryEscape(version)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base()+"/"+strings.TrimLeft(endpoint, "/"), &buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
		if len(c.Roles) > 0 {
			req.Header.Set("X-Actor-Roles", strings.Join(c.Roles, ","))
		}
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
			apiErr.Details = env.Error.Details
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
