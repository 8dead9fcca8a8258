package domain

import "strings"

type LifecycleState string

const (
	StateDraft    LifecycleState = "draft"
	StateActive   LifecycleState = "active"
	StateObsolete LifecycleState = "obsolete"
)

type QuestionType string

const (
	TypeText       QuestionType = "text"
	TypeNumber     QuestionType = "number"
	TypeID         QuestionType = "id"
	TypeName       QuestionType = "name"
	TypeAddress    QuestionType = "address"
	TypeEmail      QuestionType = "email"
	TypeDropdown   QuestionType = "dropdown"
	TypeRadio      QuestionType = "radio"
	TypeCheckbox   QuestionType = "checkbox"
	TypeEnumerator QuestionType = "enumerator"
)

var QuestionTypes = []QuestionType{
	TypeText, TypeNumber, TypeID, TypeName, TypeAddress, TypeEmail,
	TypeDropdown, TypeRadio, TypeCheckbox, TypeEnumerator,
}

func (t QuestionType) Valid() bool {
	for _, known := range QuestionTypes {
		if t == known {
			return true
		}
	}
	return false
}

// HasOptions reports whether answers are drawn from a fixed option list.
func (t QuestionType) HasOptions() bool {
	return t == TypeDropdown || t == TypeRadio || t == TypeCheckbox
}

// Numeric reports whether answers are digit strings compared as integers.
func (t QuestionType) Numeric() bool {
	return t == TypeNumber || t == TypeID
}

// MultiValued reports whether an answer may hold several values.
func (t QuestionType) MultiValued() bool {
	return t == TypeCheckbox || t == TypeEnumerator
}

type ExportOption string

const (
	ExportNonDemographic ExportOption = "non_demographic"
	ExportDemographic    ExportOption = "demographic"
	ExportDemographicPII ExportOption = "demographic_pii"
)

type ValidationRules struct {
	MinLength  *int   `json:"min_length,omitempty"`
	MaxLength  *int   `json:"max_length,omitempty"`
	MinValue   *int64 `json:"min_value,omitempty"`
	MaxValue   *int64 `json:"max_value,omitempty"`
	MinChoices *int   `json:"min_choices,omitempty"`
	MaxChoices *int   `json:"max_choices,omitempty"`
}

type QuestionOption struct {
	ID    int64  `json:"id,omitempty"`
	Label string `json:"label"`
}

// QuestionContent is the editable part of a question version.
type QuestionContent struct {
	Type         QuestionType     `json:"type" enum:"text,number,id,name,address,email,dropdown,radio,checkbox,enumerator"`
	Text         string           `json:"text"`
	HelpText     string           `json:"help_text,omitempty"`
	Validation   ValidationRules  `json:"validation,omitempty"`
	ExportOption ExportOption     `json:"export_option,omitempty" enum:"non_demographic,demographic,demographic_pii"`
	Options      []QuestionOption `json:"options,omitempty"`
	Enumerator   string           `json:"enumerator,omitempty"`
	EntityType   string           `json:"entity_type,omitempty"`
}

// OptionLabels returns option labels in display order.
func (c QuestionContent) OptionLabels() []string {
	out := make([]string, 0, len(c.Options))
	for _, o := range c.Options {
		out = append(out, o.Label)
	}
	return out
}

// Clone deep copies slices and pointer fields.
func (c QuestionContent) Clone() QuestionContent {
	out := c
	out.Options = append([]QuestionOption(nil), c.Options...)
	out.Validation = ValidationRules{
		MinLength:  clonePtr(c.Validation.MinLength),
		MaxLength:  clonePtr(c.Validation.MaxLength),
		MinValue:   clonePtr(c.Validation.MinValue),
		MaxValue:   clonePtr(c.Validation.MaxValue),
		MinChoices: clonePtr(c.Validation.MinChoices),
		MaxChoices: clonePtr(c.Validation.MaxChoices),
	}
	return out
}

type QuestionDefinition struct {
	Name              string         `json:"name"`
	Version           int            `json:"version"`
	State             LifecycleState `json:"state" enum:"draft,active,obsolete"`
	MarkedForArchival bool           `json:"marked_for_archival"`
	CreatedAt         string         `json:"created_at" format:"date-time"`
	UpdatedAt         string         `json:"updated_at" format:"date-time"`
	QuestionContent
}

type Visibility string

const (
	VisibilityPublic Visibility = "public"
	VisibilityHidden Visibility = "hidden"
)

type QuestionRef struct {
	Name     string `json:"name"`
	Version  int    `json:"version,omitempty"`
	Optional bool   `json:"optional,omitempty"`
}

type Block struct {
	ID          int64         `json:"id"`
	Name        string        `json:"name,omitempty"`
	Description string        `json:"description,omitempty"`
	Questions   []QuestionRef `json:"questions"`
	Predicate   *Predicate    `json:"predicate,omitempty"`
	RepeatedBy  string        `json:"repeated_by,omitempty"`
}

// Clone deep copies the question list and predicate.
func (b Block) Clone() Block {
	out := b
	out.Questions = append([]QuestionRef(nil), b.Questions...)
	if b.Predicate != nil {
		p := b.Predicate.Clone()
		out.Predicate = &p
	}
	return out
}

type ProgramContent struct {
	Description string     `json:"description,omitempty"`
	Visibility  Visibility `json:"visibility,omitempty" enum:"public,hidden"`
	Blocks      []Block    `json:"blocks"`
}

func (c ProgramContent) Clone() ProgramContent {
	out := c
	out.Blocks = make([]Block, 0, len(c.Blocks))
	for _, b := range c.Blocks {
		out.Blocks = append(out.Blocks, b.Clone())
	}
	return out
}

// BlockIndex returns the position of the block with id, or -1.
func (c ProgramContent) BlockIndex(id int64) int {
	for i, b := range c.Blocks {
		if b.ID == id {
			return i
		}
	}
	return -1
}

type ProgramDefinition struct {
	Name      string         `json:"name"`
	Version   int            `json:"version"`
	State     LifecycleState `json:"state" enum:"draft,active,obsolete"`
	Digest    string         `json:"digest,omitempty"`
	CreatedAt string         `json:"created_at" format:"date-time"`
	UpdatedAt string         `json:"updated_at" format:"date-time"`
	ProgramContent
}

type Action string

const (
	ActionShowIf Action = "show_if"
	ActionHideIf Action = "hide_if"
)

type Operator string

const (
	OpEq       Operator = "eq"
	OpNeq      Operator = "neq"
	OpGt       Operator = "gt"
	OpGte      Operator = "gte"
	OpLt       Operator = "lt"
	OpLte      Operator = "lte"
	OpIn       Operator = "in"
	OpNotIn    Operator = "nin"
	OpAnyOf    Operator = "any_of"
	OpNoneOf   Operator = "none_of"
	OpSubsetOf Operator = "subset_of"
)

// SetLiteral reports whether the operator compares against a list literal.
func (o Operator) SetLiteral() bool {
	switch o {
	case OpIn, OpNotIn, OpAnyOf, OpNoneOf, OpSubsetOf:
		return true
	}
	return false
}

type NodeKind string

const (
	NodeLeaf NodeKind = "leaf"
	NodeAnd  NodeKind = "and"
	NodeOr   NodeKind = "or"
)

// PredicateNode is one entry of a predicate arena. Children are arena indices.
type PredicateNode struct {
	Kind     NodeKind `json:"kind" enum:"leaf,and,or"`
	Question string   `json:"question,omitempty"`
	Operator Operator `json:"operator,omitempty" enum:"eq,neq,gt,gte,lt,lte,in,nin,any_of,none_of,subset_of"`
	Value    string   `json:"value,omitempty"`
	Values   []string `json:"values,omitempty"`
	Children []int    `json:"children,omitempty"`
}

type Predicate struct {
	Action Action          `json:"action" enum:"show_if,hide_if"`
	Root   int             `json:"root"`
	Nodes  []PredicateNode `json:"nodes"`
}

func (p Predicate) Clone() Predicate {
	out := p
	out.Nodes = make([]PredicateNode, len(p.Nodes))
	for i, n := range p.Nodes {
		n.Values = append([]string(nil), n.Values...)
		n.Children = append([]int(nil), n.Children...)
		out.Nodes[i] = n
	}
	return out
}

// Questions lists the distinct question names referenced by leaves.
func (p Predicate) Questions() []string {
	seen := map[string]bool{}
	var out []string
	for _, n := range p.Nodes {
		if n.Kind != NodeLeaf || seen[n.Question] {
			continue
		}
		seen[n.Question] = true
		out = append(out, n.Question)
	}
	return out
}

type AnswerKey struct {
	Question   string
	Repetition int
}

type Answer struct {
	Question   string   `json:"question"`
	Repetition int      `json:"repetition"`
	Values     []string `json:"values"`
	UpdatedAt  string   `json:"updated_at" format:"date-time"`
}

// Empty reports whether the answer carries no non-blank value.
func (a Answer) Empty() bool {
	for _, v := range a.Values {
		if trimmed(v) != "" {
			return false
		}
	}
	return true
}

type AnswerSet map[AnswerKey]Answer

func (s AnswerSet) Get(question string, rep int) (Answer, bool) {
	a, ok := s[AnswerKey{Question: question, Repetition: rep}]
	return a, ok
}

func (s AnswerSet) Put(a Answer) {
	s[AnswerKey{Question: a.Question, Repetition: a.Repetition}] = a
}

func (s AnswerSet) Clone() AnswerSet {
	out := make(AnswerSet, len(s))
	for k, v := range s {
		v.Values = append([]string(nil), v.Values...)
		out[k] = v
	}
	return out
}

type ApplicationStatus string

const (
	StatusInProgress ApplicationStatus = "in_progress"
	StatusSubmitted  ApplicationStatus = "submitted"
)

type Application struct {
	ID               string            `json:"id"`
	ApplicantID      string            `json:"applicant_id"`
	ProgramName      string            `json:"program_name"`
	ProgramVersion   int               `json:"program_version"`
	Status           ApplicationStatus `json:"status" enum:"in_progress,submitted"`
	Answers          AnswerSet         `json:"-"`
	SubmissionDigest string            `json:"submission_digest,omitempty"`
	CreatedAt        string            `json:"created_at" format:"date-time"`
	UpdatedAt        string            `json:"updated_at" format:"date-time"`
	SubmittedAt      *string           `json:"submitted_at,omitempty" format:"date-time"`
}

type Event struct {
	ID          int64  `json:"id"`
	TS          string `json:"ts" format:"date-time"`
	Type        string `json:"type"`
	EntityKind  string `json:"entity_kind"`
	EntityName  string `json:"entity_name"`
	Version     int    `json:"version,omitempty"`
	ActorID     string `json:"actor_id"`
	PayloadJSON string `json:"payload_json"`
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func trimmed(s string) string {
	return strings.TrimSpace(s)
}
