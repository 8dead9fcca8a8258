package flow_test

import (
	"testing"

	"formline/internal/domain"
	"formline/internal/flow"
)

func intp(v int) *int       { return &v }
func int64p(v int64) *int64 { return &v }

func question(t domain.QuestionType, rules domain.ValidationRules, options ...string) domain.QuestionDefinition {
	q := domain.QuestionDefinition{Name: "q", Version: 1}
	q.Type = t
	q.Validation = rules
	for i, o := range options {
		q.Options = append(q.Options, domain.QuestionOption{ID: int64(i + 1), Label: o})
	}
	return q
}

func TestValidateAnswer(t *testing.T) {
	id5 := question(domain.TypeID, domain.ValidationRules{MinLength: intp(5), MaxLength: intp(5)})
	cases := []struct {
		name     string
		q        domain.QuestionDefinition
		optional bool
		values   []string
		wantErr  string
	}{
		{"id too short", id5, false, []string{"123"}, "Must contain at least 5 characters."},
		{"id too long", id5, false, []string{"123456"}, "Must contain at most 5 characters."},
		{"id letters", id5, false, []string{"abcde"}, "Must contain only numbers."},
		{"id exact", id5, false, []string{"12345"}, ""},
		{"required blank", id5, false, []string{"  "}, "This question is required."},
		{"optional blank", id5, true, nil, ""},
		{"text counts runes", question(domain.TypeText, domain.ValidationRules{MaxLength: intp(5)}), false, []string{"héllo"}, ""},
		{"number below min", question(domain.TypeNumber, domain.ValidationRules{MinValue: int64p(18)}), false, []string{"17"}, "Must be at least 18."},
		{"number negative sign", question(domain.TypeNumber, domain.ValidationRules{}), false, []string{"-3"}, "Must contain only numbers."},
		{"email", question(domain.TypeEmail, domain.ValidationRules{}), false, []string{"ann@example.org"}, ""},
		{"bad email", question(domain.TypeEmail, domain.ValidationRules{}), false, []string{"ann at example"}, "Must be a valid email address."},
		{"radio option", question(domain.TypeRadio, domain.ValidationRules{}, "yes", "no"), false, []string{"yes"}, ""},
		{"radio unknown", question(domain.TypeRadio, domain.ValidationRules{}, "yes", "no"), false, []string{"maybe"}, `"maybe" is not one of the options.`},
		{"radio two values", question(domain.TypeRadio, domain.ValidationRules{}, "yes", "no"), false, []string{"yes", "no"}, "Only one value is allowed."},
		{"checkbox max", question(domain.TypeCheckbox, domain.ValidationRules{MaxChoices: intp(1)}, "a", "b"), false, []string{"a", "b"}, "Select at most 1."},
		{"checkbox min", question(domain.TypeCheckbox, domain.ValidationRules{MinChoices: intp(2)}, "a", "b"), false, []string{"a"}, "Select at least 2."},
		{"enumerator duplicate", question(domain.TypeEnumerator, domain.ValidationRules{}), false, []string{"Ann", "ann"}, `"ann" is listed more than once.`},
		{"enumerator blank entry", question(domain.TypeEnumerator, domain.ValidationRules{}), false, []string{"Ann", " "}, "Entity names must not be blank."},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, msgs := flow.ValidateAnswer(tc.q, tc.optional, tc.values)
			if tc.wantErr == "" {
				if len(msgs) != 0 {
					t.Fatalf("expected no messages, got %v", msgs)
				}
				return
			}
			for _, m := range msgs {
				if m == tc.wantErr {
					return
				}
			}
			t.Fatalf("expected %q in %v", tc.wantErr, msgs)
		})
	}
}

func TestValidateAnswerNormalizes(t *testing.T) {
	values, msgs := flow.ValidateAnswer(question(domain.TypeText, domain.ValidationRules{}), false, []string{"  Ann  ", ""})
	if len(msgs) != 0 || len(values) != 1 || values[0] != "Ann" {
		t.Fatalf("unexpected %v %v", values, msgs)
	}
	values, msgs = flow.ValidateAnswer(question(domain.TypeText, domain.ValidationRules{}), true, []string{""})
	if len(msgs) != 0 || values == nil || len(values) != 0 {
		t.Fatalf("optional blank should save an empty record, got %v %v", values, msgs)
	}
}
