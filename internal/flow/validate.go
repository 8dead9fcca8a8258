package flow

import (
	"fmt"
	"net/mail"
	"slices"
	"strconv"
	"strings"
	"unicode/utf8"

	"formline/internal/domain"
)

const msgRequired = "This question is required."

// ValidateAnswer normalizes raw values for q and returns the applicant-facing
// messages for every rule they break. Blank values are dropped; an optional
// question left blank yields no values and no messages.
func ValidateAnswer(q domain.QuestionDefinition, optional bool, raw []string) ([]string, []string) {
	values := make([]string, 0, len(raw))
	blank := 0
	for _, v := range raw {
		v = strings.TrimSpace(v)
		if v == "" {
			blank++
			continue
		}
		values = append(values, v)
	}
	if len(values) == 0 {
		if optional {
			return []string{}, nil
		}
		return nil, []string{msgRequired}
	}

	rules := q.Validation
	var msgs []string
	switch q.Type {
	case domain.TypeCheckbox:
		msgs = checkChoices(q, rules, values)
	case domain.TypeEnumerator:
		if blank > 0 {
			msgs = append(msgs, "Entity names must not be blank.")
		}
		seen := map[string]bool{}
		for _, v := range values {
			key := strings.ToLower(v)
			if seen[key] {
				msgs = append(msgs, fmt.Sprintf("%q is listed more than once.", v))
			}
			seen[key] = true
		}
	default:
		if len(values) > 1 {
			return nil, []string{"Only one value is allowed."}
		}
		msgs = checkSingle(q, rules, values[0])
	}
	if len(msgs) > 0 {
		return nil, msgs
	}
	return values, nil
}

func checkSingle(q domain.QuestionDefinition, rules domain.ValidationRules, v string) []string {
	var msgs []string
	switch q.Type {
	case domain.TypeText, domain.TypeName, domain.TypeAddress:
		msgs = checkLength(rules, utf8.RuneCountInString(v))
	case domain.TypeNumber:
		if !digitsOnly(v) {
			return []string{"Must contain only numbers."}
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return []string{"Number is too large."}
		}
		if rules.MinValue != nil && n < *rules.MinValue {
			msgs = append(msgs, fmt.Sprintf("Must be at least %d.", *rules.MinValue))
		}
		if rules.MaxValue != nil && n > *rules.MaxValue {
			msgs = append(msgs, fmt.Sprintf("Must be at most %d.", *rules.MaxValue))
		}
	case domain.TypeID:
		if !digitsOnly(v) {
			return []string{"Must contain only numbers."}
		}
		msgs = checkLength(rules, len(v))
	case domain.TypeEmail:
		addr, err := mail.ParseAddress(v)
		if err != nil || addr.Address != v {
			msgs = append(msgs, "Must be a valid email address.")
		}
	case domain.TypeDropdown, domain.TypeRadio:
		if !slices.Contains(q.OptionLabels(), v) {
			msgs = append(msgs, fmt.Sprintf("%q is not one of the options.", v))
		}
	}
	return msgs
}

func checkLength(rules domain.ValidationRules, n int) []string {
	var msgs []string
	if rules.MinLength != nil && n < *rules.MinLength {
		msgs = append(msgs, fmt.Sprintf("Must contain at least %d characters.", *rules.MinLength))
	}
	if rules.MaxLength != nil && n > *rules.MaxLength {
		msgs = append(msgs, fmt.Sprintf("Must contain at most %d characters.", *rules.MaxLength))
	}
	return msgs
}

func checkChoices(q domain.QuestionDefinition, rules domain.ValidationRules, values []string) []string {
	var msgs []string
	options := q.OptionLabels()
	seen := map[string]bool{}
	for _, v := range values {
		if !slices.Contains(options, v) {
			msgs = append(msgs, fmt.Sprintf("%q is not one of the options.", v))
		}
		if seen[v] {
			msgs = append(msgs, fmt.Sprintf("%q is selected more than once.", v))
		}
		seen[v] = true
	}
	if rules.MinChoices != nil && len(values) < *rules.MinChoices {
		msgs = append(msgs, fmt.Sprintf("Select at least %d.", *rules.MinChoices))
	}
	if rules.MaxChoices != nil && len(values) > *rules.MaxChoices {
		msgs = append(msgs, fmt.Sprintf("Select at most %d.", *rules.MaxChoices))
	}
	return msgs
}

func digitsOnly(v string) bool {
	for _, r := range v {
		if r < '0' || r > '9' {
			return false
		}
	}
	return v != ""
}
