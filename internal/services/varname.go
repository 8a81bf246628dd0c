package services

import (
	"crypto/rand"
	"errors"
	"log"
)

const maxVariableNameAttempts = 100

// ErrVariableNameExhausted signals that the random name space could not
// produce a free name within the attempt bound. Callers must not retry.
var ErrVariableNameExhausted = errors.New("could not create new random variable name")

// randomDigits is swapped out in tests to make generation deterministic.
var randomDigits = func(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		log.Printf("varname: read random bytes: %v", err)
	}
	for i := range b {
		b[i] = '0' + b[i]%10
	}
	return string(b)
}

// generateVariableName returns a machine name of the form auto-<digits> that
// is not present in taken. It gives up after maxVariableNameAttempts tries.
func generateVariableName(digits int, taken map[string]bool) (string, error) {
	for i := 0; i < maxVariableNameAttempts; i++ {
		name := "auto-" + randomDigits(digits)
		if !taken[name] {
			return name, nil
		}
	}
	return "", ErrVariableNameExhausted
}

// assignVariableNames fills empty variable names across the tree when
// autoName is set, and always validates uniqueness afterwards. Runs before
// any row is written so a failure leaves no partial state.
func assignVariableNames(questions []*Question, autoName bool, digits int) error {
	if autoName {
		taken := map[string]bool{}
		for _, q := range questions {
			if q.VariableName != "" {
				taken[q.VariableName] = true
			}
			for _, ao := range q.AnswerOptions {
				if ao.VariableName != "" {
					taken[ao.VariableName] = true
				}
			}
		}
		for _, q := range questions {
			if q.VariableName == "" {
				name, err := generateVariableName(digits, taken)
				if err != nil {
					return NewConflictError(err.Error())
				}
				q.VariableName = name
				taken[name] = true
			}
			for _, ao := range q.AnswerOptions {
				if ao.VariableName == "" {
					name, err := generateVariableName(digits, taken)
					if err != nil {
						return NewConflictError(err.Error())
					}
					ao.VariableName = name
					taken[name] = true
				}
			}
		}
	}
	return validateVariableNames(questions)
}

// validateVariableNames rejects duplicate non-empty names among the
// questions of one questionnaire version, and among the answer options of
// one question. Options may reuse a name across different questions.
func validateVariableNames(questions []*Question) error {
	seenQuestions := map[string]bool{}
	for _, q := range questions {
		if q.VariableName != "" {
			if seenQuestions[q.VariableName] {
				return NewConflictError("duplicate question variable name " + q.VariableName)
			}
			seenQuestions[q.VariableName] = true
		}
		seenOptions := map[string]bool{}
		for _, ao := range q.AnswerOptions {
			if ao.VariableName == "" {
				continue
			}
			if seenOptions[ao.VariableName] {
				return NewConflictError("duplicate answer option variable name " + ao.VariableName)
			}
			seenOptions[ao.VariableName] = true
		}
	}
	return nil
}

// treeFullyNamed reports whether every question and answer option carries a
// non-empty variable name. Revisions propagate this completeness forward.
func treeFullyNamed(questions []*Question) bool {
	for _, q := range questions {
		if q.VariableName == "" {
			return false
		}
		for _, ao := range q.AnswerOptions {
			if ao.VariableName == "" {
				return false
			}
		}
	}
	return true
}
