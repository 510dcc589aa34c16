package content

import "github.com/p-n-ai/pai-play/internal/apperr"

// CheckSingleCorrect fails with InvalidState unless exactly one option of q is correct.
func CheckSingleCorrect(q Quiz) error {
	correct := 0
	for _, o := range q.Options {
		if o.IsCorrect {
			correct++
		}
	}
	if correct != 1 {
		return apperr.InvalidState("content.CheckSingleCorrect",
			"quiz %s has %d correct options, want exactly 1", q.ID, correct)
	}
	return nil
}

// CorrectOption returns the single correct option of q.
func CorrectOption(q Quiz) (QuizOption, error) {
	if err := CheckSingleCorrect(q); err != nil {
		return QuizOption{}, err
	}
	for _, o := range q.Options {
		if o.IsCorrect {
			return o, nil
		}
	}
	return QuizOption{}, nil
}
