package gateway

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/questforge/encounter-server/internal/apperr"
)

// Request bounds.
const (
	MaxAmount            = 1000
	MinCombatants        = 1
	MaxCombatants        = 20
	MinSaveModifier      = -10
	MaxSaveModifier      = 20
	MinD20               = 1
	MaxD20               = 20
	MaxDurationRounds    = 100
	MaxRound             = 10000
	MaxNameLength        = 100
	MaxSourceLength      = 200
	MaxResourceValue     = 999
	MaxSavePromptTargets = 20
)

func validID(field, id string) error {
	if strings.TrimSpace(id) == "" {
		return apperr.Invalid(field, "is required")
	}
	if _, err := uuid.Parse(id); err != nil {
		return apperr.Invalid(field, "must be a UUID")
	}
	return nil
}

func validRange(field string, v, lo, hi int) error {
	if v < lo || v > hi {
		return apperr.Invalid(field, fmt.Sprintf("must be between %d and %d", lo, hi))
	}
	return nil
}

func validOptionalRange(field string, v *int, lo, hi int) error {
	if v == nil {
		return nil
	}
	return validRange(field, *v, lo, hi)
}

func validText(field, s string, required bool, max int) error {
	s = strings.TrimSpace(s)
	if required && s == "" {
		return apperr.Invalid(field, "is required")
	}
	if len(s) > max {
		return apperr.Invalid(field, fmt.Sprintf("must be at most %d characters", max))
	}
	return nil
}

// firstError returns the first non-nil error.
func firstError(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
