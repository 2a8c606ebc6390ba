package workflow

import (
	"fmt"
	"strings"

	"github.com/pitabwire/docket/model"
)

const skipReasonPrefix = "Applicability conditions not met: "

// Evaluate reports whether a stage with the given applicability conditions
// applies to a matter. Every condition must be present in matterContext with
// an equal value; a missing key counts as unmet. Empty conditions always
// apply.
func Evaluate(conds model.Conditions, matterContext map[string]any) bool {
	for _, cond := range conds {
		actual, ok := matterContext[cond.Key]
		if !ok || !model.ConditionValuesEqual(cond.Value, actual) {
			return false
		}
	}
	return true
}

// BuildSkipReason describes every unmet condition in declaration order. It
// returns an empty string when all conditions are met.
func BuildSkipReason(conds model.Conditions, matterContext map[string]any) string {
	var unmet []string
	for _, cond := range conds {
		required := model.FormatConditionValue(cond.Value)
		actual, ok := matterContext[cond.Key]
		switch {
		case !ok:
			unmet = append(unmet, fmt.Sprintf("%s is not defined (required: %s)", cond.Key, required))
		case !model.ConditionValuesEqual(cond.Value, actual):
			unmet = append(unmet, fmt.Sprintf("%s is %s (required: %s)",
				cond.Key, model.FormatConditionValue(actual), required))
		}
	}
	if len(unmet) == 0 {
		return ""
	}
	return skipReasonPrefix + strings.Join(unmet, "; ")
}
