// Package conflict implements the field-level last-writer-wins analysis
// used by the task service before every update or move. It is pure: it
// never touches the database or the network, and its result is entirely
// determined by its inputs.
package conflict

import (
	"fmt"
	"strings"

	"boardsync-api/domain"
)

// Analyse compares a proposed set of field changes against the row's
// current per-field version stamps and the client's baseVersion.
//
// A field is merged when the row's stamp for that field is at or behind
// baseVersion (the client's change is causally current); otherwise a
// concurrent writer has already touched the field and it is rejected,
// keeping the server-resident value.
//
// changes is iterated in the fixed order of domain.MutableFields so that
// MergedFields/RejectedFields — and therefore ReasonString — are
// deterministic regardless of map iteration order.
func Analyse(fieldVersions map[string]int64, baseVersion int64, changes map[string]any) domain.Analysis {
	merged := make(map[string]any, len(changes))
	var mergedFields, rejectedFields []string

	for _, field := range domain.MutableFields {
		value, proposed := changes[field]
		if !proposed {
			continue
		}
		if fieldVersions[field] <= baseVersion {
			merged[field] = value
			mergedFields = append(mergedFields, field)
		} else {
			rejectedFields = append(rejectedFields, field)
		}
	}

	analysis := domain.Analysis{
		MergedChanges:  merged,
		MergedFields:   mergedFields,
		RejectedFields: rejectedFields,
		HasConflict:    len(rejectedFields) > 0,
		FullyRejected:  len(mergedFields) == 0 && len(rejectedFields) > 0,
	}
	analysis.Reason = ReasonString(analysis)
	return analysis
}

// ReasonString renders a deterministic, human-readable explanation of an
// analysis outcome, selected from one of three templates.
func ReasonString(a domain.Analysis) string {
	switch {
	case !a.HasConflict:
		return "no conflicting edits"
	case a.FullyRejected:
		return fmt.Sprintf("rejected: %s already updated by another client", strings.Join(a.RejectedFields, ", "))
	default:
		return fmt.Sprintf("merged: %s applied; %s rejected due to a newer write", strings.Join(a.MergedFields, ", "), strings.Join(a.RejectedFields, ", "))
	}
}
