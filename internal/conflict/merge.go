package conflict

import (
	"fmt"
	"time"

	"github.com/fieldworks/caravan/internal/fieldpath"
	"github.com/fieldworks/caravan/internal/types"
)

// Resolved computes the record a resolution writes back to the server.
//
// LOCAL_WINS overlays every local field on the server record; MERGE keeps
// the server record as base, overlays the non-conflicting local fields, and
// unions conflicting array fields; MANUAL takes the coordinator's record
// verbatim. All three stamp updatedAt with now and bump the version from
// the server's authoritative counter. SERVER_WINS returns the server record
// unchanged, so callers can skip the write entirely.
func Resolved(c *types.Conflict, strategy types.ResolutionStrategy, manual types.Payload, now time.Time) (types.Payload, error) {
	switch strategy {
	case types.ResolutionServerWins:
		return c.ServerVersion.Clone(), nil
	case types.ResolutionLocalWins:
		out := c.ServerVersion.Clone()
		if out == nil {
			out = types.Payload{}
		}
		for k, v := range c.LocalVersion {
			out[k] = v
		}
		return stamped(out, c.ServerVersion, now), nil
	case types.ResolutionMerge:
		return stamped(merged(c.LocalVersion, c.ServerVersion, c.ConflictFields), c.ServerVersion, now), nil
	case types.ResolutionManual:
		if len(manual) == 0 {
			return nil, fmt.Errorf("manual resolution requires merged data")
		}
		return stamped(manual.Clone(), c.ServerVersion, now), nil
	}
	return nil, fmt.Errorf("invalid resolution strategy: %s", strategy)
}

// merged builds the MERGE record: server base, non-conflicting local fields
// overlaid, conflicting array fields unioned. A conflicting field that is
// not an array on both sides keeps the server's value.
func merged(local, server types.Payload, conflictFields []string) types.Payload {
	out := server.Clone()
	if out == nil {
		out = types.Payload{}
	}
	conflicted := make(map[string]bool, len(conflictFields))
	for _, f := range conflictFields {
		conflicted[f] = true
	}
	for k, v := range local {
		if !conflicted[k] {
			out[k] = v
			continue
		}
		if union, ok := unionArrays(server[k], v); ok {
			out[k] = union
		}
	}
	return out
}

// unionArrays appends the local elements missing from the server array,
// preserving server order first. Elements are compared structurally, so
// object elements that differ only in key order count as duplicates.
func unionArrays(server, local any) ([]any, bool) {
	ss, sok := fieldpath.AsSlice(server)
	ls, lok := fieldpath.AsSlice(local)
	if !sok || !lok {
		return nil, false
	}
	out := make([]any, 0, len(ss)+len(ls))
	out = append(out, ss...)
	for _, lv := range ls {
		if !fieldpath.ContainsElement(out, lv) {
			out = append(out, lv)
		}
	}
	return out, true
}

// stamped finalizes a resolved record: updatedAt moves to resolution time
// and the version bumps from the server's counter, never the local one.
func stamped(p types.Payload, server types.Payload, now time.Time) types.Payload {
	v, _ := server.Version()
	p.SetVersion(v + 1)
	p.SetUpdatedAt(now)
	return p
}
