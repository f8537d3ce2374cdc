package main

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/fieldworks/caravan/internal/types"
	"github.com/fieldworks/caravan/internal/ui"
)

// previewLen bounds payload previews in list output.
const previewLen = 48

// agoString renders how long ago t was, coarsely. Sub-minute rounds to
// seconds; everything else to the two largest units.
func agoString(t time.Time, now time.Time) string {
	d := now.Sub(t)
	if d < 0 {
		d = 0
	}
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		h := int(d.Hours())
		m := int(d.Minutes()) - h*60
		return fmt.Sprintf("%dh%dm ago", h, m)
	default:
		days := int(d.Hours() / 24)
		return fmt.Sprintf("%dd ago", days)
	}
}

func renderItems(items []*types.QueueItem, now time.Time, full bool) {
	if len(items) == 0 {
		fmt.Println(ui.RenderMuted("Queue is empty"))
		return
	}
	for _, item := range items {
		fmt.Println(renderItemLine(item, now))
		if full {
			renderItemBody(item, "  ")
		}
	}
}

func renderItemLine(item *types.QueueItem, now time.Time) string {
	status := item.DerivedStatus(now)
	line := fmt.Sprintf("%s  %3d %-8s  %-10s %-6s %-14s %s",
		item.ID,
		item.PriorityScore,
		ui.RenderPriorityLabel(item.PriorityLabel),
		item.EntityKind,
		item.Action,
		item.EntityID,
		ui.RenderSyncStatus(status),
	)
	if item.RetryCount > 0 {
		line += ui.RenderMuted(fmt.Sprintf("  retry %d", item.RetryCount))
	}
	if item.BlockedBy != "" {
		line += ui.RenderWarn("  blocked by " + item.BlockedBy)
	}
	if item.ManualOverride != nil {
		line += ui.RenderAccent("  pinned")
	}
	return line
}

// renderItemBody prints the slow-path fields under a list line or in a
// detail view.
func renderItemBody(item *types.QueueItem, indent string) {
	if item.PriorityReason != "" {
		fmt.Printf("%sreason:    %s\n", indent, item.PriorityReason)
	}
	if item.ManualOverride != nil {
		o := item.ManualOverride
		fmt.Printf("%soverride:  %d -> %d by %s (%s)\n", indent, o.OriginalScore, o.OverrideScore, o.CoordinatorID, o.Justification)
	}
	if item.EstimatedSyncTime != nil {
		fmt.Printf("%sestimate:  %s\n", indent, item.EstimatedSyncTime.Local().Format(time.RFC3339))
	}
	if item.LastError != "" {
		fmt.Printf("%slast error: %s\n", indent, ui.RenderFail(item.LastError))
	}
	if len(item.Payload) > 0 {
		fmt.Printf("%spayload:   %s\n", indent, ui.PayloadPreview(item.Payload, previewLen))
	}
	fmt.Printf("%screated:   %s\n", indent, agoString(item.CreatedAt, time.Now()))
}

func renderQueueSummary(s *types.QueueSummary) {
	fmt.Printf("Queue: %d items\n", s.TotalItems)
	fmt.Printf("  %s %d pending   %s %d syncing   %s %d failed",
		ui.RenderWarnIcon(), s.Pending,
		ui.RenderInfoIcon(), s.Syncing,
		ui.RenderFailIcon(), s.Failed,
	)
	if s.TerminalFailed > 0 {
		fmt.Printf(" (%d terminal)", s.TerminalFailed)
	}
	fmt.Println()
	if s.Blocked > 0 {
		fmt.Printf("  %s\n", ui.RenderWarn(fmt.Sprintf("%d blocked by conflicts", s.Blocked)))
	}
	fmt.Printf("  priority: %d critical / %d high / %d normal / %d low\n",
		s.Critical, s.High, s.Normal, s.Low)
	if s.OldestPendingAt != nil {
		fmt.Printf("  oldest pending: %s\n", agoString(*s.OldestPendingAt, time.Now()))
	}
}

func renderConflicts(conflicts []*types.Conflict) {
	if len(conflicts) == 0 {
		fmt.Println(ui.RenderMuted("No conflicts"))
		return
	}
	for _, c := range conflicts {
		fmt.Println(renderConflictLine(c))
	}
}

func renderConflictLine(c *types.Conflict) string {
	line := fmt.Sprintf("%s  %-8s %-10s %-14s %-15s %s",
		c.ID,
		ui.RenderSeverity(c.Severity),
		ui.RenderConflictStatus(c.Status),
		c.EntityKind,
		c.EntityID,
		c.Type,
	)
	if len(c.ConflictFields) > 0 {
		line += ui.RenderMuted("  fields: " + strings.Join(c.ConflictFields, ","))
	}
	if c.ArchivedAt != nil {
		line += ui.RenderMuted("  archived")
	}
	return line
}

func renderConflictDetail(c *types.Conflict, full bool) {
	fmt.Printf("%s  %s %s\n", c.ID, ui.RenderSeverity(c.Severity), ui.RenderConflictStatus(c.Status))
	fmt.Printf("  entity:   %s/%s\n", c.EntityKind, c.EntityID)
	fmt.Printf("  type:     %s\n", c.Type)
	fmt.Printf("  detected: %s", c.DetectedAt.Local().Format(time.RFC3339))
	if c.DetectedBy != "" {
		fmt.Printf(" by %s", c.DetectedBy)
	}
	fmt.Println()
	if len(c.ConflictFields) > 0 {
		fmt.Printf("  fields:   %s\n", strings.Join(c.ConflictFields, ", "))
	}
	if c.QueueItemID != "" {
		fmt.Printf("  blocks:   %s\n", c.QueueItemID)
	}
	if c.Status != types.ConflictPending {
		if c.ResolutionStrategy != "" {
			fmt.Printf("  strategy: %s\n", c.ResolutionStrategy)
		}
		if c.ResolvedBy != "" {
			fmt.Printf("  resolved: by %s", c.ResolvedBy)
			if c.ResolvedAt != nil {
				fmt.Printf(" at %s", c.ResolvedAt.Local().Format(time.RFC3339))
			}
			fmt.Println()
		}
		if c.Justification != "" {
			fmt.Printf("  justification: %s\n", c.Justification)
		}
	}
	if c.ArchivedAt != nil {
		fmt.Printf("  archived: %s\n", c.ArchivedAt.Local().Format(time.RFC3339))
	}

	fmt.Println()
	fmt.Println(ui.RenderCategory("Local version"))
	printPayload(c.LocalVersion, full)
	fmt.Println(ui.RenderCategory("Server version"))
	printPayload(c.ServerVersion, full)

	if full && len(c.AuditTrail) > 0 {
		fmt.Println(ui.RenderCategory("Audit trail"))
		for _, entry := range c.AuditTrail {
			fmt.Printf("  %s  %-18s %s\n",
				entry.Timestamp.Local().Format("2006-01-02 15:04:05"),
				entry.Action,
				entry.PerformedBy,
			)
		}
	}
}

func printPayload(p types.Payload, full bool) {
	body := ui.PayloadIndent(p)
	if !full {
		body = ui.TruncateLines(body, ui.DefaultMaxLines, ui.DefaultContextLines)
	}
	for _, line := range strings.Split(body, "\n") {
		fmt.Printf("  %s\n", line)
	}
}

// conflictReport builds the markdown review document rendered by
// 'conflicts show --report'. Keep it valid plain markdown: it is also
// readable unrendered in agent mode.
func conflictReport(c *types.Conflict) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Conflict %s\n\n", c.ID)
	fmt.Fprintf(&b, "**%s** conflict on **%s/%s**, severity **%s**, status **%s**.\n\n",
		c.Type, c.EntityKind, c.EntityID, c.Severity, c.Status)
	fmt.Fprintf(&b, "Detected %s", c.DetectedAt.Local().Format(time.RFC3339))
	if c.DetectedBy != "" {
		fmt.Fprintf(&b, " by `%s`", c.DetectedBy)
	}
	b.WriteString(".\n\n")

	if len(c.ConflictFields) > 0 {
		b.WriteString("## Conflicting fields\n\n")
		for _, f := range c.ConflictFields {
			fmt.Fprintf(&b, "- `%s`\n", f)
		}
		b.WriteString("\n")
	}

	b.WriteString("## Local version\n\n```json\n")
	b.WriteString(ui.PayloadIndent(c.LocalVersion))
	b.WriteString("\n```\n\n## Server version\n\n```json\n")
	b.WriteString(ui.PayloadIndent(c.ServerVersion))
	b.WriteString("\n```\n")

	if c.Status != types.ConflictPending {
		b.WriteString("\n## Resolution\n\n")
		fmt.Fprintf(&b, "- strategy: **%s**\n", c.ResolutionStrategy)
		fmt.Fprintf(&b, "- by: `%s`\n", c.ResolvedBy)
		if c.ResolvedAt != nil {
			fmt.Fprintf(&b, "- at: %s\n", c.ResolvedAt.Local().Format(time.RFC3339))
		}
		if c.Justification != "" {
			fmt.Fprintf(&b, "- justification: %s\n", c.Justification)
		}
	}
	return b.String()
}

func renderConflictStats(st *types.ConflictStats) {
	fmt.Printf("Conflicts: %d total\n", st.Total)
	fmt.Printf("  %s %d pending   %s %d resolved   %s %d escalated   %d archived\n",
		ui.RenderWarnIcon(), st.Pending,
		ui.RenderPassIcon(), st.Resolved,
		ui.RenderFailIcon(), st.Escalated,
		st.Archived,
	)
	if len(st.BySeverity) > 0 {
		fmt.Printf("  severity: ")
		fmt.Println(joinCountMap(st.BySeverity))
	}
	if len(st.ByType) > 0 {
		fmt.Printf("  type:     ")
		fmt.Println(joinCountMap(st.ByType))
	}
}

// joinCountMap renders "KEY=N" pairs in a stable order.
func joinCountMap[K ~string](m map[K]int) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", strings.ToLower(k), m[K(k)]))
	}
	return strings.Join(parts, "  ")
}

func renderUpdates(updates []*types.OptimisticUpdate) {
	if len(updates) == 0 {
		fmt.Println(ui.RenderMuted("No optimistic updates"))
		return
	}
	for _, u := range updates {
		fmt.Println(renderUpdateLine(u))
	}
}

func renderUpdateLine(u *types.OptimisticUpdate) string {
	line := fmt.Sprintf("%s  %-11s %-10s %-6s %-14s %s",
		u.ID,
		ui.RenderUpdateStatus(u.Status),
		u.EntityKind,
		u.Operation,
		u.EntityID,
		agoString(u.Timestamp, time.Now()),
	)
	if u.RetryCount > 0 {
		line += ui.RenderMuted(fmt.Sprintf("  retry %d/%d", u.RetryCount, u.MaxRetries))
	}
	if u.Error != "" {
		line += ui.RenderFail("  " + ui.TruncateSimple(u.Error, previewLen))
	}
	return line
}

func renderRules(rules []*types.PriorityRule) {
	if len(rules) == 0 {
		fmt.Println(ui.RenderMuted("No priority rules"))
		return
	}
	for _, r := range rules {
		fmt.Println(renderRuleLine(r))
	}
}

func renderRuleLine(r *types.PriorityRule) string {
	state := ui.RenderPass("active")
	if !r.Active {
		state = ui.RenderMuted("inactive")
	}
	return fmt.Sprintf("%-40s %+4d  %-10s %-8s %s",
		r.ID, r.ScoreModifier, r.EntityKind, state, r.Name)
}

func renderRuleDetail(r *types.PriorityRule) {
	fmt.Printf("%s  %s\n", r.ID, r.Name)
	fmt.Printf("  kind:     %s\n", r.EntityKind)
	fmt.Printf("  modifier: %+d\n", r.ScoreModifier)
	fmt.Printf("  active:   %v\n", r.Active)
	if r.CreatedBy != "" {
		fmt.Printf("  created:  %s by %s\n", r.CreatedAt.Local().Format(time.RFC3339), r.CreatedBy)
	}
	if len(r.Conditions) > 0 {
		fmt.Println("  conditions:")
		for _, cond := range r.Conditions {
			line := fmt.Sprintf("    %s %s %v", cond.Field, cond.Operator, cond.Value)
			if cond.Modifier != 0 {
				line += fmt.Sprintf(" (%+d)", cond.Modifier)
			}
			fmt.Println(line)
		}
	}
}
