package formatter

import (
	"fmt"
	"sort"
	"strings"

	"github.com/alexanderramin/dayplan/internal/cache"
	"github.com/alexanderramin/dayplan/internal/domain"
	"github.com/alexanderramin/dayplan/internal/repository"
	"github.com/alexanderramin/dayplan/internal/syncq"
)

// FormatSyncResult summarises one flush of the queue.
func FormatSyncResult(res *syncq.Result) string {
	var b strings.Builder
	parts := []string{
		StyleGreen.Render(fmt.Sprintf("%d synced", res.Synced)),
		StyleBlue.Render(fmt.Sprintf("%d conflicts resolved", res.Conflicts)),
		StyleYellow.Render(fmt.Sprintf("%d retrying", res.Retrying)),
		StyleRed.Render(fmt.Sprintf("%d failed", res.Failed)),
	}
	if res.Review > 0 {
		parts = append(parts, StyleYellow.Render(fmt.Sprintf("%d need review", res.Review)))
	}
	if res.Deferred > 0 {
		parts = append(parts, Dim(fmt.Sprintf("%d deferred", res.Deferred)))
	}
	b.WriteString(strings.Join(parts, ", ") + "\n")

	if len(res.Mappings) > 0 {
		b.WriteString("\n" + Header("Assigned ids") + "\n")
		local := make([]string, 0, len(res.Mappings))
		for id := range res.Mappings {
			local = append(local, id)
		}
		sort.Strings(local)
		for _, id := range local {
			fmt.Fprintf(&b, "  %s → %s\n", Dim(id), res.Mappings[id])
		}
	}
	for _, e := range res.Errors {
		b.WriteString(StyleRed.Render("  "+e.Error()) + "\n")
	}
	return b.String()
}

// FormatQueue lists queued operations in enqueue order.
func FormatQueue(ops []*repository.OpRecord) string {
	if len(ops) == 0 {
		return Dim("Sync queue is empty.") + "\n"
	}
	headers := []string{"SEQ", "STATE", "KIND", "ENTITY", "ATTEMPTS", "NEXT", "ERROR", "ID"}
	rows := make([][]string, 0, len(ops))
	for _, op := range ops {
		next := Dim("--")
		if op.NextAttemptAt != nil {
			next = op.NextAttemptAt.Format("15:04:05")
		}
		lastErr := op.LastError
		if len(lastErr) > 40 {
			lastErr = lastErr[:40] + "…"
		}
		rows = append(rows, []string{
			fmt.Sprintf("%d", op.Seq),
			SyncStateColor(op.State).Render(string(op.State)),
			fmt.Sprintf("%s %s", op.Kind, entityLabel(op.EntityKind)),
			ShortID(op.EntityID),
			fmt.Sprintf("%d", op.Attempts),
			next,
			Dim(lastErr),
			Dim(op.ID),
		})
	}
	return RenderTable(headers, rows)
}

func entityLabel(k domain.EntityKind) string {
	if k == domain.EntityDayPlan {
		return "plan"
	}
	return "event"
}

// FormatResolutions renders the conflict audit trail.
func FormatResolutions(rs []*domain.ConflictResolution) string {
	if len(rs) == 0 {
		return Dim("No conflicts recorded.") + "\n"
	}
	headers := []string{"RESOLVED", "ENTITY", "WINNER", "REASON", "MERGED"}
	rows := make([][]string, 0, len(rs))
	for _, r := range rs {
		rows = append(rows, []string{
			r.ResolvedAt.Format("2006-01-02 15:04"),
			ShortID(r.EntityID),
			string(r.WinningRole),
			r.ReasonCode,
			strings.Join(r.MergedFields, ","),
		})
	}
	return RenderTable(headers, rows)
}

// FormatStorage renders cache usage against its budget.
func FormatStorage(st cache.StorageStatus, highWaterPct float64) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s of %s  %s\n", Bold(Bytes(st.UsedBytes)), Bytes(st.BudgetBytes),
		RenderUsage(st.Percent, 20, highWaterPct, 100))
	if len(st.Evicted) > 0 {
		fmt.Fprintf(&b, "%s %s\n", Dim("evicted:"), strings.Join(st.Evicted, ", "))
	}
	if st.Warning != nil {
		b.WriteString(StyleYellow.Render("  WARNING: "+st.Warning.Error()) + "\n")
	}
	return RenderBox("Local Storage", b.String())
}
