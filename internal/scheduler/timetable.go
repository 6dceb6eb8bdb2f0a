// internal/scheduler/timetable.go
package scheduler

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"coach-bot/internal/models"
)

// BuildTimetable generates the complete delivery timetable for an order: all
// task slots, periodic check-ins and the final evaluation. Times are computed
// in the user's location and stored normalized to UTC. If the first slot of
// day one has already passed locally, the whole program anchors to the next
// day so nothing fires immediately on activation.
//
// Entries are ordered by due time with sequence numbers strictly increasing,
// so due_at is non-decreasing in sequence order.
func BuildTimetable(order *models.Order, plan models.Plan, loc *time.Location, now time.Time) []models.ScheduledDelivery {
	local := now.In(loc)
	day1 := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)

	firstSlot := day1.Add(time.Duration(plan.DeliveryHours[0]) * time.Hour)
	if !local.Before(firstSlot) {
		day1 = day1.AddDate(0, 0, 1)
	}

	var entries []models.ScheduledDelivery
	add := func(kind models.DeliveryKind, dayOffset, hour, minute int) {
		due := day1.AddDate(0, 0, dayOffset).
			Add(time.Duration(hour)*time.Hour + time.Duration(minute)*time.Minute)
		entries = append(entries, models.ScheduledDelivery{
			ID:      uuid.NewString(),
			OrderID: order.ID,
			UserID:  order.UserID,
			Kind:    kind,
			DueAt:   due.UTC(),
			Status:  models.DeliveryPending,
		})
	}

	for day := 0; day < plan.Days; day++ {
		for _, hour := range plan.DeliveryHours {
			add(models.DeliveryTask, day, hour, 0)
		}
	}

	for day := plan.CheckinEveryDays; day <= plan.Days; day += plan.CheckinEveryDays {
		add(models.DeliveryCheckin, day-1, plan.CheckinHour, plan.CheckinMinute)
	}

	add(models.DeliveryFinalEval, plan.Days-1, plan.FinalHour, plan.FinalMinute)

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].DueAt.Before(entries[j].DueAt)
	})
	for i := range entries {
		entries[i].SequenceNo = i + 1
	}

	return entries
}
