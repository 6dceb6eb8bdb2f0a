// internal/models/plan.go
package models

type PlanType string

const (
	PlanExpress  PlanType = "express"
	PlanBiweekly PlanType = "biweekly"
	PlanRegular  PlanType = "regular"
)

// Plan describes a delivery cadence: how many days the program runs, at which
// local hours tasks go out, how often check-ins happen and when the final
// evaluation lands. SelectionCount caps the active task pool; zero means the
// full generated pool is used.
type Plan struct {
	Type             PlanType
	Name             string
	Days             int
	DeliveryHours    []int
	CheckinEveryDays int
	CheckinHour      int
	CheckinMinute    int
	FinalHour        int
	FinalMinute      int
	SelectionCount   int
	PriceRUB         int
}

var plans = map[PlanType]Plan{
	PlanExpress: {
		Type:             PlanExpress,
		Name:             "Express",
		Days:             7,
		DeliveryHours:    []int{8, 11, 14, 17, 20, 23},
		CheckinEveryDays: 2,
		CheckinHour:      21,
		CheckinMinute:    30,
		FinalHour:        23,
		FinalMinute:      30,
		SelectionCount:   6,
		PriceRUB:         4990,
	},
	PlanBiweekly: {
		Type:             PlanBiweekly,
		Name:             "2-Week",
		Days:             14,
		DeliveryHours:    []int{10},
		CheckinEveryDays: 3,
		CheckinHour:      20,
		FinalHour:        21,
		SelectionCount:   2,
		PriceRUB:         2490,
	},
	PlanRegular: {
		Type:             PlanRegular,
		Name:             "Regular",
		Days:             30,
		DeliveryHours:    []int{10},
		CheckinEveryDays: 3,
		CheckinHour:      20,
		FinalHour:        21,
		SelectionCount:   0,
		PriceRUB:         990,
	},
}

// PlanByType looks up a plan from the catalog.
func PlanByType(t PlanType) (Plan, bool) {
	p, ok := plans[t]
	return p, ok
}

// AllPlans returns the catalog in presentation order.
func AllPlans() []Plan {
	return []Plan{plans[PlanExpress], plans[PlanBiweekly], plans[PlanRegular]}
}

// Statement categories collected during setup.
const (
	CategoryPositive      = "positive_feelings"
	CategoryConcerns      = "concerns"
	CategoryOpportunities = "opportunities"
)

// Category bounds how many statements a user must and may provide.
type Category struct {
	Key string
	Min int
	Max int
}

// Categories returns the setup categories in collection order. The Regular
// plan allows a longer positive-feelings list.
func Categories(plan PlanType) []Category {
	maxPositive := 5
	if plan == PlanRegular {
		maxPositive = 7
	}
	return []Category{
		{Key: CategoryPositive, Min: 3, Max: maxPositive},
		{Key: CategoryConcerns, Min: 2, Max: 5},
		{Key: CategoryOpportunities, Min: 2, Max: 3},
	}
}
