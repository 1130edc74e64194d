package billing

// Price is one purchasable price of a plan. Amount is in the currency's
// minor unit.
type Price struct {
	ID        string `json:"id"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
	Interval  string `json:"interval"`
	ProductID string `json:"productId,omitempty"`
}

// Plan is a product offered on the pricing page.
type Plan struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Description string  `json:"description"`
	IsRecurring bool    `json:"isRecurring"`
	Prices      []Price `json:"prices"`
}

// Pagination mirrors the provider's list metadata.
type Pagination struct {
	TotalCount int `json:"totalCount"`
	MaxPage    int `json:"maxPage"`
}

// PlanList is the response of a plan listing.
type PlanList struct {
	Items      []Plan     `json:"items"`
	Pagination Pagination `json:"pagination"`

	// Fallback is true when Items came from the static catalog.
	Fallback bool `json:"fallback"`
}

// NewPlanList wraps plans in a single-page list. The slice is copied.
func NewPlanList(plans []Plan, fallback bool) *PlanList {
	items := make([]Plan, len(plans))
	for i, p := range plans {
		p.Prices = append([]Price(nil), p.Prices...)
		items[i] = p
	}
	return &PlanList{
		Items:      items,
		Pagination: Pagination{TotalCount: len(items), MaxPage: 1},
		Fallback:   fallback,
	}
}

// DefaultFallbackPlans is the static catalog served when the provider is not
// configured or unreachable.
func DefaultFallbackPlans() []Plan {
	return []Plan{
		{
			ID:          "personal_plan",
			Name:        "Personal Plan",
			Description: "Perfect for individuals and small projects",
			IsRecurring: true,
			Prices: []Price{
				{ID: "personal-monthly", Amount: 500, Currency: "usd", Interval: "month", ProductID: "personal_plan"},
			},
		},
		{
			ID:          "business_plan",
			Name:        "Business Plan",
			Description: "For growing businesses and teams",
			IsRecurring: true,
			Prices: []Price{
				{ID: "business-monthly", Amount: 5000, Currency: "usd", Interval: "month", ProductID: "business_plan"},
			},
		},
	}
}
