package models

// Unlimited is the sentinel plan value: any limit at or above it
// short-circuits quota checks without touching the counter store.
const Unlimited = 999999

// PlanLimits are the per-tenant quota ceilings fetched from the
// subscription lookup. Zero values mean "no plan row"; callers decide
// the fallback.
type PlanLimits struct {
	BroadcastPerDay int `json:"broadcast_per_day"`
	MessagePerDay   int `json:"message_per_day"`
	APICallPerHour  int `json:"api_call_per_hour"`
}
