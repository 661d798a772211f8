package model

// AutonomyTier buckets the conservative success estimate.
type AutonomyTier string

const (
	Tier0 AutonomyTier = "tier0"
	Tier1 AutonomyTier = "tier1"
	Tier2 AutonomyTier = "tier2"
	Tier3 AutonomyTier = "tier3"
)

// AutonomyScore reports how much latitude a role has earned in a workspace.
type AutonomyScore struct {
	RoleKey      string       `json:"role_key"`
	ActionType   string       `json:"action_type,omitempty"`
	Successes    int          `json:"successes"`
	Total        int          `json:"total"`
	Score        float64      `json:"score"`
	LowerBound95 float64      `json:"lower_bound_95"`
	Tier         AutonomyTier `json:"tier"`
}
