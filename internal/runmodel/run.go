// Package runmodel defines the durable entity the pipeline revolves around
// (Run), the immutable rule-set configuration loaded at startup, and the
// small value types threaded between the store, dispatcher, and replay
// collaborator.
package runmodel

import "time"

// Status is the run lifecycle state. See spec §4.3.
type Status string

const (
	StatusDiscovered  Status = "discovered"
	StatusProcessing  Status = "processing"
	StatusPassed      Status = "passed"
	StatusNeedsReview Status = "needs_review"
	StatusFailed      Status = "failed"
	StatusError       Status = "error"
)

// WireStatus maps a Status to the string the downstream bot expects (§4.7).
func (s Status) WireStatus() string {
	switch s {
	case StatusDiscovered:
		return "pending"
	case StatusProcessing:
		return "running"
	case StatusPassed:
		return "passed"
	case StatusNeedsReview:
		return "needs_review"
	case StatusFailed:
		return "failed"
	case StatusError:
		return "error"
	default:
		return string(s)
	}
}

// Terminal reports whether the status requires no further pipeline action
// (Passed/NeedsReview/Failed are success-terminal; Error is terminal only
// once NextRetryAt is nil, which callers must check separately).
func (s Status) Terminal() bool {
	switch s {
	case StatusPassed, StatusNeedsReview, StatusFailed:
		return true
	default:
		return false
	}
}

// Run is the durable row described in spec §3.
type Run struct {
	RunID        string `gorm:"primaryKey;column:run_id"`
	GameID       string `gorm:"column:game_id;index:idx_run_selection,priority:1"`
	CategoryID   string `gorm:"column:category_id;index:idx_run_selection,priority:2"`
	SubmittedAt  time.Time `gorm:"column:submitted_at;index:idx_run_selection,priority:3"`
	Status       Status    `gorm:"column:status;index"`
	ErrorMessage *string   `gorm:"column:error_message"`
	ErrorClass   *string   `gorm:"column:error_class"`
	RetryCount   uint32    `gorm:"column:retry_count"`
	NextRetryAt  *time.Time `gorm:"column:next_retry_at;index"`
	Notified     bool       `gorm:"column:notified"`
	CreatedAt    time.Time  `gorm:"column:created_at"`
	UpdatedAt    time.Time  `gorm:"column:updated_at"`
}

func (Run) TableName() string { return "runs" }

// NewRun is the payload the poller inserts for a freshly-discovered run.
type NewRun struct {
	RunID       string
	GameID      string
	CategoryID  string
	SubmittedAt time.Time
}

// GameCategory is the total-order selection key described by Invariant 6.
type GameCategory struct {
	GameID     string
	CategoryID string
}

// CategoryRules is the per-category verification-script configuration. The
// generator itself is out of scope (spec.md §1); only the knobs the
// generator needs are modeled here.
type CategoryRules struct {
	ScriptTemplate       string            `yaml:"script_template"`
	ScriptParams         map[string]string `yaml:"script_params"`
	ExpectedModsOverride []string          `yaml:"expected_mods_override,omitempty"`
}

// GameRules is the immutable, startup-loaded rule set for one game.
type GameRules struct {
	ExpectedMods []string                 `yaml:"expected_mods"`
	Categories   map[string]CategoryRules `yaml:"categories"`
}

// RuleSet maps game_id to its GameRules. Loaded once at startup and never
// mutated afterward (spec §3 "Rule set").
type RuleSet map[string]GameRules

// Resolve returns the effective expected-mods list and category rules for
// (gameID, categoryID), or false if the pair is not configured.
func (rs RuleSet) Resolve(gameID, categoryID string) (mods []string, rules CategoryRules, ok bool) {
	game, ok := rs[gameID]
	if !ok {
		return nil, CategoryRules{}, false
	}
	rules, ok = game.Categories[categoryID]
	if !ok {
		return nil, CategoryRules{}, false
	}
	mods = game.ExpectedMods
	if len(rules.ExpectedModsOverride) > 0 {
		mods = rules.ExpectedModsOverride
	}
	return mods, rules, true
}

// AllPairs returns every (game_id, category_id) the rule set knows about,
// used by the processor to compute its allow-list for get_next_due.
func (rs RuleSet) AllPairs() []GameCategory {
	var pairs []GameCategory
	for gameID, game := range rs {
		for categoryID := range game.Categories {
			pairs = append(pairs, GameCategory{GameID: gameID, CategoryID: categoryID})
		}
	}
	return pairs
}

// Link is the ephemeral result of matching a description against a
// provider's URL pattern (spec §3 "Link").
type Link struct {
	ProviderTag string
	Handle      string
}

// FileMeta is the cheap metadata a provider returns before downloading.
type FileMeta struct {
	Name string
	Size int64
}

// MsgLevel is the maximum severity a verification script emitted during
// replay.
type MsgLevel int

const (
	MsgLevelInfo MsgLevel = iota
	MsgLevelWarn
	MsgLevelError
)

func (l MsgLevel) String() string {
	switch l {
	case MsgLevelInfo:
		return "info"
	case MsgLevelWarn:
		return "warn"
	case MsgLevelError:
		return "error"
	default:
		return "unknown"
	}
}

// ReplayReport is the successful outcome of running a replay (spec §6).
type ReplayReport struct {
	MaxMsgLevel MsgLevel
}
