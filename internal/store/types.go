package store

import "time"

// Status is one of the five account lifecycle states (spec.md §3).
type Status string

const (
	StatusActive         Status = "active"
	StatusCooldown       Status = "cooldown"
	StatusBlocked        Status = "blocked"
	StatusQuotaExhausted Status = "quota_exhausted"
	StatusDisabled       Status = "disabled"
)

// Actor identifies who triggered an audit event.
type Actor string

const (
	ActorAdmin   Actor = "admin"
	ActorRuntime Actor = "runtime"
	ActorMonitor Actor = "monitor"
)

// Quota mirrors the quota snapshot returned by the identity provider.
type Quota struct {
	Limit             int64
	Used              int64
	NextRefreshTime   *time.Time
	RefreshDuration   time.Duration
	IsUnlimited       bool
}

// Remaining returns the quota headroom. IsUnlimited overrides the numeric
// fields per spec.md §9 open question.
func (q *Quota) Remaining() int64 {
	if q == nil || q.IsUnlimited {
		return 1 // non-zero sentinel: "not exhausted"
	}
	return q.Limit - q.Used
}

// Exhausted reports whether this quota snapshot signals no remaining quota.
func (q *Quota) Exhausted() bool {
	if q == nil {
		return false
	}
	if q.IsUnlimited {
		return false
	}
	return q.Remaining() <= 0
}

// Account is the persisted identity of one upstream credential.
type Account struct {
	ID    int64
	Label string
	Email string

	RefreshTokenCiphertext   []byte
	RefreshTokenFingerprint  string

	AccessToken       string
	AccessTokenExpiry *time.Time

	Quota Quota

	UsageCount int64
	ErrorCount int64

	LastErrorCode    string
	LastErrorMessage string

	LastSuccessAt *time.Time
	LastCheckAt   *time.Time
	CooldownUntil *time.Time

	Status Status

	CreatedAt time.Time
	UpdatedAt time.Time
}

// HealthSnapshot is the Health Monitor's last known view of an account.
type HealthSnapshot struct {
	AccountID           int64
	Healthy             *bool
	LastCheckedAt       *time.Time
	LastSuccessAt       *time.Time
	ConsecutiveFailures int
	LatencyMS           *int
	LastError           string
}

// AuditEvent is one immutable row in the append-only audit log.
type AuditEvent struct {
	ID         int64
	AccountID  *int64
	Actor      Actor
	Action     string
	Outcome    string
	DetailJSON string
	At         time.Time
}

// AuditFilter narrows a list_audit query.
type AuditFilter struct {
	AccountID *int64
	Actor     Actor
	Action    string
	Before    *time.Time
	After     *time.Time
}

// Statistics is the aggregate projection returned by list_statistics.
type Statistics struct {
	Total           int
	ByStatus        map[Status]int
	HealthyCount    int
	UnhealthyCount  int
	UnknownHealth   int
}

// BatchImportResult reports per-call outcomes for batch_import.
type BatchImportResult struct {
	Inserted  int
	Duplicates int
	Errors    []string
}

// UpdatePatch is the set of admin-mutable fields for PATCH /admin/api/tokens/{id}.
type UpdatePatch struct {
	Status *Status
	Label  *string
}
