// Package digest defines the persistent records of the scheduled-run engine:
// tenants and their plan snapshots, monitored repositories and authors, the
// monitoring entries that tie them together, and the immutable run records the
// executor produces.
package digest

import (
	"time"

	"github.com/pulldigest/pulldigest/schedule"
)

// MaxNoteLength bounds the contributor-authored note carried by a monitoring
// entry and snapshotted into each run.
const MaxNoteLength = 5000

type (
	// SubscriptionState tracks where a tenant sits in the billing lifecycle.
	SubscriptionState string

	// RepositoryStatus reflects whether the fetch stage may use a repository.
	RepositoryStatus string

	// EntryStatus controls visibility of a monitoring entry to the tick loop.
	EntryStatus string

	// EntryMode records whether the monitored author accepted an invite and may
	// edit their own note (open) or is passively monitored (ghost).
	EntryMode string

	// WindowPolicy selects how the executor derives the fetch window.
	WindowPolicy string

	// TriggerType records what caused a run: the tick loop or a manual request.
	TriggerType string

	// RunStatus is the lifecycle of a run record.
	RunStatus string

	// DeliveryStatus is the terminal state of an email send attempt.
	DeliveryStatus string
)

const (
	SubscriptionTrialing SubscriptionState = "trialing"
	SubscriptionActive   SubscriptionState = "active"
	SubscriptionPastDue  SubscriptionState = "past_due"
	SubscriptionCanceled SubscriptionState = "canceled"

	RepositoryActive     RepositoryStatus = "active"
	RepositoryRevoked    RepositoryStatus = "revoked"
	RepositoryTokenError RepositoryStatus = "token_error"
	RepositoryPaused     RepositoryStatus = "paused"
	RepositoryRemoved    RepositoryStatus = "removed"

	EntryActive  EntryStatus = "active"
	EntryPaused  EntryStatus = "paused"
	EntryRemoved EntryStatus = "removed"

	ModeGhost EntryMode = "ghost"
	ModeOpen  EntryMode = "open"

	WindowSinceLastRun  WindowPolicy = "since_last_run"
	WindowExplicitRange WindowPolicy = "explicit_range"

	TriggerScheduled TriggerType = "scheduled"
	TriggerManual    TriggerType = "manual"

	RunStarted   RunStatus = "started"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"

	DeliverySent    DeliveryStatus = "sent"
	DeliveryFailed  DeliveryStatus = "failed"
	DeliverySkipped DeliveryStatus = "skipped"
)

// Skip and failure reasons recorded on delivery records. The strings are part
// of the stored contract and surfaced verbatim by the run API.
const (
	ReasonNoActivity    = "No activity"
	ReasonNoRecipients  = "No recipients configured"
	ReasonSummaryFailed = "AI summary generation failed"
	ReasonQuotaReached  = "monthly email limit reached"
	ReasonRepoAccess    = "repository access failed"
	ReasonAbandoned     = "abandoned"
)

type (
	// Plan is a named subscription tier. Plans are effectively immutable once
	// referenced by a tenant snapshot.
	Plan struct {
		Name              string `yaml:"name" json:"name"`
		MaxRepos          int    `yaml:"max_repos" json:"maxRepos"`
		MaxAuthors        int    `yaml:"max_authors" json:"maxAuthors"`
		MaxEmailsPerMonth int    `yaml:"max_emails_per_month" json:"maxEmailsPerMonth"`
	}

	// Usage is the tenant usage snapshot the quota gate admits against.
	Usage struct {
		ReposCount          int
		AuthorsCount        int
		EmailsSentThisMonth int
		UsagePeriodStart    time.Time
	}

	// Tenant is one subscribed organization together with its plan and usage
	// snapshots.
	Tenant struct {
		ID        string
		Name      string
		OwnerID   string
		State     SubscriptionState
		Plan      Plan
		Usage     Usage
		CreatedAt time.Time
		UpdatedAt time.Time
	}

	// Repository is a (tenant, owner, name) triple with a sealed access
	// credential. Credential holds the AES-GCM sealed token, base64 encoded;
	// empty means no per-repository credential is configured.
	Repository struct {
		ID         string
		TenantID   string
		Owner      string
		Name       string
		FullName   string
		Credential string
		Status     RepositoryStatus
		CreatedAt  time.Time
		UpdatedAt  time.Time
	}

	// Author is a globally registered code-host user. One author may be
	// referenced by monitoring entries of many tenants.
	Author struct {
		ID          string
		HostUserID  string
		Username    string
		DisplayName string
		CreatedAt   time.Time
	}

	// MonitoringEntry declares that a tenant wants periodic digests for an
	// author on a repository. NextRunAt is nil when the schedule has nothing
	// left to fire (one-time schedules that ran, or invalid specs).
	MonitoringEntry struct {
		ID           string
		TenantID     string
		AuthorID     string
		RepositoryID string
		Mode         EntryMode
		Status       EntryStatus
		Schedule     schedule.Spec
		WindowPolicy WindowPolicy
		WindowFrom   *time.Time
		WindowTo     *time.Time
		Recipients   []string
		Note         string
		LastRunAt    *time.Time
		NextRunAt    *time.Time
		CreatedAt    time.Time
		UpdatedAt    time.Time
	}

	// DeliveryRecord is the terminal outcome of the deliver stage for one run.
	DeliveryRecord struct {
		Status        DeliveryStatus
		SentAt        *time.Time
		Recipients    []string
		FailureReason string
	}

	// Run is one attempted execution of a monitoring entry. Immutable after
	// completion.
	Run struct {
		ID           string
		EntryID      string
		TenantID     string
		AuthorID     string
		RepositoryID string
		Trigger      TriggerType
		ScheduledFor time.Time
		StartedAt    time.Time
		CompletedAt  *time.Time
		Status       RunStatus
		WindowFrom   time.Time
		WindowTo     time.Time
		PRCount      int
		PRNumbers    []int
		HasActivity  bool
		Summary      *string
		NoteSnapshot string
		Delivery     DeliveryRecord
	}
)

// Skipped builds a terminal skipped delivery record with the given reason.
func Skipped(reason string) DeliveryRecord {
	return DeliveryRecord{Status: DeliverySkipped, FailureReason: reason}
}

// FailedDelivery builds a terminal failed delivery record.
func FailedDelivery(recipients []string, reason string) DeliveryRecord {
	return DeliveryRecord{Status: DeliveryFailed, Recipients: recipients, FailureReason: reason}
}

// SentDelivery builds a terminal sent delivery record.
func SentDelivery(recipients []string, at time.Time) DeliveryRecord {
	at = at.UTC()
	return DeliveryRecord{Status: DeliverySent, SentAt: &at, Recipients: recipients}
}

// Terminal reports whether the delivery record is in one of the three terminal
// states a closed run must carry.
func (d DeliveryRecord) Terminal() bool {
	switch d.Status {
	case DeliverySent, DeliveryFailed, DeliverySkipped:
		return true
	}
	return false
}
