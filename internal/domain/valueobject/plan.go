package valueobject

// Plan identifies a tenant's subscription tier. Quota defaults are keyed by
// plan in internal/quota (see DefaultLimit/EffectiveLimit); a tenant's own
// QuotaOverrides take precedence over its plan's default when set.
type Plan string

const (
	PlanStarter    Plan = "starter"
	PlanPro        Plan = "pro"
	PlanTeam       Plan = "team"
	PlanEnterprise Plan = "enterprise"
)

func (p Plan) String() string { return string(p) }

// Valid reports whether p is one of the known plan tiers.
func (p Plan) Valid() bool {
	switch p {
	case PlanStarter, PlanPro, PlanTeam, PlanEnterprise:
		return true
	}
	return false
}

// JobState is a job's position in the waiting -> active -> (completed|failed) lifecycle.
type JobState string

const (
	JobWaiting   JobState = "waiting"
	JobActive    JobState = "active"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
	JobDelayed   JobState = "delayed"
)

// QuotaKind identifies which counter a quota check/increment applies to.
type QuotaKind string

const (
	QuotaAPICalls  QuotaKind = "api_calls"
	QuotaSERPJobs  QuotaKind = "serp_jobs"
	QuotaCrawlJobs QuotaKind = "crawl_jobs"
)

func (k QuotaKind) Valid() bool {
	switch k {
	case QuotaAPICalls, QuotaSERPJobs, QuotaCrawlJobs:
		return true
	}
	return false
}

// EventType is the stable, extensible set of event names the bus carries.
type EventType string

const (
	EventAgentTaskStarted     EventType = "agent.task.started"
	EventAgentTaskCompleted   EventType = "agent.task.completed"
	EventAgentTaskFailed      EventType = "agent.task.failed"
	EventApprovalRequested    EventType = "approval.requested"
	EventReportReady          EventType = "report.ready"
	EventOutboxDispatched     EventType = "outbox.dispatched"
	EventSERPRankAnomaly      EventType = "serp.rank.anomaly"
	EventPagespeedAlert       EventType = "pagespeed.alert.critical"
	EventQuotaExceeded        EventType = "quota.exceeded"
	EventSystemTest           EventType = "system.test"
	EventFlowStarted          EventType = "flow.started"
)

// DurableFirst reports whether events of this type are classified as
// durable-first (outbox before bus) rather than pub/sub-only. It is a
// classification only: publishers do not consult it, and of the types
// published in this module only flow.started goes through the outbox.
func (t EventType) DurableFirst() bool {
	switch t {
	case EventAgentTaskStarted, EventAgentTaskCompleted:
		return false
	default:
		return true
	}
}
