package domain

// Mission is a scheduled field intervention. Its status only changes through
// the workflow engine; nothing else writes the status column.
type Mission struct {
	ID            string  `json:"id"`
	Reference     string  `json:"reference"`
	ClientName    string  `json:"client_name"`
	SiteAddress   string  `json:"site_address,omitempty"`
	Description   string  `json:"description,omitempty"`
	Status        string  `json:"status" enum:"BROUILLON,PUBLIÉE,CONFIRMÉE,EN_COURS,BLOQUÉE,TERMINÉE,ANNULÉE"`
	AssigneeID    *string `json:"assignee_id,omitempty"`
	ScheduledAt   *string `json:"scheduled_at,omitempty" format:"date-time"`
	PublishedAt   *string `json:"published_at,omitempty" format:"date-time"`
	ConfirmedAt   *string `json:"confirmed_at,omitempty" format:"date-time"`
	StartedAt     *string `json:"started_at,omitempty" format:"date-time"`
	CompletedAt   *string `json:"completed_at,omitempty" format:"date-time"`
	CancelledAt   *string `json:"cancelled_at,omitempty" format:"date-time"`
	BlockedReason *string `json:"blocked_reason,omitempty"`
	Revisits      int     `json:"revisits"`
	Archived      bool    `json:"archived,omitempty"`
	Version       int64   `json:"version"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
	UpdatedAt     string  `json:"updated_at" format:"date-time"`
}

// Effect is one declarative field mutation attached to a transition rule.
// The shape is validated against the mission field registry when the rule
// set loads, not when a transition fires.
type Effect struct {
	Op    string `json:"op" enum:"set,set_now,clear,increment"`
	Field string `json:"field"`
	Value string `json:"value,omitempty"`
	Delta int    `json:"delta,omitempty"`
}

// TransitionRule is one legal edge of the status graph.
type TransitionRule struct {
	FromStatus    string   `json:"from_status"`
	ToStatus      string   `json:"to_status"`
	AllowedRoles  []string `json:"allowed_roles"`
	Description   string   `json:"description"`
	Effects       []Effect `json:"effects,omitempty"`
	BusinessHours bool     `json:"business_hours,omitempty"`
	Notify        string   `json:"notify,omitempty"`
}

// WorkflowLogEntry records one transition attempt, successful or not.
// Rows are append-only; the storage layer rejects UPDATE and DELETE.
type WorkflowLogEntry struct {
	ID         int64  `json:"id"`
	MissionID  string `json:"mission_id"`
	FromStatus string `json:"from_status"`
	ToStatus   string `json:"to_status"`
	ActorID    string `json:"actor_id"`
	ActorRole  string `json:"actor_role"`
	Success    bool   `json:"success"`
	ErrorCode  string `json:"error_code,omitempty"`
	Reason     string `json:"reason,omitempty"`
	TS         string `json:"ts" format:"date-time"`
}

// IdempotencyRecord caches the response of a state-changing operation so
// retries return the original outcome instead of re-applying effects.
type IdempotencyRecord struct {
	Key          string `json:"key"`
	MissionID    string `json:"mission_id"`
	Operation    string `json:"operation"`
	RequestHash  string `json:"request_hash"`
	ResponseJSON string `json:"response_json"`
	CreatedAt    string `json:"created_at" format:"date-time"`
	ExpiresAt    string `json:"expires_at" format:"date-time"`
}

type Notification struct {
	ID        string  `json:"id"`
	MissionID string  `json:"mission_id"`
	Recipient string  `json:"recipient"`
	Channel   string  `json:"channel" enum:"log,webhook"`
	Subject   string  `json:"subject"`
	Body      string  `json:"body,omitempty"`
	Status    string  `json:"status" enum:"pending,sent,failed"`
	CreatedAt string  `json:"created_at" format:"date-time"`
	ExpiresAt string  `json:"expires_at" format:"date-time"`
	SentAt    *string `json:"sent_at,omitempty" format:"date-time"`
}

type Anomaly struct {
	AnomalyType    string `json:"anomaly_type"`
	Severity       string `json:"severity" enum:"low,medium,high,critical"`
	MissionID      string `json:"mission_id,omitempty"`
	Description    string `json:"description"`
	ActionRequired string `json:"action_required"`
}

type DailyStats struct {
	Date          string `json:"date"`
	Missions      int    `json:"missions"`
	Reports       int    `json:"reports"`
	Billing       int    `json:"billing"`
	Notifications int    `json:"notifications"`
}

type MonitoringSnapshot struct {
	MissionsActive       int    `json:"missions_active"`
	MissionsPaused       int    `json:"missions_paused"`
	MissionsToday        int    `json:"missions_today"`
	NotificationsPending int    `json:"notifications_pending"`
	IdempotencyCacheSize int    `json:"idempotency_cache_size"`
	LogEntries           int    `json:"log_entries"`
	GeneratedAt          string `json:"generated_at" format:"date-time"`
}

// TransitionResult is what a caller gets back from a transition request.
// Cached reports whether the response came from the idempotency cache.
type TransitionResult struct {
	Mission Mission `json:"mission"`
	Cached  bool    `json:"cached"`
}

// APIKey authenticates a non-interactive caller (scheduled jobs, portals).
type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Role      string `json:"role"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
