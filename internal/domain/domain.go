package domain

// Activity event kinds accepted by the ledger.
const (
	ActivityHeartbeat     = "heartbeat"
	ActivityManualCheckin = "manual-checkin"
	ActivityLifeVerified  = "life-verified"
	ActivityFirstRun      = "first-run"
	ActivityDeviceSignal  = "device-signal"
)

// Trigger states. Released and disarmed are terminal until an explicit re-arm.
const (
	StateIdle     = "idle"
	StateAwaiting = "awaiting_verification"
	StateReleased = "released"
	StateDisarmed = "disarmed"
)

// Challenge purposes.
const (
	PurposeLifeVerification = "life-verification"
	PurposeDocumentAccess   = "document-access" // suffixed with ":<recipient>"
)

// Delivery channels and statuses.
const (
	ChannelEmail    = "email"
	ChannelSMS      = "sms"
	ChannelWhatsApp = "whatsapp"

	DeliverySent    = "sent"
	DeliveryFailed  = "failed"
	DeliverySkipped = "skipped"
)

type ActivityEvent struct {
	ID     int64  `json:"id"`
	TS     string `json:"ts" format:"date-time"`
	Kind   string `json:"kind" enum:"heartbeat,manual-checkin,life-verified,first-run,device-signal"`
	Source string `json:"source,omitempty"`
	Note   string `json:"note,omitempty"`
}

// Challenge rows are retained after consumption for audit. The code column
// never leaves the verifier.
type Challenge struct {
	ID        int64  `json:"id"`
	Purpose   string `json:"purpose"`
	IssuedAt  string `json:"issued_at" format:"date-time"`
	ExpiresAt string `json:"expires_at" format:"date-time"`
	Consumed  bool   `json:"consumed"`
}

type Recipient struct {
	Name     string `json:"name"`
	Email    string `json:"email,omitempty"`
	Phone    string `json:"phone,omitempty"`
	WhatsApp string `json:"whatsapp,omitempty"`
	Language string `json:"language,omitempty"`
}

type Document struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Locator     string `json:"locator"`
}

// TriggerState is the single persisted state row driving the monitor.
type TriggerState struct {
	State     string  `json:"state" enum:"idle,awaiting_verification,released,disarmed"`
	Deadline  *string `json:"deadline,omitempty" format:"date-time"`
	UpdatedAt string  `json:"updated_at" format:"date-time"`
}

type Delivery struct {
	ID        int64  `json:"id"`
	Recipient string `json:"recipient"`
	Document  string `json:"document"`
	Channel   string `json:"channel" enum:"email,sms,whatsapp"`
	Status    string `json:"status" enum:"sent,failed,skipped"`
	Detail    string `json:"detail,omitempty"`
	TS        string `json:"ts" format:"date-time"`
}

// StatusReport is the answer to the status query.
type StatusReport struct {
	State         string  `json:"state"`
	LastActivity  *string `json:"last_activity,omitempty" format:"date-time"`
	DaysInactive  int     `json:"days_inactive"`
	DaysRemaining int     `json:"days_remaining"`
	Deadline      *string `json:"deadline,omitempty" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
