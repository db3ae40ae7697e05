package domain

// Status is the workflow stage a project currently sits in.
type Status string

const (
	StatusPending      Status = "pending"
	StatusRegistration Status = "registration"
	StatusDeposit      Status = "deposit"
	StatusPreparation  Status = "preparation"
	StatusBidding      Status = "bidding"
	StatusCompleted    Status = "completed"
)

// Statuses lists every status in workflow order.
var Statuses = []Status{
	StatusPending,
	StatusRegistration,
	StatusDeposit,
	StatusPreparation,
	StatusBidding,
	StatusCompleted,
}

// Valid reports whether s is one of the six known statuses.
func (s Status) Valid() bool {
	return s.Rank() >= 0
}

// Rank is the position of s in workflow order, -1 if unknown.
func (s Status) Rank() int {
	for i, st := range Statuses {
		if st == s {
			return i
		}
	}
	return -1
}

type DepositType string

const (
	DepositInsurance     DepositType = "insurance"
	DepositBankGuarantee DepositType = "bank_guarantee"
	DepositTransfer      DepositType = "transfer"
	DepositNone          DepositType = "none"
)

func (t DepositType) Valid() bool {
	switch t {
	case DepositInsurance, DepositBankGuarantee, DepositTransfer, DepositNone:
		return true
	}
	return false
}

// StagePayload is the evidence an operator submits to leave a stage.
type StagePayload interface {
	// Stage is the status whose slot the payload fills.
	Stage() Status
}

type RegistrationInfo struct {
	ContactPerson string   `json:"contact_person"`
	ContactMobile string   `json:"contact_mobile"`
	ContactPhone  string   `json:"contact_phone,omitempty"`
	ContactEmail  string   `json:"contact_email,omitempty"`
	Computer      string   `json:"computer"`
	Network       string   `json:"network"`
	ImagesPath    []string `json:"images_path"`
}

func (*RegistrationInfo) Stage() Status { return StatusRegistration }

type DepositInfo struct {
	Type       DepositType `json:"type"`
	ImagesPath []string    `json:"images_path,omitempty"`
}

func (*DepositInfo) Stage() Status { return StatusDeposit }

type PreparationInfo struct {
	Computer      string   `json:"computer"`
	Network       string   `json:"network"`
	MACAddress    string   `json:"mac_address"`
	IPAddress     string   `json:"ip_address"`
	ImagesPath    []string `json:"images_path"`
	DocumentsPath []string `json:"documents_path"`
}

func (*PreparationInfo) Stage() Status { return StatusPreparation }

type BiddingInfo struct {
	ImagesPath    []string `json:"images_path"`
	DocumentsPath []string `json:"documents_path"`
}

func (*BiddingInfo) Stage() Status { return StatusBidding }

type Project struct {
	ID                   string            `json:"id"`
	Name                 string            `json:"name"`
	Company              string            `json:"company,omitempty"`
	Status               Status            `json:"status" enum:"pending,registration,deposit,preparation,bidding,completed"`
	AssignedOperator     *string           `json:"assigned_operator,omitempty"`
	RegistrationDeadline *string           `json:"registration_deadline,omitempty" format:"date-time"`
	BiddingDeadline      *string           `json:"bidding_deadline,omitempty" format:"date-time"`
	RegistrationInfo     *RegistrationInfo `json:"registration_info,omitempty"`
	DepositInfo          *DepositInfo      `json:"deposit_info,omitempty"`
	PreparationInfo      *PreparationInfo  `json:"preparation_info,omitempty"`
	BiddingInfo          *BiddingInfo      `json:"bidding_info,omitempty"`
	RegistrationAt       *string           `json:"registration_at,omitempty" format:"date-time"`
	DepositAt            *string           `json:"deposit_at,omitempty" format:"date-time"`
	PreparationAt        *string           `json:"preparation_at,omitempty" format:"date-time"`
	BiddingAt            *string           `json:"bidding_at,omitempty" format:"date-time"`
	CreatedBy            string            `json:"created_by"`
	CreatedAt            string            `json:"created_at" format:"date-time"`
	UpdatedAt            string            `json:"updated_at" format:"date-time"`
}

// Label is the company/operator name shown on conflict records.
func (p Project) Label() string {
	if p.Company != "" {
		return p.Company
	}
	if p.AssignedOperator != nil {
		return *p.AssignedOperator
	}
	return ""
}

// AssignedTo reports whether actorID is the operator currently responsible.
func (p Project) AssignedTo(actorID string) bool {
	return p.AssignedOperator != nil && *p.AssignedOperator != "" && *p.AssignedOperator == actorID
}

type ConflictCheck struct {
	ID              string          `json:"id"`
	ProjectID       string          `json:"project_id"`
	ProjectName     string          `json:"project_name"`
	Company         string          `json:"company,omitempty"`
	Resolved        bool            `json:"resolved"`
	ResolutionNotes string          `json:"resolution_notes,omitempty"`
	ResolvedBy      string          `json:"resolved_by,omitempty"`
	ResolvedAt      *string         `json:"resolved_at,omitempty" format:"date-time"`
	CreatedAt       string          `json:"created_at" format:"date-time"`
	Entries         []ConflictEntry `json:"entries"`
}

type ConflictEntry struct {
	SiblingID      string   `json:"sibling_id"`
	SiblingName    string   `json:"sibling_name,omitempty"`
	SiblingCompany string   `json:"sibling_company,omitempty"`
	Fields         []string `json:"fields"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string   `json:"id"`
	ActorID   string   `json:"actor_id"`
	Name      string   `json:"name,omitempty"`
	Roles     []string `json:"roles,omitempty"`
	KeyHash   string   `json:"key_hash"`
	CreatedAt string   `json:"created_at" format:"date-time"`
}

// Notification is what the engine hands to notifiers after a commit.
type Notification struct {
	Type        string         `json:"type"`
	ProjectID   string         `json:"project_id"`
	ProjectName string         `json:"project_name,omitempty"`
	ActorID     string         `json:"actor_id,omitempty"`
	At          string         `json:"at"`
	Data        map[string]any `json:"data,omitempty"`
}
