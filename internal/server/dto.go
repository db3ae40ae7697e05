package server

import (
	"bidline/internal/domain"
)

// Request payloads. Fields are optional at the schema level; the engine
// reports missing ones as a validation error naming each field.

type CreateProjectRequest struct {
	Name                 string `json:"name,omitempty"`
	Company              string `json:"company,omitempty"`
	RegistrationDeadline string `json:"registration_deadline,omitempty" format:"date-time"`
	BiddingDeadline      string `json:"bidding_deadline,omitempty" format:"date-time"`
}

type RegistrationRequest struct {
	ContactPerson string   `json:"contact_person,omitempty"`
	ContactMobile string   `json:"contact_mobile,omitempty"`
	ContactPhone  string   `json:"contact_phone,omitempty"`
	ContactEmail  string   `json:"contact_email,omitempty"`
	Computer      string   `json:"computer,omitempty"`
	Network       string   `json:"network,omitempty"`
	ImagesPath    []string `json:"images_path,omitempty"`
}

func (r RegistrationRequest) payload() *domain.RegistrationInfo {
	return &domain.RegistrationInfo{
		ContactPerson: r.ContactPerson,
		ContactMobile: r.ContactMobile,
		ContactPhone:  r.ContactPhone,
		ContactEmail:  r.ContactEmail,
		Computer:      r.Computer,
		Network:       r.Network,
		ImagesPath:    r.ImagesPath,
	}
}

type DepositRequest struct {
	Type       string   `json:"type,omitempty" doc:"insurance, bank_guarantee, transfer or none"`
	ImagesPath []string `json:"images_path,omitempty"`
}

func (r DepositRequest) payload() *domain.DepositInfo {
	return &domain.DepositInfo{Type: domain.DepositType(r.Type), ImagesPath: r.ImagesPath}
}

type PreparationRequest struct {
	Computer      string   `json:"computer,omitempty"`
	Network       string   `json:"network,omitempty"`
	MACAddress    string   `json:"mac_address,omitempty"`
	IPAddress     string   `json:"ip_address,omitempty"`
	ImagesPath    []string `json:"images_path,omitempty"`
	DocumentsPath []string `json:"documents_path,omitempty"`
}

func (r PreparationRequest) payload() *domain.PreparationInfo {
	return &domain.PreparationInfo{
		Computer:      r.Computer,
		Network:       r.Network,
		MACAddress:    r.MACAddress,
		IPAddress:     r.IPAddress,
		ImagesPath:    r.ImagesPath,
		DocumentsPath: r.DocumentsPath,
	}
}

type CompletionRequest struct {
	ImagesPath    []string `json:"images_path,omitempty"`
	DocumentsPath []string `json:"documents_path,omitempty"`
}

func (r CompletionRequest) payload() *domain.BiddingInfo {
	return &domain.BiddingInfo{ImagesPath: r.ImagesPath, DocumentsPath: r.DocumentsPath}
}

type ResolveConflictRequest struct {
	Notes string `json:"notes,omitempty"`
}

// Responses

type projectOutput struct {
	Body domain.Project `json:"body"`
}

type ProjectList struct {
	Items []domain.Project `json:"items"`
}

type ScanResponse struct {
	Check *domain.ConflictCheck `json:"check" doc:"null when no sibling shares an identifying field"`
}

type conflictOutput struct {
	Body domain.ConflictCheck `json:"body"`
}

type ConflictList struct {
	Items []domain.ConflictCheck `json:"items"`
}

type EventResponse struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    any    `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type WhoAmIResponse struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
	Source      string   `json:"source"`
}

type EvidenceResponse struct {
	Path string `json:"path"`
	Kind string `json:"kind"`
	Size int64  `json:"size"`
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
