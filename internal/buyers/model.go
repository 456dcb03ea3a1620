package buyers

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidLeadID indicates that a lead identifier is empty or exceeds storage bounds.
	ErrInvalidLeadID = errors.New("buyers: invalid lead id")
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("buyers: invalid user id")
)

// LeadID represents a validated lead identifier.
type LeadID string

// NewLeadID validates raw input and returns a LeadID.
func NewLeadID(rawInput string) (LeadID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidLeadID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidLeadID, maxIdentifierLength)
	}
	return LeadID(trimmed), nil
}

// String returns the underlying string identifier.
func (id LeadID) String() string {
	return string(id)
}

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// Enumerated domains for lead attributes. Values mirror the intake form.
var (
	cityValues         = []string{"Chandigarh", "Mohali", "Zirakpur", "Panchkula", "Other"}
	propertyTypeValues = []string{"Apartment", "Villa", "Plot", "Office", "Retail"}
	bhkValues          = []string{"1", "2", "3", "4", "Studio"}
	purposeValues      = []string{"Buy", "Rent"}
	timelineValues     = []string{"0-3m", "3-6m", ">6m", "Exploring"}
	sourceValues       = []string{"Website", "Referral", "Walk-in", "Call", "Other"}
	statusValues       = []string{"New", "Qualified", "Contacted", "Visited", "Negotiation", "Converted", "Dropped"}
)

// Property types that make the bhk field mandatory.
const (
	PropertyTypeApartment = "Apartment"
	PropertyTypeVilla     = "Villa"
)

// StatusNew is the lifecycle starting point for every lead.
const StatusNew = "New"

// Lead models the persisted buyer lead row.
type Lead struct {
	LeadID       string    `gorm:"column:lead_id;primaryKey;size:36;not null"`
	FullName     string    `gorm:"column:full_name;size:80;not null;index:idx_leads_name"`
	Email        string    `gorm:"column:email;size:320"`
	Phone        string    `gorm:"column:phone;size:15;not null"`
	City         string    `gorm:"column:city;size:50;not null"`
	PropertyType string    `gorm:"column:property_type;size:50;not null"`
	BHK          string    `gorm:"column:bhk;size:10"`
	Purpose      string    `gorm:"column:purpose;size:10;not null"`
	BudgetMin    *int64    `gorm:"column:budget_min"`
	BudgetMax    *int64    `gorm:"column:budget_max"`
	Timeline     string    `gorm:"column:timeline;size:20;not null"`
	Source       string    `gorm:"column:source;size:20;not null"`
	Status       string    `gorm:"column:status;size:20;not null;default:'New'"`
	Notes        string    `gorm:"column:notes;type:text"`
	TagsJSON     string    `gorm:"column:tags_json;type:text;not null;default:'[]'"`
	OwnerID      string    `gorm:"column:owner_id;size:190;not null;index:idx_leads_owner"`
	UpdatedAt    time.Time `gorm:"column:updated_at;not null;index:idx_leads_updated"`
}

// TableName provides the explicit table binding for GORM.
func (Lead) TableName() string {
	return "leads"
}

// Tags decodes the stored tag list. A malformed column yields an empty list.
func (l Lead) Tags() []string {
	if strings.TrimSpace(l.TagsJSON) == "" {
		return nil
	}
	var tags []string
	if err := json.Unmarshal([]byte(l.TagsJSON), &tags); err != nil {
		return nil
	}
	return tags
}

// SetTags encodes the provided tag list into the stored column.
func (l *Lead) SetTags(tags []string) {
	if tags == nil {
		tags = []string{}
	}
	encoded, err := json.Marshal(tags)
	if err != nil {
		l.TagsJSON = "[]"
		return
	}
	l.TagsJSON = string(encoded)
}

// LeadHistory captures one immutable audit entry for a lead mutation.
type LeadHistory struct {
	EntryID   string    `gorm:"column:entry_id;primaryKey;size:36;not null"`
	LeadID    string    `gorm:"column:lead_id;size:36;not null;index:idx_lead_history_lead_time,priority:1"`
	ChangedBy string    `gorm:"column:changed_by;size:190;not null"`
	ChangedAt time.Time `gorm:"column:changed_at;not null;index:idx_lead_history_lead_time,priority:2"`
	DiffJSON  string    `gorm:"column:diff_json;type:text;not null"`
}

// TableName provides the explicit table binding for GORM.
func (LeadHistory) TableName() string {
	return "lead_history"
}

func isOneOf(value string, allowed []string) bool {
	for _, candidate := range allowed {
		if candidate == value {
			return true
		}
	}
	return false
}
