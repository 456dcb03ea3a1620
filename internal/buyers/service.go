package buyers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/propfunnel/leadintake/backend/internal/auth"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

// Pipeline failure taxonomy. The HTTP layer maps these onto status codes.
var (
	// ErrUnauthorized indicates the request carried no caller identity.
	ErrUnauthorized = errors.New("buyers: unauthorized")
	// ErrForbidden indicates the caller is neither the owner nor an admin.
	ErrForbidden = errors.New("buyers: forbidden")
	// ErrNotFound indicates the target lead does not exist.
	ErrNotFound = errors.New("buyers: lead not found")
	// ErrConflict indicates the target lead vanished between load and write.
	ErrConflict = errors.New("buyers: lead changed during write")
)

// ServiceError wraps unexpected store failures with a dot-delimited code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew  = "buyers.service.new"
	opCreateLead  = "buyers.create_lead"
	opUpdateLead  = "buyers.update_lead"
	opGetLead     = "buyers.get_lead"
	opListLeads   = "buyers.list_leads"
	opImportLeads = "buyers.import_leads"
	opLeadHistory = "buyers.lead_history"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// IDProvider issues identifiers for new leads and history entries.
type IDProvider interface {
	NewID() (string, error)
}

// ServiceConfig describes the dependencies of the lead service.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Service runs the lead mutation pipeline and the read paths over it.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewService validates dependencies and constructs the service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// Create runs the creation path: authenticate, validate (full mode), build
// the record with the caller as owner, persist, then record the initial
// history entry. The owner always comes from the caller identity, never
// from the payload.
func (s *Service) Create(ctx context.Context, actor auth.Identity, input LeadInput) (Lead, error) {
	if actor.IsZero() {
		return Lead{}, ErrUnauthorized
	}
	if violations := input.Validate(ValidateFull); len(violations) > 0 {
		return Lead{}, &ValidationError{Violations: violations}
	}

	leadID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreateLead, "id_generation_failed", err)
		return Lead{}, newServiceError(opCreateLead, "id_generation_failed", err)
	}

	lead := Lead{
		LeadID:   leadID,
		Status:   StatusNew,
		TagsJSON: "[]",
		OwnerID:  actor.UserID,
	}
	applyInput(&lead, input)
	lead.OwnerID = actor.UserID
	lead.UpdatedAt = s.clock().UTC()

	if err := s.db.WithContext(ctx).Create(&lead).Error; err != nil {
		s.logError(opCreateLead, "insert_failed", err, zap.String("lead_id", leadID))
		return Lead{}, newServiceError(opCreateLead, "insert_failed", err)
	}

	// Initial history entry records every populated field against the empty
	// snapshot. Failure never unwinds the insert.
	creation := computeDiff(Lead{}, lead, leadFieldNames)
	s.recordHistory(ctx, lead.LeadID, actor.UserID, creation, opCreateLead)

	return lead, nil
}

// Update runs the mutation pipeline against an existing lead:
// authenticate, load, authorize (owner or admin), validate (partial mode),
// merge, persist, then diff and record history. Any stage failure aborts
// with no partial write; history failure after a successful persist is
// logged and surfaced nowhere else.
func (s *Service) Update(ctx context.Context, actor auth.Identity, id string, input LeadInput) (Lead, error) {
	if actor.IsZero() {
		return Lead{}, ErrUnauthorized
	}
	leadID, err := NewLeadID(id)
	if err != nil {
		return Lead{}, ErrNotFound
	}

	var existing Lead
	err = s.db.WithContext(ctx).Where("lead_id = ?", leadID.String()).Take(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Lead{}, ErrNotFound
	}
	if err != nil {
		s.logError(opUpdateLead, "lead_select_failed", err, zap.String("lead_id", leadID.String()))
		return Lead{}, newServiceError(opUpdateLead, "lead_select_failed", err)
	}

	if !actor.CanWrite(existing.OwnerID) {
		return Lead{}, ErrForbidden
	}

	if violations := input.Validate(ValidatePartial); len(violations) > 0 {
		return Lead{}, &ValidationError{Violations: violations}
	}

	merged := existing
	touched := applyInput(&merged, input)
	merged.OwnerID = actor.UserID
	merged.UpdatedAt = s.clock().UTC()

	result := s.db.WithContext(ctx).
		Model(&Lead{}).
		Where("lead_id = ?", leadID.String()).
		Updates(updateColumns(merged, touched))
	if result.Error != nil {
		s.logError(opUpdateLead, "lead_update_failed", result.Error, zap.String("lead_id", leadID.String()))
		return Lead{}, newServiceError(opUpdateLead, "lead_update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return Lead{}, ErrConflict
	}

	// The diff is computed against the snapshot loaded before the write;
	// under a lost-update race the recorded before-values can belong to an
	// overwritten row. Accepted last-writer-wins behavior.
	diff := computeDiff(existing, merged, append(touched, "ownerId"))
	s.recordHistory(ctx, leadID.String(), actor.UserID, diff, opUpdateLead)

	return merged, nil
}

// Get fetches one lead by identifier.
func (s *Service) Get(ctx context.Context, id string) (Lead, error) {
	leadID, err := NewLeadID(id)
	if err != nil {
		return Lead{}, ErrNotFound
	}
	var lead Lead
	err = s.db.WithContext(ctx).Where("lead_id = ?", leadID.String()).Take(&lead).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Lead{}, ErrNotFound
	}
	if err != nil {
		s.logError(opGetLead, "lead_select_failed", err, zap.String("lead_id", leadID.String()))
		return Lead{}, newServiceError(opGetLead, "lead_select_failed", err)
	}
	return lead, nil
}

// ListQuery captures the supported list filters.
type ListQuery struct {
	NameContains string
	City         string
	PropertyType string
	Status       string
	Timeline     string
	Page         int
}

// ListResult is one page of leads plus pagination counters.
type ListResult struct {
	Items      []Lead
	Total      int64
	Page       int
	TotalPages int
}

const listPageSize = 10

// List returns a filtered page of leads ordered by last update, newest
// first.
func (s *Service) List(ctx context.Context, query ListQuery) (ListResult, error) {
	page := query.Page
	if page < 1 {
		page = 1
	}

	scoped := s.db.WithContext(ctx).Model(&Lead{})
	if trimmed := strings.TrimSpace(query.NameContains); trimmed != "" {
		scoped = scoped.Where("full_name LIKE ?", "%"+trimmed+"%")
	}
	if query.City != "" {
		scoped = scoped.Where("city = ?", query.City)
	}
	if query.PropertyType != "" {
		scoped = scoped.Where("property_type = ?", query.PropertyType)
	}
	if query.Status != "" {
		scoped = scoped.Where("status = ?", query.Status)
	}
	if query.Timeline != "" {
		scoped = scoped.Where("timeline = ?", query.Timeline)
	}

	var total int64
	if err := scoped.Count(&total).Error; err != nil {
		s.logError(opListLeads, "count_failed", err)
		return ListResult{}, newServiceError(opListLeads, "count_failed", err)
	}

	var items []Lead
	if err := scoped.
		Order("updated_at DESC").
		Limit(listPageSize).
		Offset((page - 1) * listPageSize).
		Find(&items).Error; err != nil {
		s.logError(opListLeads, "query_failed", err)
		return ListResult{}, newServiceError(opListLeads, "query_failed", err)
	}

	totalPages := int((total + listPageSize - 1) / listPageSize)
	return ListResult{Items: items, Total: total, Page: page, TotalPages: totalPages}, nil
}

// Import bulk-creates pre-parsed rows on behalf of the caller. Every row is
// validated in full mode before anything is written; a single invalid row
// aborts the whole batch with its violations prefixed by the row index. All
// rows are inserted in one transaction and owned by the caller.
func (s *Service) Import(ctx context.Context, actor auth.Identity, rows []LeadInput) ([]Lead, error) {
	if actor.IsZero() {
		return nil, ErrUnauthorized
	}

	var violations Violations
	for index, row := range rows {
		for _, violation := range row.Validate(ValidateFull) {
			violation.Field = fmt.Sprintf("rows[%d].%s", index, violation.Field)
			violations = append(violations, violation)
		}
	}
	if len(violations) > 0 {
		return nil, &ValidationError{Violations: violations}
	}

	now := s.clock().UTC()
	leads := make([]Lead, 0, len(rows))
	for _, row := range rows {
		leadID, err := s.idProvider.NewID()
		if err != nil {
			s.logError(opImportLeads, "id_generation_failed", err)
			return nil, newServiceError(opImportLeads, "id_generation_failed", err)
		}
		lead := Lead{
			LeadID:   leadID,
			Status:   StatusNew,
			TagsJSON: "[]",
			OwnerID:  actor.UserID,
		}
		applyInput(&lead, row)
		lead.OwnerID = actor.UserID
		lead.UpdatedAt = now
		leads = append(leads, lead)
	}

	if len(leads) > 0 {
		if err := s.db.WithContext(ctx).Create(&leads).Error; err != nil {
			s.logError(opImportLeads, "bulk_insert_failed", err, zap.Int("rows", len(leads)))
			return nil, newServiceError(opImportLeads, "bulk_insert_failed", err)
		}
	}

	return leads, nil
}

// applyInput merges provided fields onto the lead and returns the names of
// the fields present in the payload, in canonical field order.
func applyInput(lead *Lead, input LeadInput) []string {
	var touched []string
	touch := func(field string) {
		touched = append(touched, field)
	}

	if input.FullName != nil {
		lead.FullName = strings.TrimSpace(*input.FullName)
		touch("fullName")
	}
	if input.Email != nil {
		lead.Email = strings.TrimSpace(*input.Email)
		touch("email")
	}
	if input.Phone != nil {
		lead.Phone = strings.TrimSpace(*input.Phone)
		touch("phone")
	}
	if input.City != nil {
		lead.City = *input.City
		touch("city")
	}
	if input.PropertyType != nil {
		lead.PropertyType = *input.PropertyType
		touch("propertyType")
	}
	if input.BHK != nil {
		lead.BHK = *input.BHK
		touch("bhk")
	}
	if input.Purpose != nil {
		lead.Purpose = *input.Purpose
		touch("purpose")
	}
	if input.BudgetMin != nil {
		if input.BudgetMin.Set {
			value := input.BudgetMin.Value
			lead.BudgetMin = &value
		} else {
			lead.BudgetMin = nil
		}
		touch("budgetMin")
	}
	if input.BudgetMax != nil {
		if input.BudgetMax.Set {
			value := input.BudgetMax.Value
			lead.BudgetMax = &value
		} else {
			lead.BudgetMax = nil
		}
		touch("budgetMax")
	}
	if input.Timeline != nil {
		lead.Timeline = *input.Timeline
		touch("timeline")
	}
	if input.Source != nil {
		lead.Source = *input.Source
		touch("source")
	}
	if input.Status != nil {
		lead.Status = *input.Status
		touch("status")
	}
	if input.Notes != nil {
		lead.Notes = *input.Notes
		touch("notes")
	}
	if input.Tags != nil {
		lead.SetTags(input.Tags.Normalized())
		touch("tags")
	}

	return touched
}

// updateColumns maps the touched fields plus the pipeline-stamped columns
// onto their storage representation for a partial UPDATE.
func updateColumns(lead Lead, touched []string) map[string]any {
	columns := map[string]any{
		"owner_id":   lead.OwnerID,
		"updated_at": lead.UpdatedAt,
	}
	for _, field := range touched {
		switch field {
		case "fullName":
			columns["full_name"] = lead.FullName
		case "email":
			columns["email"] = lead.Email
		case "phone":
			columns["phone"] = lead.Phone
		case "city":
			columns["city"] = lead.City
		case "propertyType":
			columns["property_type"] = lead.PropertyType
		case "bhk":
			columns["bhk"] = lead.BHK
		case "purpose":
			columns["purpose"] = lead.Purpose
		case "budgetMin":
			columns["budget_min"] = lead.BudgetMin
		case "budgetMax":
			columns["budget_max"] = lead.BudgetMax
		case "timeline":
			columns["timeline"] = lead.Timeline
		case "source":
			columns["source"] = lead.Source
		case "status":
			columns["status"] = lead.Status
		case "notes":
			columns["notes"] = lead.Notes
		case "tags":
			columns["tags_json"] = lead.TagsJSON
		}
	}
	return columns
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("buyers service error", attrs...)
}
