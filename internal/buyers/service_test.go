package buyers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/propfunnel/leadintake/backend/internal/auth"
	"gorm.io/gorm"
)

type staticIDGenerator struct {
	ids   []string
	index int
}

func (g *staticIDGenerator) NewID() (string, error) {
	if g.index >= len(g.ids) {
		return "", errors.New("exhausted ids")
	}
	id := g.ids[g.index]
	g.index++
	return id, nil
}

type manualClock struct {
	now time.Time
}

func (c *manualClock) Now() time.Time {
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func newTestService(t *testing.T, ids []string) (*Service, *gorm.DB, *manualClock) {
	t.Helper()

	dsn := fmt.Sprintf("file:leadintake_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Lead{}, &LeadHistory{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	generator := &staticIDGenerator{ids: ids}
	clock := &manualClock{now: time.Unix(1700000600, 0).UTC()}

	service, err := NewService(ServiceConfig{
		Database:   db,
		Clock:      clock.Now,
		IDProvider: generator,
	})
	if err != nil {
		t.Fatalf("failed to construct lead service: %v", err)
	}

	return service, db, clock
}

var (
	ownerActor = auth.Identity{UserID: "user-1", Role: auth.RoleUser}
	otherActor = auth.Identity{UserID: "user-2", Role: auth.RoleUser}
	adminActor = auth.Identity{UserID: "admin-1", Role: auth.RoleAdmin}
)

func TestServiceCreateDefaultsStatusAndOwner(t *testing.T) {
	service, db, _ := newTestService(t, []string{"lead-1", "entry-1"})

	lead, err := service.Create(context.Background(), ownerActor, validCreateInput())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if lead.Status != "New" {
		t.Fatalf("expected default status New, got %s", lead.Status)
	}
	if lead.OwnerID != "user-1" {
		t.Fatalf("expected owner user-1, got %s", lead.OwnerID)
	}

	var stored Lead
	if err := db.First(&stored).Error; err != nil {
		t.Fatalf("failed to load stored lead: %v", err)
	}
	if stored.FullName != "Ann Lee" || stored.Phone != "9998887777" || stored.City != "Mohali" {
		t.Fatalf("unexpected stored lead: %+v", stored)
	}

	var entry LeadHistory
	if err := db.First(&entry).Error; err != nil {
		t.Fatalf("failed to load creation history: %v", err)
	}
	if entry.LeadID != "lead-1" || entry.ChangedBy != "user-1" {
		t.Fatalf("unexpected history entry: %+v", entry)
	}
	var diff map[string][2]any
	if err := json.Unmarshal([]byte(entry.DiffJSON), &diff); err != nil {
		t.Fatalf("failed to decode diff: %v", err)
	}
	if pair, ok := diff["status"]; !ok || pair[1] != "New" {
		t.Fatalf("creation diff should record default status, got %s", entry.DiffJSON)
	}
}

func TestServiceCreateIgnoresOwnerInPayload(t *testing.T) {
	// Owner always comes from the caller identity; there is no payload field
	// that can override it.
	service, _, _ := newTestService(t, []string{"lead-1", "entry-1"})

	lead, err := service.Create(context.Background(), adminActor, validCreateInput())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if lead.OwnerID != "admin-1" {
		t.Fatalf("expected owner admin-1, got %s", lead.OwnerID)
	}
}

func TestServiceCreateRejectsMissingBHKAndWritesNothing(t *testing.T) {
	service, db, _ := newTestService(t, []string{"lead-1", "entry-1"})

	input := validCreateInput()
	input.PropertyType = strPtr("Apartment")

	_, err := service.Create(context.Background(), ownerActor, input)
	var validation *ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if !hasViolationOn(validation.Violations, "bhk") {
		t.Fatalf("expected bhk violation, got %v", violationFields(validation.Violations))
	}

	var leadCount, historyCount int64
	if err := db.Model(&Lead{}).Count(&leadCount).Error; err != nil {
		t.Fatalf("failed to count leads: %v", err)
	}
	if err := db.Model(&LeadHistory{}).Count(&historyCount).Error; err != nil {
		t.Fatalf("failed to count history: %v", err)
	}
	if leadCount != 0 || historyCount != 0 {
		t.Fatalf("rejected create must write nothing, got %d leads %d history", leadCount, historyCount)
	}
}

func TestServiceCreateRequiresIdentity(t *testing.T) {
	service, _, _ := newTestService(t, []string{"lead-1", "entry-1"})

	_, err := service.Create(context.Background(), auth.Identity{}, validCreateInput())
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestServiceUpdateStatusRecordsDiff(t *testing.T) {
	service, db, clock := newTestService(t, []string{"lead-1", "entry-1", "entry-2"})

	created, err := service.Create(context.Background(), ownerActor, validCreateInput())
	if err != nil {
		t.Fatalf("failed to seed lead: %v", err)
	}
	clock.Advance(time.Minute)

	updated, err := service.Update(context.Background(), ownerActor, created.LeadID, LeadInput{Status: strPtr("Contacted")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if updated.Status != "Contacted" {
		t.Fatalf("expected status Contacted, got %s", updated.Status)
	}
	if !updated.UpdatedAt.After(created.UpdatedAt) {
		t.Fatalf("expected updated timestamp to move forward")
	}

	var entries []LeadHistory
	if err := db.Order("changed_at ASC").Find(&entries).Error; err != nil {
		t.Fatalf("failed to load history: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected creation entry plus one update entry, got %d", len(entries))
	}
	if entries[1].DiffJSON != `{"status":["New","Contacted"]}` {
		t.Fatalf("unexpected diff payload: %s", entries[1].DiffJSON)
	}
	if entries[1].ChangedBy != "user-1" {
		t.Fatalf("unexpected actor: %s", entries[1].ChangedBy)
	}
}

func TestServiceUpdateForbiddenForNonOwner(t *testing.T) {
	service, db, _ := newTestService(t, []string{"lead-1", "entry-1"})

	created, err := service.Create(context.Background(), ownerActor, validCreateInput())
	if err != nil {
		t.Fatalf("failed to seed lead: %v", err)
	}

	_, err = service.Update(context.Background(), otherActor, created.LeadID, LeadInput{Status: strPtr("Contacted")})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}

	// Payload validity is irrelevant: authorization runs before validation.
	_, err = service.Update(context.Background(), otherActor, created.LeadID, LeadInput{Status: strPtr("NotAStatus")})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for invalid payload too, got %v", err)
	}

	var stored Lead
	if err := db.First(&stored).Error; err != nil {
		t.Fatalf("failed to load lead: %v", err)
	}
	if stored.Status != "New" {
		t.Fatalf("forbidden update must not modify the lead")
	}
}

func TestServiceUpdateAdminOverridesOwnership(t *testing.T) {
	service, _, clock := newTestService(t, []string{"lead-1", "entry-1", "entry-2"})

	created, err := service.Create(context.Background(), ownerActor, validCreateInput())
	if err != nil {
		t.Fatalf("failed to seed lead: %v", err)
	}
	clock.Advance(time.Minute)

	updated, err := service.Update(context.Background(), adminActor, created.LeadID, LeadInput{Status: strPtr("Qualified")})
	if err != nil {
		t.Fatalf("expected admin update to succeed, got %v", err)
	}
	if updated.OwnerID != "admin-1" {
		t.Fatalf("admin write reassigns ownership to the caller, got %s", updated.OwnerID)
	}
}

func TestServiceUpdateNoopWritesNoHistory(t *testing.T) {
	service, db, clock := newTestService(t, []string{"lead-1", "entry-1", "entry-2"})

	created, err := service.Create(context.Background(), ownerActor, validCreateInput())
	if err != nil {
		t.Fatalf("failed to seed lead: %v", err)
	}
	clock.Advance(time.Minute)

	if _, err := service.Update(context.Background(), ownerActor, created.LeadID, LeadInput{Status: strPtr("New")}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var historyCount int64
	if err := db.Model(&LeadHistory{}).Count(&historyCount).Error; err != nil {
		t.Fatalf("failed to count history: %v", err)
	}
	if historyCount != 1 {
		t.Fatalf("no-op update must not append history, got %d entries", historyCount)
	}
}

func TestServiceUpdateMultipleFieldsSingleEntry(t *testing.T) {
	service, db, clock := newTestService(t, []string{"lead-1", "entry-1", "entry-2"})

	created, err := service.Create(context.Background(), ownerActor, validCreateInput())
	if err != nil {
		t.Fatalf("failed to seed lead: %v", err)
	}
	clock.Advance(time.Minute)

	_, err = service.Update(context.Background(), ownerActor, created.LeadID, LeadInput{
		Status: strPtr("Contacted"),
		Notes:  strPtr("left a voicemail"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var entries []LeadHistory
	if err := db.Order("changed_at ASC").Find(&entries).Error; err != nil {
		t.Fatalf("failed to load history: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected exactly one update entry, got %d total", len(entries))
	}
	var diff map[string][2]any
	if err := json.Unmarshal([]byte(entries[1].DiffJSON), &diff); err != nil {
		t.Fatalf("failed to decode diff: %v", err)
	}
	if len(diff) != 2 {
		t.Fatalf("expected two changed fields, got %d: %s", len(diff), entries[1].DiffJSON)
	}
}

func TestServiceUpdateUnknownLeadNotFound(t *testing.T) {
	service, _, _ := newTestService(t, []string{"entry-1"})

	_, err := service.Update(context.Background(), ownerActor, "missing-lead", LeadInput{Status: strPtr("Contacted")})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestServiceUpdateDiffAgainstLatestSnapshot(t *testing.T) {
	service, db, clock := newTestService(t, []string{"lead-1", "entry-1", "entry-2", "entry-3"})

	created, err := service.Create(context.Background(), ownerActor, validCreateInput())
	if err != nil {
		t.Fatalf("failed to seed lead: %v", err)
	}

	clock.Advance(time.Minute)
	if _, err := service.Update(context.Background(), ownerActor, created.LeadID, LeadInput{Status: strPtr("Contacted")}); err != nil {
		t.Fatalf("first update failed: %v", err)
	}
	clock.Advance(time.Minute)
	if _, err := service.Update(context.Background(), ownerActor, created.LeadID, LeadInput{Status: strPtr("Visited")}); err != nil {
		t.Fatalf("second update failed: %v", err)
	}

	var entries []LeadHistory
	if err := db.Order("changed_at ASC").Find(&entries).Error; err != nil {
		t.Fatalf("failed to load history: %v", err)
	}
	if entries[len(entries)-1].DiffJSON != `{"status":["Contacted","Visited"]}` {
		t.Fatalf("diff must be computed against the latest snapshot, got %s", entries[len(entries)-1].DiffJSON)
	}
}

func TestServiceUpdateRowRemovedMidFlightConflict(t *testing.T) {
	service, db, _ := newTestService(t, []string{"lead-1", "entry-1"})

	created, err := service.Create(context.Background(), ownerActor, validCreateInput())
	if err != nil {
		t.Fatalf("failed to seed lead: %v", err)
	}

	// Drop the row between the snapshot load and the write by hooking the
	// update pipeline, simulating a concurrent delete.
	removed := false
	err = db.Callback().Update().Before("gorm:update").Register("drop_row_mid_flight", func(tx *gorm.DB) {
		if removed {
			return
		}
		removed = true
		if execErr := db.Exec("DELETE FROM leads WHERE lead_id = ?", created.LeadID).Error; execErr != nil {
			t.Errorf("failed to remove row: %v", execErr)
		}
	})
	if err != nil {
		t.Fatalf("failed to register callback: %v", err)
	}

	_, err = service.Update(context.Background(), ownerActor, created.LeadID, LeadInput{Status: strPtr("Contacted")})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	var count int64
	if err := db.Model(&LeadHistory{}).Where("lead_id = ?", created.LeadID).Count(&count).Error; err != nil {
		t.Fatalf("failed to count history: %v", err)
	}
	if count != 1 {
		t.Fatalf("conflicting update must append no history, found %d entries", count)
	}
}

func TestServiceUpdateLastWriterWinsOverCompetingWrite(t *testing.T) {
	service, db, _ := newTestService(t, []string{"lead-1", "entry-1", "entry-2"})

	created, err := service.Create(context.Background(), ownerActor, validCreateInput())
	if err != nil {
		t.Fatalf("failed to seed lead: %v", err)
	}

	// A competing writer lands between the snapshot load and the write.
	staged := false
	err = db.Callback().Update().Before("gorm:update").Register("competing_write_mid_flight", func(tx *gorm.DB) {
		if staged {
			return
		}
		staged = true
		if execErr := db.Exec("UPDATE leads SET notes = ? WHERE lead_id = ?", "competing note", created.LeadID).Error; execErr != nil {
			t.Errorf("failed to stage competing write: %v", execErr)
		}
	})
	if err != nil {
		t.Fatalf("failed to register callback: %v", err)
	}

	updated, err := service.Update(context.Background(), ownerActor, created.LeadID, LeadInput{Notes: strPtr("call back")})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if updated.Notes != "call back" {
		t.Fatalf("expected last write to win, got notes %q", updated.Notes)
	}

	var stored Lead
	if err := db.Where("lead_id = ?", created.LeadID).Take(&stored).Error; err != nil {
		t.Fatalf("failed to reload lead: %v", err)
	}
	if stored.Notes != "call back" {
		t.Fatalf("expected last write to win in storage, got notes %q", stored.Notes)
	}

	var entries []LeadHistory
	if err := db.Order("changed_at ASC").Find(&entries).Error; err != nil {
		t.Fatalf("failed to load history: %v", err)
	}
	// The before-value comes from the snapshot loaded ahead of the write,
	// not from the competing row state.
	if last := entries[len(entries)-1]; last.DiffJSON != `{"notes":["","call back"]}` {
		t.Fatalf("unexpected diff %s", last.DiffJSON)
	}
}

func TestServiceHistoryFailureDoesNotFailMutation(t *testing.T) {
	// Only one identifier available: the lead insert consumes it, the
	// history append cannot obtain one and is dropped with a log line.
	service, db, _ := newTestService(t, []string{"lead-1"})

	lead, err := service.Create(context.Background(), ownerActor, validCreateInput())
	if err != nil {
		t.Fatalf("create must succeed despite history failure, got %v", err)
	}
	if lead.LeadID != "lead-1" {
		t.Fatalf("unexpected lead id %s", lead.LeadID)
	}

	var historyCount int64
	if err := db.Model(&LeadHistory{}).Count(&historyCount).Error; err != nil {
		t.Fatalf("failed to count history: %v", err)
	}
	if historyCount != 0 {
		t.Fatalf("expected no history entries, got %d", historyCount)
	}
}

func TestServiceHistoryReadOrderedByTime(t *testing.T) {
	service, _, clock := newTestService(t, []string{"lead-1", "entry-1", "entry-2", "entry-3"})

	created, err := service.Create(context.Background(), ownerActor, validCreateInput())
	if err != nil {
		t.Fatalf("failed to seed lead: %v", err)
	}
	clock.Advance(time.Minute)
	if _, err := service.Update(context.Background(), ownerActor, created.LeadID, LeadInput{Status: strPtr("Contacted")}); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	entries, err := service.History(context.Background(), created.LeadID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].ChangedAt.After(entries[1].ChangedAt) {
		t.Fatalf("entries must be ordered by creation time")
	}

	if _, err := service.History(context.Background(), "missing-lead"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown lead, got %v", err)
	}
}

func TestServiceListFiltersAndPaginates(t *testing.T) {
	ids := make([]string, 0, 26)
	for i := 0; i < 13; i++ {
		ids = append(ids, fmt.Sprintf("lead-%d", i), fmt.Sprintf("entry-%d", i))
	}
	service, _, clock := newTestService(t, ids)

	for i := 0; i < 13; i++ {
		input := validCreateInput()
		if i%2 == 0 {
			input.City = strPtr("Chandigarh")
		}
		if _, err := service.Create(context.Background(), ownerActor, input); err != nil {
			t.Fatalf("failed to seed lead %d: %v", i, err)
		}
		clock.Advance(time.Second)
	}

	result, err := service.List(context.Background(), ListQuery{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Total != 13 || len(result.Items) != 10 || result.TotalPages != 2 || result.Page != 1 {
		t.Fatalf("unexpected page: total=%d items=%d pages=%d", result.Total, len(result.Items), result.TotalPages)
	}
	if result.Items[0].LeadID != "lead-12" {
		t.Fatalf("expected newest lead first, got %s", result.Items[0].LeadID)
	}

	second, err := service.List(context.Background(), ListQuery{Page: 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(second.Items) != 3 {
		t.Fatalf("expected 3 items on page 2, got %d", len(second.Items))
	}

	filtered, err := service.List(context.Background(), ListQuery{City: "Chandigarh"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if filtered.Total != 7 {
		t.Fatalf("expected 7 Chandigarh leads, got %d", filtered.Total)
	}

	named, err := service.List(context.Background(), ListQuery{NameContains: "nn Le"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if named.Total != 13 {
		t.Fatalf("expected substring match on every lead, got %d", named.Total)
	}

	missed, err := service.List(context.Background(), ListQuery{Status: "Dropped"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if missed.Total != 0 {
		t.Fatalf("expected no Dropped leads, got %d", missed.Total)
	}
}

func TestServiceImportAssignsOwnerToEveryRow(t *testing.T) {
	service, db, _ := newTestService(t, []string{"lead-1", "lead-2"})

	rowA := validCreateInput()
	rowB := validCreateInput()
	rowB.FullName = strPtr("Raj Mehta")

	leads, err := service.Import(context.Background(), ownerActor, []LeadInput{rowA, rowB})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(leads) != 2 {
		t.Fatalf("expected 2 imported leads, got %d", len(leads))
	}

	var stored []Lead
	if err := db.Find(&stored).Error; err != nil {
		t.Fatalf("failed to load leads: %v", err)
	}
	for _, lead := range stored {
		if lead.OwnerID != "user-1" {
			t.Fatalf("imported lead must be owned by the caller, got %s", lead.OwnerID)
		}
	}
}

func TestServiceImportRejectsBatchWithInvalidRow(t *testing.T) {
	service, db, _ := newTestService(t, []string{"lead-1", "lead-2"})

	good := validCreateInput()
	bad := validCreateInput()
	bad.Phone = strPtr("123")

	_, err := service.Import(context.Background(), ownerActor, []LeadInput{good, bad})
	var validation *ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if !hasViolationOn(validation.Violations, "rows[1].phone") {
		t.Fatalf("expected row-scoped violation, got %v", violationFields(validation.Violations))
	}

	var leadCount int64
	if err := db.Model(&Lead{}).Count(&leadCount).Error; err != nil {
		t.Fatalf("failed to count leads: %v", err)
	}
	if leadCount != 0 {
		t.Fatalf("invalid batch must write nothing, got %d rows", leadCount)
	}
}

func TestServiceGet(t *testing.T) {
	service, _, _ := newTestService(t, []string{"lead-1", "entry-1"})

	created, err := service.Create(context.Background(), ownerActor, validCreateInput())
	if err != nil {
		t.Fatalf("failed to seed lead: %v", err)
	}

	fetched, err := service.Get(context.Background(), created.LeadID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fetched.LeadID != created.LeadID {
		t.Fatalf("unexpected lead: %+v", fetched)
	}

	if _, err := service.Get(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
