package items

import (
	"context"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/vault/internal/activity"
	"github.com/MarcoPoloResearchLab/vault/internal/apperrors"
	"github.com/MarcoPoloResearchLab/vault/internal/cache"
	"github.com/MarcoPoloResearchLab/vault/internal/ids"
	"github.com/MarcoPoloResearchLab/vault/internal/query"
	"github.com/MarcoPoloResearchLab/vault/internal/spaces"
	"github.com/MarcoPoloResearchLab/vault/internal/testsupport"
	"github.com/MarcoPoloResearchLab/vault/internal/users"
	"gorm.io/gorm"
)

var (
	adminActor  = users.Actor{ID: "admin", Role: users.RoleAdmin, Status: users.StatusApproved}
	memberActor = users.Actor{ID: "member", Role: users.RoleMember, Status: users.StatusApproved}
)

type fixture struct {
	db       *gorm.DB
	items    *Service
	spaces   *spaces.Service
	personal spaces.Space
	common   spaces.Space
}

type steppingClock struct {
	current time.Time
}

func (c *steppingClock) Now() time.Time {
	c.current = c.current.Add(time.Second)
	return c.current
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	db := testsupport.OpenDB(t, &spaces.Space{}, &Item{}, &Revision{}, &activity.Log{})
	manager, err := cache.NewManager(cache.Config{Backend: cache.NewMemoryBackend(nil)})
	if err != nil {
		t.Fatalf("failed to construct cache: %v", err)
	}
	executor := query.NewExecutor(manager, nil)
	clock := &steppingClock{current: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)}
	recorder, err := activity.NewRecorder(activity.Config{Database: db, Clock: clock.Now})
	if err != nil {
		t.Fatalf("failed to construct recorder: %v", err)
	}
	spaceService, err := spaces.NewService(spaces.ServiceConfig{
		Database:   db,
		Queries:    executor,
		IDProvider: ids.NewUUIDProvider(),
		Clock:      clock.Now,
	})
	if err != nil {
		t.Fatalf("failed to construct spaces: %v", err)
	}
	itemService, err := NewService(ServiceConfig{
		Database:   db,
		Spaces:     spaceService,
		Queries:    executor,
		IDProvider: ids.NewUUIDProvider(),
		Activity:   recorder,
		Clock:      clock.Now,
	})
	if err != nil {
		t.Fatalf("failed to construct items: %v", err)
	}
	ctx := context.Background()
	personal, err := spaceService.EnsurePersonal(ctx, nil, memberActor.ID)
	if err != nil {
		t.Fatalf("failed to create personal space: %v", err)
	}
	common, err := spaceService.Create(ctx, adminActor, spaces.CreateInput{Name: "Team", Type: spaces.TypeCommon})
	if err != nil {
		t.Fatalf("failed to create common space: %v", err)
	}
	return fixture{db: db, items: itemService, spaces: spaceService, personal: personal, common: common}
}

func stringPointer(value string) *string {
	return &value
}

func TestCreateAppendsInitialRevision(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	item, err := f.items.Create(ctx, memberActor, f.personal.ID, Fields{
		Title:   "  Go Proverbs ",
		Content: "Clear is better than clever.",
		Tags:    []string{"Go", "go", " Proverbs "},
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if item.Title != "Go Proverbs" || item.Type != TypeBookmark {
		t.Fatalf("unexpected item %+v", item)
	}
	if !item.Tags.Equal(StringList{"go", "proverbs"}) {
		t.Fatalf("expected sanitized tags, got %v", item.Tags)
	}

	revisions, err := f.items.ListRevisions(ctx, memberActor, item.ID)
	if err != nil {
		t.Fatalf("list revisions failed: %v", err)
	}
	if len(revisions) != 1 {
		t.Fatalf("expected one revision, got %d", len(revisions))
	}
	if !revisions[0].ChangedFields.Equal(StringList(AllFields)) {
		t.Fatalf("expected all fields changed, got %v", revisions[0].ChangedFields)
	}
}

func TestCreateInCommonSpaceRequiresDirectAccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.items.Create(ctx, memberActor, f.common.ID, Fields{Title: "Shared"}); apperrors.KindOf(err) != apperrors.KindAuthorization {
		t.Fatalf("expected authorization error, got %v", err)
	}
	var count int64
	f.db.Model(&Item{}).Count(&count)
	if count != 0 {
		t.Fatalf("expected no items, got %d", count)
	}
	if _, err := f.items.Create(ctx, adminActor, f.common.ID, Fields{Title: "Shared"}); err != nil {
		t.Fatalf("admin create failed: %v", err)
	}
}

func TestUpdateRecordsDelta(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	item, err := f.items.Create(ctx, memberActor, f.personal.ID, Fields{Title: "Draft", Content: "body"})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	favorite := true
	updated, err := f.items.Update(ctx, memberActor, item.ID, Patch{Title: stringPointer("Final"), IsFavorite: &favorite})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if updated.Title != "Final" || !updated.IsFavorite || updated.Content != "body" {
		t.Fatalf("unexpected update result %+v", updated)
	}
	revisions, err := f.items.ListRevisions(ctx, memberActor, item.ID)
	if err != nil {
		t.Fatalf("list revisions failed: %v", err)
	}
	if len(revisions) != 2 || !revisions[0].ChangedFields.Equal(StringList{FieldTitle}) {
		t.Fatalf("expected newest revision to carry the title delta, got %+v", revisions)
	}
	if revisions[0].Seq <= revisions[1].Seq {
		t.Fatalf("expected newest-first ordering, got %d then %d", revisions[0].Seq, revisions[1].Seq)
	}

	if _, err := f.items.Update(ctx, adminActor, item.ID, Patch{}); apperrors.KindOf(err) != apperrors.KindValidation {
		t.Fatalf("expected validation error for empty patch, got %v", err)
	}
}

func TestRevertAppendsRevisionWithoutRewritingHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	item, err := f.items.Create(ctx, memberActor, f.personal.ID, Fields{Title: "v1", Content: "one", Tags: []string{"a"}})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := f.items.Update(ctx, memberActor, item.ID, Patch{Title: stringPointer("v2"), Content: stringPointer("two")}); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	before, err := f.items.ListRevisions(ctx, memberActor, item.ID)
	if err != nil {
		t.Fatalf("list revisions failed: %v", err)
	}
	original := before[len(before)-1]
	previousCurrent := before[0]

	reverted, revision, err := f.items.Revert(ctx, memberActor, item.ID, original.ID)
	if err != nil {
		t.Fatalf("revert failed: %v", err)
	}
	if reverted.Title != "v1" || reverted.Content != "one" {
		t.Fatalf("expected live item to carry reverted values, got %+v", reverted)
	}
	if !revision.ChangedFields.Equal(StringList{FieldTitle, FieldContent}) {
		t.Fatalf("expected delta against live values, got %v", revision.ChangedFields)
	}

	after, err := f.items.ListRevisions(ctx, memberActor, item.ID)
	if err != nil {
		t.Fatalf("list revisions failed: %v", err)
	}
	if len(after) != len(before)+1 {
		t.Fatalf("expected one additional revision, got %d", len(after))
	}
	latest := after[0]
	if latest.Title != original.Title || latest.Content != original.Content || !latest.Tags.Equal(original.Tags) {
		t.Fatalf("expected latest revision to equal the target, got %+v", latest)
	}
	if after[1].ID != previousCurrent.ID || after[1].Title != previousCurrent.Title {
		t.Fatalf("expected prior current revision to remain unchanged, got %+v", after[1])
	}
}

func TestRevertInCommonSpaceDeniedForMembers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	item, err := f.items.Create(ctx, adminActor, f.common.ID, Fields{Title: "Shared"})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	revisions, err := f.items.ListRevisions(ctx, memberActor, item.ID)
	if err != nil {
		t.Fatalf("member should read public common items: %v", err)
	}
	if _, _, err := f.items.Revert(ctx, memberActor, item.ID, revisions[0].ID); apperrors.KindOf(err) != apperrors.KindAuthorization {
		t.Fatalf("expected authorization error, got %v", err)
	}
}

func TestListAndSearch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.items.Create(ctx, memberActor, f.personal.ID, Fields{Title: "Gopher talk", Content: "channels", Tags: []string{"go"}}); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	listed, err := f.items.List(ctx, memberActor, ListFilter{})
	if err != nil || len(listed.Items) != 1 {
		t.Fatalf("unexpected list %+v %v", listed, err)
	}

	if _, err := f.items.Create(ctx, memberActor, f.personal.ID, Fields{Title: "Rust notes", Type: TypeNote, Tags: []string{"rust"}}); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	listed, err = f.items.List(ctx, memberActor, ListFilter{})
	if err != nil || listed.Page.Total != 2 {
		t.Fatalf("expected cache to be invalidated after create, got %+v %v", listed.Page, err)
	}

	found, err := f.items.Search(ctx, memberActor, SearchParams{Query: "CHANNELS"})
	if err != nil || len(found.Items) != 1 || found.Items[0].Title != "Gopher talk" {
		t.Fatalf("unexpected search result %+v %v", found, err)
	}
	byTag, err := f.items.Search(ctx, memberActor, SearchParams{Tags: []string{"Rust"}})
	if err != nil || len(byTag.Items) != 1 || byTag.Items[0].Type != TypeNote {
		t.Fatalf("unexpected tag search result %+v %v", byTag, err)
	}
	paged, err := f.items.Search(ctx, memberActor, SearchParams{Limit: 1, SortBy: "title", SortOrder: "asc"})
	if err != nil || len(paged.Items) != 1 || !paged.Page.HasMore || paged.Items[0].Title != "Gopher talk" {
		t.Fatalf("unexpected paged search %+v %v", paged, err)
	}

	if _, err := f.items.List(ctx, memberActor, ListFilter{SpaceID: "not-mine"}); apperrors.KindOf(err) != apperrors.KindNotFound {
		t.Fatalf("expected unknown space to be rejected, got %v", err)
	}
}

func TestDeleteHidesItem(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	item, err := f.items.Create(ctx, memberActor, f.personal.ID, Fields{Title: "Temporary"})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := f.items.Delete(ctx, memberActor, item.ID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := f.items.Get(ctx, memberActor, item.ID); apperrors.KindOf(err) != apperrors.KindNotFound {
		t.Fatalf("expected deleted item to be hidden, got %v", err)
	}
	rows, err := f.items.ExportRows(ctx, memberActor, ExportFilter{})
	if err != nil || len(rows) != 0 {
		t.Fatalf("expected no exportable rows, got %d %v", len(rows), err)
	}
}
