package files

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/vault/internal/activity"
	"github.com/MarcoPoloResearchLab/vault/internal/apperrors"
	"github.com/MarcoPoloResearchLab/vault/internal/cache"
	"github.com/MarcoPoloResearchLab/vault/internal/ids"
	"github.com/MarcoPoloResearchLab/vault/internal/items"
	"github.com/MarcoPoloResearchLab/vault/internal/query"
	"github.com/MarcoPoloResearchLab/vault/internal/retry"
	"github.com/MarcoPoloResearchLab/vault/internal/spaces"
	"github.com/MarcoPoloResearchLab/vault/internal/storage"
	"github.com/MarcoPoloResearchLab/vault/internal/testsupport"
	"github.com/MarcoPoloResearchLab/vault/internal/users"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

var (
	ownerActor    = users.Actor{ID: "owner", Role: users.RoleMember, Status: users.StatusApproved}
	strangerActor = users.Actor{ID: "stranger", Role: users.RoleMember, Status: users.StatusApproved}
	pngHeader     = []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A, 0x00, 0x00}
)

type spyStore struct {
	*storage.LocalStore
	removed   [][]string
	uploadErr error
}

func (s *spyStore) Upload(ctx context.Context, path string, data []byte, contentType string) error {
	if s.uploadErr != nil {
		return s.uploadErr
	}
	return s.LocalStore.Upload(ctx, path, data, contentType)
}

func (s *spyStore) Remove(ctx context.Context, paths ...string) error {
	s.removed = append(s.removed, append([]string(nil), paths...))
	return s.LocalStore.Remove(ctx, paths...)
}

type fixture struct {
	db       *gorm.DB
	service  *Service
	store    *spyStore
	items    *items.Service
	personal spaces.Space
	logs     *observer.ObservedLogs
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	db := testsupport.OpenDB(t, &spaces.Space{}, &items.Item{}, &items.Revision{}, &Attachment{}, &activity.Log{})
	manager, err := cache.NewManager(cache.Config{Backend: cache.NewMemoryBackend(nil)})
	if err != nil {
		t.Fatalf("failed to construct cache: %v", err)
	}
	executor := query.NewExecutor(manager, nil)
	recorder, err := activity.NewRecorder(activity.Config{Database: db})
	if err != nil {
		t.Fatalf("failed to construct recorder: %v", err)
	}
	spaceService, err := spaces.NewService(spaces.ServiceConfig{Database: db, Queries: executor, IDProvider: ids.NewUUIDProvider()})
	if err != nil {
		t.Fatalf("failed to construct spaces: %v", err)
	}
	itemService, err := items.NewService(items.ServiceConfig{
		Database:   db,
		Spaces:     spaceService,
		Queries:    executor,
		IDProvider: ids.NewUUIDProvider(),
		Activity:   recorder,
	})
	if err != nil {
		t.Fatalf("failed to construct items: %v", err)
	}
	local, err := storage.NewLocalStore(afero.NewMemMapFs(), "/vault", "https://files.example.com")
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	store := &spyStore{LocalStore: local}
	core, logs := observer.New(zapcore.DebugLevel)
	service, err := NewService(ServiceConfig{
		Database:   db,
		Store:      store,
		Items:      itemService,
		Spaces:     spaceService,
		IDProvider: ids.NewUUIDProvider(),
		Activity:   recorder,
		Retry:      retry.Policy{Attempts: 2, Delay: time.Millisecond},
		Clock:      func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) },
		Logger:     zap.New(core),
	})
	if err != nil {
		t.Fatalf("failed to construct files service: %v", err)
	}
	personal, err := spaceService.EnsurePersonal(context.Background(), nil, ownerActor.ID)
	if err != nil {
		t.Fatalf("failed to create personal space: %v", err)
	}
	return fixture{db: db, service: service, store: store, items: itemService, personal: personal, logs: logs}
}

func TestUploadStoresObjectAndRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	attachment, err := f.service.Upload(ctx, ownerActor, UploadInput{
		Name:         "../holiday photo.png",
		DeclaredType: "image/png",
		Data:         pngHeader,
		SpaceID:      f.personal.ID,
	})
	if err != nil {
		t.Fatalf("upload failed: %v", err)
	}
	if !strings.HasPrefix(attachment.StoragePath, "uploads/owner/") || !strings.HasSuffix(attachment.Filename, ".png") {
		t.Fatalf("unexpected storage path %s", attachment.StoragePath)
	}
	if strings.Contains(attachment.OriginalFilename, "/") || strings.Contains(attachment.OriginalFilename, " ") {
		t.Fatalf("expected sanitized original name, got %q", attachment.OriginalFilename)
	}
	if attachment.PublicURL != "https://files.example.com/"+attachment.StoragePath {
		t.Fatalf("unexpected public url %s", attachment.PublicURL)
	}
	stored, err := f.store.Open(attachment.StoragePath)
	if err != nil || !bytes.Equal(stored, pngHeader) {
		t.Fatalf("object not stored: %v", err)
	}
	var count int64
	f.db.Model(&activity.Log{}).Where("action = ?", activity.ActionFileUploaded).Count(&count)
	if count != 1 {
		t.Fatalf("expected one upload activity entry, got %d", count)
	}
}

func TestUploadRejectsInvalidFiles(t *testing.T) {
	f := newFixture(t)
	testCases := []struct {
		name  string
		input UploadInput
	}{
		{name: "empty", input: UploadInput{Name: "a.txt", DeclaredType: "text/plain"}},
		{name: "type not allowed", input: UploadInput{Name: "a.zip", DeclaredType: "application/zip", Data: []byte("PK\x03\x04")}},
		{name: "magic mismatch", input: UploadInput{Name: "a.png", DeclaredType: "image/png", Data: []byte("not a png")}},
		{name: "script content", input: UploadInput{Name: "a.txt", DeclaredType: "text/plain", Data: []byte("hello <script>alert(1)</script>")}},
		{name: "executable", input: UploadInput{Name: "a.txt", DeclaredType: "text/plain", Data: []byte{0x4D, 0x5A, 0x90}}},
		{name: "too large", input: UploadInput{Name: "a.txt", DeclaredType: "text/plain", Data: bytes.Repeat([]byte("a"), 1024*1024+1)}},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			_, err := f.service.Upload(context.Background(), ownerActor, testCase.input)
			if apperrors.KindOf(err) != apperrors.KindValidation {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
	if len(f.store.removed) != 0 {
		t.Fatalf("rejected uploads must not touch storage")
	}
}

func TestUploadDeniesForeignPersonalSpace(t *testing.T) {
	f := newFixture(t)
	_, err := f.service.Upload(context.Background(), strangerActor, UploadInput{
		Name:         "note.txt",
		DeclaredType: "text/plain",
		Data:         []byte("hello"),
		SpaceID:      f.personal.ID,
	})
	if apperrors.KindOf(err) != apperrors.KindAuthorization {
		t.Fatalf("expected authorization error, got %v", err)
	}
}

func TestUploadCompensatesWhenRecordFails(t *testing.T) {
	f := newFixture(t)
	err := f.db.Callback().Create().Before("gorm:create").Register("test:refuse_attachments", func(tx *gorm.DB) {
		if tx.Statement.Schema != nil && tx.Statement.Schema.Table == "attachments" {
			_ = tx.AddError(errors.New("insert refused"))
		}
	})
	if err != nil {
		t.Fatalf("failed to register callback: %v", err)
	}

	_, err = f.service.Upload(context.Background(), ownerActor, UploadInput{
		Name:         "note.txt",
		DeclaredType: "text/plain",
		Data:         []byte("hello"),
	})
	if apperrors.KindOf(err) != apperrors.KindDatabase {
		t.Fatalf("expected database error, got %v", err)
	}
	if len(f.store.removed) != 1 || len(f.store.removed[0]) != 1 {
		t.Fatalf("expected one compensating remove, got %v", f.store.removed)
	}
	if _, openErr := f.store.Open(f.store.removed[0][0]); openErr == nil {
		t.Fatalf("expected orphaned object to be removed")
	}
	if f.logs.FilterField(zap.String("reason", "insert_failed")).Len() != 1 {
		t.Fatalf("expected insert failure to be logged")
	}
}

func TestUploadSurfacesStorageFailure(t *testing.T) {
	f := newFixture(t)
	f.store.uploadErr = errors.New("bucket offline")
	_, err := f.service.Upload(context.Background(), ownerActor, UploadInput{Name: "a.txt", DeclaredType: "text/plain", Data: []byte("hi")})
	if apperrors.KindOf(err) != apperrors.KindExternalService {
		t.Fatalf("expected external service error, got %v", err)
	}
	var count int64
	f.db.Model(&Attachment{}).Count(&count)
	if count != 0 {
		t.Fatalf("expected no attachment records, got %d", count)
	}
}

func TestListFiltersByOwnerSearchAndKind(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	mustUpload(t, f, ownerActor, "Report.txt", "text/plain", []byte("quarterly"))
	mustUpload(t, f, ownerActor, "photo.png", "image/png", pngHeader)
	mustUpload(t, f, strangerActor, "report-copy.txt", "text/plain", []byte("other"))

	all, err := f.service.List(ctx, ownerActor, ListFilter{})
	if err != nil || len(all) != 2 {
		t.Fatalf("expected two own files, got %d (%v)", len(all), err)
	}
	found, err := f.service.List(ctx, ownerActor, ListFilter{Search: "report"})
	if err != nil || len(found) != 1 || found[0].OriginalFilename != "Report.txt" {
		t.Fatalf("unexpected search result %+v (%v)", found, err)
	}
	images, err := f.service.List(ctx, ownerActor, ListFilter{Kind: KindImage})
	if err != nil || len(images) != 1 || images[0].MimeType != "image/png" {
		t.Fatalf("unexpected image listing %+v (%v)", images, err)
	}
	documents, err := f.service.List(ctx, ownerActor, ListFilter{Kind: KindDocument, SortBy: "original_filename", SortOrder: "asc"})
	if err != nil || len(documents) != 1 {
		t.Fatalf("unexpected document listing %+v (%v)", documents, err)
	}
	if _, err := f.service.List(ctx, ownerActor, ListFilter{Kind: "spreadsheet"}); apperrors.KindOf(err) != apperrors.KindValidation {
		t.Fatalf("expected validation error for unknown kind, got %v", err)
	}
}

func TestBulkDeleteOnlyRemovesOwnFiles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	own := mustUpload(t, f, ownerActor, "a.txt", "text/plain", []byte("a"))
	foreign := mustUpload(t, f, strangerActor, "b.txt", "text/plain", []byte("b"))

	if _, err := f.service.BulkDelete(ctx, ownerActor, []string{foreign.ID}); apperrors.KindOf(err) != apperrors.KindNotFound {
		t.Fatalf("expected not found for foreign file, got %v", err)
	}
	deleted, err := f.service.BulkDelete(ctx, ownerActor, []string{own.ID, foreign.ID})
	if err != nil || deleted != 1 {
		t.Fatalf("expected one deletion, got %d (%v)", deleted, err)
	}
	if _, err := f.store.Open(own.StoragePath); err == nil {
		t.Fatalf("expected own object removed")
	}
	if _, err := f.store.Open(foreign.StoragePath); err != nil {
		t.Fatalf("foreign object must survive: %v", err)
	}
	if _, err := f.service.BulkDelete(ctx, ownerActor, nil); apperrors.KindOf(err) != apperrors.KindValidation {
		t.Fatalf("expected validation error for empty list, got %v", err)
	}
}

func TestDeleteForItemRemovesAttachments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item, err := f.items.Create(ctx, ownerActor, f.personal.ID, items.Fields{Title: "Notes", Type: items.TypeNote})
	if err != nil {
		t.Fatalf("failed to create item: %v", err)
	}
	attached, err := f.service.Upload(ctx, ownerActor, UploadInput{Name: "a.txt", DeclaredType: "text/plain", Data: []byte("a"), ItemID: item.ID})
	if err != nil {
		t.Fatalf("upload failed: %v", err)
	}
	bound, err := f.service.ForItems(ctx, []string{item.ID})
	if err != nil || len(bound) != 1 {
		t.Fatalf("expected one bound attachment, got %d (%v)", len(bound), err)
	}
	if err := f.service.DeleteForItem(ctx, item.ID); err != nil {
		t.Fatalf("delete for item failed: %v", err)
	}
	if _, err := f.store.Open(attached.StoragePath); err == nil {
		t.Fatalf("expected attachment object removed")
	}
	if _, err := f.service.Upload(ctx, strangerActor, UploadInput{Name: "b.txt", DeclaredType: "text/plain", Data: []byte("b"), ItemID: item.ID}); apperrors.KindOf(err) != apperrors.KindNotFound {
		t.Fatalf("expected not found for unreadable item, got %v", err)
	}
}

func mustUpload(t *testing.T, f fixture, actor users.Actor, name, mimeType string, data []byte) Attachment {
	t.Helper()
	attachment, err := f.service.Upload(context.Background(), actor, UploadInput{Name: name, DeclaredType: mimeType, Data: data})
	if err != nil {
		t.Fatalf("upload of %s failed: %v", name, err)
	}
	return attachment
}
