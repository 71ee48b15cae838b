package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/vault/internal/activity"
	"github.com/MarcoPoloResearchLab/vault/internal/auth"
	"github.com/MarcoPoloResearchLab/vault/internal/cache"
	"github.com/MarcoPoloResearchLab/vault/internal/database"
	"github.com/MarcoPoloResearchLab/vault/internal/export"
	"github.com/MarcoPoloResearchLab/vault/internal/files"
	"github.com/MarcoPoloResearchLab/vault/internal/identity"
	"github.com/MarcoPoloResearchLab/vault/internal/ids"
	"github.com/MarcoPoloResearchLab/vault/internal/invites"
	"github.com/MarcoPoloResearchLab/vault/internal/items"
	"github.com/MarcoPoloResearchLab/vault/internal/logging"
	"github.com/MarcoPoloResearchLab/vault/internal/metrics"
	"github.com/MarcoPoloResearchLab/vault/internal/moderation"
	"github.com/MarcoPoloResearchLab/vault/internal/query"
	"github.com/MarcoPoloResearchLab/vault/internal/ratelimit"
	"github.com/MarcoPoloResearchLab/vault/internal/spaces"
	"github.com/MarcoPoloResearchLab/vault/internal/storage"
	"github.com/MarcoPoloResearchLab/vault/internal/testsupport"
	"github.com/MarcoPoloResearchLab/vault/internal/users"
	"github.com/gin-gonic/gin"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

const (
	testSecret        = "server-test-secret"
	testIssuer        = "vault-api"
	testSessionCookie = "vault_session"
	testPassword      = "Sup3r$ecret"
)

type harnessOptions struct {
	apiLimiter  ratelimit.Limiter
	authLimiter ratelimit.Limiter
	development bool
	storage     storage.ObjectStore
}

type harness struct {
	handler  http.Handler
	db       *gorm.DB
	spaces   *spaces.Service
	files    afero.Fs
	realtime *RealtimeDispatcher
	logs     *observer.ObservedLogs
	logStore *logging.Store
	clock    *harnessClock
}

type harnessClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *harnessClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	clock := &harnessClock{now: time.Date(2025, 9, 1, 9, 0, 0, 0, time.UTC)}
	db := testsupport.OpenDB(t, database.Models()...)
	core, logs := observer.New(zapcore.DebugLevel)
	logStore := logging.NewStore(200)
	logger := zap.New(zapcore.NewTee(core, logStore.Core(zapcore.DebugLevel)))
	provider := ids.NewUUIDProvider()

	manager, err := cache.NewManager(cache.Config{Backend: cache.NewMemoryBackend(clock.Now)})
	if err != nil {
		t.Fatalf("failed to construct cache: %v", err)
	}
	monitor := metrics.NewMonitor(0)
	executor := query.NewExecutor(manager, monitor)
	recorder, err := activity.NewRecorder(activity.Config{Database: db, IDProvider: provider, Clock: clock.Now})
	if err != nil {
		t.Fatalf("failed to construct recorder: %v", err)
	}
	userService, err := users.NewService(users.ServiceConfig{Database: db, Cache: manager, Activity: recorder, Clock: clock.Now})
	if err != nil {
		t.Fatalf("failed to construct users: %v", err)
	}
	spaceService, err := spaces.NewService(spaces.ServiceConfig{Database: db, Queries: executor, IDProvider: provider, Activity: recorder, Clock: clock.Now})
	if err != nil {
		t.Fatalf("failed to construct spaces: %v", err)
	}
	itemService, err := items.NewService(items.ServiceConfig{Database: db, Spaces: spaceService, Queries: executor, IDProvider: provider, Activity: recorder, Clock: clock.Now})
	if err != nil {
		t.Fatalf("failed to construct items: %v", err)
	}
	realtime := NewRealtimeDispatcher()
	workflow, err := moderation.NewWorkflow(moderation.Config{
		Database:   db,
		Items:      itemService,
		Spaces:     spaceService,
		IDProvider: provider,
		Activity:   recorder,
		Notifier:   realtime,
		Clock:      clock.Now,
	})
	if err != nil {
		t.Fatalf("failed to construct workflow: %v", err)
	}
	inviteService, err := invites.NewService(invites.ServiceConfig{Database: db, IDProvider: provider, Activity: recorder, Clock: clock.Now})
	if err != nil {
		t.Fatalf("failed to construct invites: %v", err)
	}

	memFS := afero.NewMemMapFs()
	localStore, err := storage.NewLocalStore(memFS, "/objects", "/files")
	if err != nil {
		t.Fatalf("failed to construct local store: %v", err)
	}
	objectStore := opts.storage
	if objectStore == nil {
		objectStore = localStore
	}
	fileService, err := files.NewService(files.ServiceConfig{
		Database:   db,
		Store:      objectStore,
		Items:      itemService,
		Spaces:     spaceService,
		IDProvider: provider,
		Activity:   recorder,
		Clock:      clock.Now,
	})
	if err != nil {
		t.Fatalf("failed to construct files: %v", err)
	}
	exportService, err := export.NewService(export.ServiceConfig{Items: itemService, Spaces: spaceService, Files: fileService, Activity: recorder, Clock: clock.Now})
	if err != nil {
		t.Fatalf("failed to construct export: %v", err)
	}

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(testSecret),
		Issuer:        testIssuer,
		CookieName:    testSessionCookie,
		Clock:         clock.Now,
	})
	if err != nil {
		t.Fatalf("failed to construct session validator: %v", err)
	}
	identityService, err := identity.NewService(identity.Config{
		Database:     db,
		Issuer:       auth.NewTokenIssuer(auth.TokenIssuerConfig{SigningSecret: []byte(testSecret), Issuer: testIssuer, TokenTTL: time.Hour, Clock: clock.Now}),
		Validator:    validator,
		Users:        userService,
		Spaces:       spaceService,
		Invites:      inviteService,
		IDProvider:   provider,
		Activity:     recorder,
		PasswordCost: bcrypt.MinCost,
		Clock:        clock.Now,
		Logger:       logger,
	})
	if err != nil {
		t.Fatalf("failed to construct identity: %v", err)
	}
	csrf, err := auth.NewCSRF(auth.CSRFConfig{HashKey: []byte("csrf-hash-key-for-server-tests-0"), SessionCookieName: testSessionCookie})
	if err != nil {
		t.Fatalf("failed to construct csrf guard: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		Identity:    identityService,
		Users:       userService,
		Spaces:      spaceService,
		Items:       itemService,
		Moderation:  workflow,
		Invites:     inviteService,
		Files:       fileService,
		Export:      exportService,
		Activity:    recorder,
		CSRF:        csrf,
		Cache:       manager,
		Monitor:     monitor,
		LogStore:    logStore,
		Database:    db,
		Storage:     objectStore,
		LocalFiles:  localStore,
		Realtime:    realtime,
		APILimiter:  opts.apiLimiter,
		AuthLimiter: opts.authLimiter,
		Development: opts.development,
		Clock:       clock.Now,
		Logger:      logger,
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	return &harness{
		handler:  handler,
		db:       db,
		spaces:   spaceService,
		files:    memFS,
		realtime: realtime,
		logs:     logs,
		logStore: logStore,
		clock:    clock,
	}
}

// session is the cookie jar and CSRF token of a signed in client.
type session struct {
	cookies []*http.Cookie
	csrf    string
	user    users.User
}

type responseBody struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Message string          `json:"message"`
	Meta    *pageMeta       `json:"meta"`
}

func (h *harness) request(t *testing.T, method, path string, body any, client *session) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(payload)
	}
	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Content-Type", "application/json")
	return h.serve(request, client)
}

func (h *harness) serve(request *http.Request, client *session) *httptest.ResponseRecorder {
	if client != nil {
		for _, cookie := range client.cookies {
			request.AddCookie(cookie)
		}
		if client.csrf != "" {
			request.Header.Set(auth.DefaultCSRFHeaderName, client.csrf)
		}
	}
	recorder := httptest.NewRecorder()
	h.handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder) responseBody {
	t.Helper()
	var body responseBody
	if err := json.Unmarshal(recorder.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
	return body
}

func decodeData(t *testing.T, recorder *httptest.ResponseRecorder, dest any) responseBody {
	t.Helper()
	body := decodeBody(t, recorder)
	if err := json.Unmarshal(body.Data, dest); err != nil {
		t.Fatalf("failed to decode data %s: %v", body.Data, err)
	}
	return body
}

func expectStatus(t *testing.T, recorder *httptest.ResponseRecorder, status int) {
	t.Helper()
	if recorder.Code != status {
		t.Fatalf("expected status %d, got %d: %s", status, recorder.Code, recorder.Body.String())
	}
}

func (h *harness) signUp(t *testing.T, email string) users.User {
	t.Helper()
	recorder := h.request(t, http.MethodPost, "/api/auth/signup", map[string]string{"email": email, "password": testPassword, "fullName": "Test User"}, nil)
	expectStatus(t, recorder, http.StatusCreated)
	var user users.User
	decodeData(t, recorder, &user)
	return user
}

func (h *harness) signIn(t *testing.T, email string) *session {
	t.Helper()
	recorder := h.request(t, http.MethodPost, "/api/auth/login", loginRequest{Email: email, Password: testPassword}, nil)
	expectStatus(t, recorder, http.StatusOK)
	var payload sessionResponse
	decodeData(t, recorder, &payload)
	return &session{cookies: recorder.Result().Cookies(), csrf: payload.CSRFToken, user: payload.User}
}

// adminAndMember signs up the first account, which becomes an admin, and a second member the
// admin approves.
func (h *harness) adminAndMember(t *testing.T) (*session, *session) {
	t.Helper()
	h.signUp(t, "admin@example.com")
	member := h.signUp(t, "member@example.com")
	admin := h.signIn(t, "admin@example.com")
	recorder := h.request(t, http.MethodPost, "/api/admin/users/approve", userRequest{UserID: member.ID}, admin)
	expectStatus(t, recorder, http.StatusOK)
	return admin, h.signIn(t, "member@example.com")
}

func (h *harness) commonSpace(t *testing.T, admin *session) spaces.Space {
	t.Helper()
	recorder := h.request(t, http.MethodPost, "/api/spaces", spaces.CreateInput{Name: "Commons", Type: spaces.TypeCommon}, admin)
	expectStatus(t, recorder, http.StatusCreated)
	var space spaces.Space
	decodeData(t, recorder, &space)
	return space
}

func (h *harness) personalSpace(t *testing.T, client *session) spaces.Space {
	t.Helper()
	accessible, err := h.spaces.Accessible(context.Background(), client.user.Actor())
	if err != nil {
		t.Fatalf("failed to list spaces: %v", err)
	}
	for _, space := range accessible {
		if space.Type == spaces.TypePersonal && space.OwnedBy(client.user.ID) {
			return space
		}
	}
	t.Fatalf("personal space of %s not found", client.user.Email)
	return spaces.Space{}
}
