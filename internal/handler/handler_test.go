package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/conquiguias/conquiguias/internal/attendance"
	"github.com/conquiguias/conquiguias/internal/auth"
	"github.com/conquiguias/conquiguias/internal/certification"
	"github.com/conquiguias/conquiguias/internal/cloudinary"
	"github.com/conquiguias/conquiguias/internal/forms"
	"github.com/conquiguias/conquiguias/internal/identity"
	"github.com/conquiguias/conquiguias/internal/imgur"
	"github.com/conquiguias/conquiguias/internal/ledger"
	"github.com/conquiguias/conquiguias/internal/posts"
	"github.com/conquiguias/conquiguias/internal/profile"
	"github.com/conquiguias/conquiguias/internal/queue"
)

var (
	anchor     = time.Date(2025, 3, 1, 15, 0, 0, 0, time.UTC)
	testSigner = auth.Signer{Issuer: "conquiguias", Key: "test-key", AccessTTL: time.Hour, RefreshTTL: 24 * time.Hour, LinkTTL: time.Hour}
	adminEmail = "admin@example.com"
)

type fakeForms map[string]forms.Form

func (f fakeForms) Get(_ context.Context, id string) (forms.Form, error) {
	form, ok := f[id]
	if !ok {
		return forms.Form{}, forms.ErrNotFound
	}
	return form, nil
}

func (f fakeForms) List(context.Context) ([]forms.Form, error) {
	out := make([]forms.Form, 0, len(f))
	for _, form := range f {
		out = append(out, form)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// fakeIdentity keeps accounts in memory and signs real tokens.
type fakeIdentity struct {
	mu        sync.Mutex
	users     map[string]identity.User
	passwords map[string]string
}

func newFakeIdentity() *fakeIdentity {
	return &fakeIdentity{users: map[string]identity.User{}, passwords: map[string]string{}}
}

func (f *fakeIdentity) VerifyToken(_ context.Context, token string) (auth.Claims, error) {
	claims, err := testSigner.Parse(token)
	if err != nil {
		return auth.Claims{}, identity.ErrInvalidToken
	}
	return claims, nil
}

func (f *fakeIdentity) CreateUser(_ context.Context, in identity.NewUser) (identity.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !strings.Contains(in.Email, "@") {
		return identity.User{}, identity.ErrInvalidEmail
	}
	if len(in.Password) < identity.MinPasswordLength {
		return identity.User{}, identity.ErrWeakPassword
	}
	for _, u := range f.users {
		if u.Email == in.Email {
			return identity.User{}, identity.ErrEmailExists
		}
	}
	u := identity.User{UID: uuid.NewString(), Email: in.Email, DisplayName: in.DisplayName, CreatedAt: anchor}
	f.users[u.UID] = u
	f.passwords[u.UID] = in.Password
	return u, nil
}

func (f *fakeIdentity) GetUser(_ context.Context, uid string) (identity.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[uid]
	if !ok {
		return identity.User{}, identity.ErrUserNotFound
	}
	return u, nil
}

func (f *fakeIdentity) byEmail(email string) (identity.User, bool) {
	for _, u := range f.users {
		if u.Email == email {
			return u, true
		}
	}
	return identity.User{}, false
}

func (f *fakeIdentity) UpdateUser(_ context.Context, uid string, upd identity.UserUpdate) (identity.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[uid]
	if !ok {
		return identity.User{}, identity.ErrUserNotFound
	}
	if upd.DisplayName != nil {
		u.DisplayName = *upd.DisplayName
	}
	if upd.PhotoURL != nil {
		u.PhotoURL = *upd.PhotoURL
	}
	f.users[uid] = u
	return u, nil
}

func (f *fakeIdentity) link(email, purpose string) (string, error) {
	f.mu.Lock()
	u, ok := f.byEmail(email)
	f.mu.Unlock()
	if !ok {
		return "", identity.ErrUserNotFound
	}
	tok, err := testSigner.IssueLink(u.UID, u.Email, purpose)
	if err != nil {
		return "", err
	}
	return "https://conquiguias.test/auth/action?mode=" + purpose + "&oobCode=" + tok, nil
}

func (f *fakeIdentity) GenerateEmailVerificationLink(_ context.Context, email string) (string, error) {
	return f.link(email, auth.PurposeVerifyEmail)
}

func (f *fakeIdentity) GeneratePasswordResetLink(_ context.Context, email string) (string, error) {
	return f.link(email, auth.PurposeResetPassword)
}

func (f *fakeIdentity) VerifyEmail(ctx context.Context, token string) (identity.User, error) {
	claims, err := testSigner.ParsePurpose(token, auth.PurposeVerifyEmail)
	if err != nil {
		return identity.User{}, identity.ErrInvalidToken
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	u := f.users[claims.UID]
	u.EmailVerified = true
	f.users[claims.UID] = u
	return u, nil
}

func (f *fakeIdentity) ResetPassword(_ context.Context, token, password string) error {
	claims, err := testSigner.ParsePurpose(token, auth.PurposeResetPassword)
	if err != nil {
		return identity.ErrInvalidToken
	}
	if len(password) < identity.MinPasswordLength {
		return identity.ErrWeakPassword
	}
	f.mu.Lock()
	f.passwords[claims.UID] = password
	f.mu.Unlock()
	return nil
}

func (f *fakeIdentity) SignIn(_ context.Context, email, password string) (identity.User, auth.TokenPair, error) {
	f.mu.Lock()
	u, ok := f.byEmail(email)
	ok = ok && f.passwords[u.UID] == password
	f.mu.Unlock()
	if !ok {
		return identity.User{}, auth.TokenPair{}, identity.ErrInvalidCredentials
	}
	pair, err := testSigner.Issue(u.UID, u.Email)
	return u, pair, err
}

type fakeProfiles struct {
	mu   sync.Mutex
	byID map[string]profile.Profile
}

func (f *fakeProfiles) Get(_ context.Context, uid string) (profile.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.byID[uid]
	if !ok {
		return profile.Profile{}, profile.ErrNotFound
	}
	return p, nil
}

func (f *fakeProfiles) Set(_ context.Context, p profile.Profile) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byID[p.UID] = p
	return nil
}

func (f *fakeProfiles) Update(_ context.Context, uid string, u profile.Update) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.byID[uid]
	if !ok {
		return profile.ErrNotFound
	}
	p.Nombre, p.Apellido, p.Edad, p.Sexo, p.Pais = u.Nombre, u.Apellido, u.Edad, u.Sexo, u.Pais
	if u.FotoURL != nil {
		p.FotoURL, p.FotoDeleteToken = u.FotoURL, u.FotoDeleteToken
	}
	f.byID[uid] = p
	return nil
}

func (f *fakeProfiles) SetEmailVerified(_ context.Context, uid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.byID[uid]
	if !ok {
		return profile.ErrNotFound
	}
	p.EmailVerificado = true
	f.byID[uid] = p
	return nil
}

type fakePosts struct {
	mu    sync.Mutex
	posts []posts.Post
}

func (f *fakePosts) Create(_ context.Context, in posts.NewPost) (posts.Post, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := posts.Post{ID: uuid.NewString(), AuthorUID: in.AuthorUID, Title: in.Title, Body: in.Body, Status: posts.StatusPending, CreatedAt: anchor}
	f.posts = append(f.posts, p)
	return p, nil
}

func (f *fakePosts) Stats(context.Context) (posts.Stats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var s posts.Stats
	for _, p := range f.posts {
		switch p.Status {
		case posts.StatusPending:
			s.Pending++
		case posts.StatusRejected:
			s.Rejected++
		default:
			s.Approved++
		}
	}
	return s, nil
}

func (f *fakePosts) ListPending(context.Context) ([]posts.Post, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []posts.Post{}
	for _, p := range f.posts {
		if p.Status == posts.StatusPending {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakePosts) Moderate(_ context.Context, id, action, moderator, reason string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, p := range f.posts {
		if p.ID != id {
			continue
		}
		status := posts.StatusApproved
		if action == "reject" {
			status = posts.StatusRejected
		}
		f.posts[i].Status = status
		return status, nil
	}
	return "", posts.ErrNotFound
}

type fakePhotos struct {
	uploads []string
	deleted []string
}

func (f *fakePhotos) UploadUserPhoto(_ context.Context, uid, fileName, _ string) (*cloudinary.UploadResult, error) {
	f.uploads = append(f.uploads, uid+"/"+fileName)
	return &cloudinary.UploadResult{
		SecureURL:   "https://img.test/" + uid + "/" + fileName,
		DeleteToken: "tok-" + fileName,
	}, nil
}

func (f *fakePhotos) DeleteByToken(_ context.Context, token string) error {
	f.deleted = append(f.deleted, token)
	return nil
}

type fakeImages struct {
	got     []byte
	ctype   string
	deleted string
	fail    bool
}

func (f *fakeImages) Upload(_ context.Context, body []byte, contentType string) (imgur.Image, error) {
	if f.fail {
		return imgur.Image{}, errors.New("imgur: rate limited")
	}
	f.got, f.ctype = body, contentType
	return imgur.Image{Link: "https://i.imgur.test/abc.png", ID: "abc", DeleteHash: "hash-abc"}, nil
}

func (f *fakeImages) Delete(_ context.Context, hash string) error {
	if f.fail {
		return errors.New("imgur: gone")
	}
	f.deleted = hash
	return nil
}

type fixture struct {
	router   *gin.Engine
	ledger   *ledger.MemoryStore
	identity *fakeIdentity
	profiles *fakeProfiles
	posts    *fakePosts
	photos   *fakePhotos
	images   *fakeImages
	queue    *queue.InMemory
	msgs     <-chan queue.Message
	offset   time.Duration
}

// newFixture builds a router whose attendance clock sits at offset past the form anchor.
func newFixture(t *testing.T, offset time.Duration) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	src := fakeForms{
		"esp1": {ID: "esp1", Title: "Especialidad de Nudos", CreatedAt: anchor.Format(time.RFC3339)},
		"roto": {ID: "roto", CreatedAt: "nunca"},
	}
	f := &fixture{
		ledger:   ledger.NewMemoryStore(),
		identity: newFakeIdentity(),
		profiles: &fakeProfiles{byID: map[string]profile.Profile{}},
		posts:    &fakePosts{},
		photos:   &fakePhotos{},
		images:   &fakeImages{},
		queue:    queue.NewInMemory(16),
		offset:   offset,
	}
	svc := attendance.NewService(src, f.ledger, attendance.NewCalculator(attendance.DefaultDurations), 1, nil)
	svc.Clock = func() time.Time { return anchor.Add(f.offset) }

	h := New(Deps{
		Attendance:     svc,
		Forms:          src,
		Identity:       f.identity,
		Profiles:       f.profiles,
		Posts:          f.posts,
		Certifications: certification.NewFinder(src, f.ledger),
		Photos:         f.photos,
		Images:         f.images,
		Queue:          f.queue,
		Signer:         testSigner,
		Admins:         []string{adminEmail},
		AllowedOrigins: []string{"https://conquiguias.test"},
	})
	f.router = gin.New()
	h.Register(f.router)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	msgs, err := f.queue.Consume(ctx)
	if err != nil {
		t.Fatal(err)
	}
	f.msgs = msgs
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any, header http.Header) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var rd *bytes.Reader
	switch b := body.(type) {
	case nil:
		rd = bytes.NewReader(nil)
	case []byte:
		rd = bytes.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	var out map[string]any
	if strings.HasPrefix(strings.TrimSpace(w.Body.String()), "{") {
		if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
			t.Fatalf("decode %s: %v", w.Body.String(), err)
		}
	}
	return w, out
}

// next returns the next queued message or fails after a short wait.
func (f *fixture) next(t *testing.T) queue.Message {
	t.Helper()
	select {
	case msg := <-f.msgs:
		return msg
	case <-time.After(time.Second):
		t.Fatal("no message published")
		return queue.Message{}
	}
}

func bearer(t *testing.T, uid, email string) http.Header {
	t.Helper()
	pair, err := testSigner.Issue(uid, email)
	if err != nil {
		t.Fatal(err)
	}
	return http.Header{"Authorization": {"Bearer " + pair.AccessToken}}
}

func TestGetForm(t *testing.T) {
	f := newFixture(t, 0)

	w, body := f.do(t, http.MethodGet, "/api/forms/esp1", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body)
	}
	if body["titulo"] != "Especialidad de Nudos" {
		t.Errorf("unexpected body %v", body)
	}
	ventanas, ok := body["ventanas"].(map[string]any)
	if !ok || len(ventanas) != 3 || ventanas["tercera"] == nil {
		t.Errorf("expected three windows, got %v", body["ventanas"])
	}

	if w, _ := f.do(t, http.MethodGet, "/api/forms/otro", nil, nil); w.Code != http.StatusNotFound {
		t.Errorf("missing form: status %d", w.Code)
	}
	if w, body := f.do(t, http.MethodGet, "/api/forms/a%20b", nil, nil); w.Code != http.StatusBadRequest || body["code"] != "invalid_input" {
		t.Errorf("invalid id: status %d", w.Code)
	}
}

func TestMarkAttendanceFlow(t *testing.T) {
	req := map[string]any{"id": "esp1", "telefono": "555-0100", "nombre": "Ana", "correo": "ana@example.com", "edad": 14}

	f := newFixture(t, 10*time.Minute)
	w, body := f.do(t, http.MethodPost, "/api/attendance", req, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("first checkpoint: %d %s", w.Code, w.Body)
	}
	if body["asistencia"] != "primera" || body["puedeExamen"] != false {
		t.Errorf("unexpected body %v", body)
	}

	msg := f.next(t)
	var marked queue.CheckpointMarked
	if msg.Type != queue.TypeCheckpointMarked || msg.Decode(&marked) != nil {
		t.Fatalf("unexpected message %+v", msg)
	}
	if marked.FormID != "esp1" || marked.Checkpoint != 1 || marked.Eligible || !marked.MarkedAt.Equal(anchor.Add(10*time.Minute)) {
		t.Errorf("unexpected payload %+v", marked)
	}

	w, body = f.do(t, http.MethodPost, "/api/attendance", req, nil)
	if w.Code != http.StatusConflict || body["code"] != "already_registered" {
		t.Errorf("repeat first: %d %v", w.Code, body)
	}
}

func TestMarkAttendanceErrors(t *testing.T) {
	cases := []struct {
		name   string
		offset time.Duration
		req    map[string]any
		status int
		code   string
	}{
		{"missing phone", 10 * time.Minute, map[string]any{"id": "esp1"}, http.StatusBadRequest, "invalid_input"},
		{"unknown form", 10 * time.Minute, map[string]any{"id": "nada", "telefono": "1"}, http.StatusNotFound, "form_not_found"},
		{"bad anchor", 10 * time.Minute, map[string]any{"id": "roto", "telefono": "1"}, http.StatusBadRequest, "invalid_form"},
		{"closed", 2 * time.Hour, map[string]any{"id": "esp1", "telefono": "1"}, http.StatusBadRequest, "no_active_window"},
		{"not registered", 45 * time.Minute, map[string]any{"id": "esp1", "telefono": "1"}, http.StatusNotFound, "not_registered"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, tc.offset)
			w, body := f.do(t, http.MethodPost, "/api/attendance", tc.req, nil)
			if w.Code != tc.status || body["code"] != tc.code {
				t.Errorf("got %d %v, want %d %s", w.Code, body, tc.status, tc.code)
			}
			if tc.code == "no_active_window" && body["ventanas"] == nil {
				t.Error("closed windows must be reported")
			}
		})
	}
}

func TestMarkAttendanceRejectsUnknownFields(t *testing.T) {
	f := newFixture(t, 10*time.Minute)
	req := map[string]any{"id": "esp1", "telefono": "1", "visitanteId": "v-1", "asistencias": []bool{true, true, true}}
	w, body := f.do(t, http.MethodPost, "/api/attendance", req, nil)
	if w.Code != http.StatusBadRequest || body["code"] != "invalid_input" {
		t.Fatalf("got %d %v", w.Code, body)
	}
	snap, err := f.ledger.Load(context.Background(), "esp1")
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.Records) != 0 {
		t.Errorf("rejected request wrote %+v", snap.Records)
	}
}

func TestMarkAttendanceKeepsForeignKeys(t *testing.T) {
	f := newFixture(t, 10*time.Minute)
	ctx := context.Background()
	seed, err := attendance.DecodeRecords([]byte(`[{"nombre":"Eva","telefono":"9","visitanteId":"v-9","examen":{"nota":18}}]`))
	if err != nil {
		t.Fatal(err)
	}
	if err := f.ledger.Save(ctx, "esp1", attendance.Snapshot{Records: seed}, "seed"); err != nil {
		t.Fatal(err)
	}

	if w, body := f.do(t, http.MethodPost, "/api/attendance", map[string]any{"id": "esp1", "telefono": "1", "nombre": "Ana"}, nil); w.Code != http.StatusOK {
		t.Fatalf("register: %d %v", w.Code, body)
	}
	snap, err := f.ledger.Load(ctx, "esp1")
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.Records) != 2 {
		t.Fatalf("got %d records", len(snap.Records))
	}
	eva := snap.Records[snap.Find("9")]
	if string(eva.Extra["visitanteId"]) != `"v-9"` || string(eva.Extra["examen"]) != `{"nota":18}` {
		t.Errorf("foreign keys lost: %+v", eva.Extra)
	}
}

func TestMarkAttendanceOrderingErrors(t *testing.T) {
	f := newFixture(t, 10*time.Minute)
	if w, body := f.do(t, http.MethodPost, "/api/attendance", map[string]any{"id": "esp1", "telefono": "1", "nombre": "Ana"}, nil); w.Code != http.StatusOK {
		t.Fatalf("register: %d %v", w.Code, body)
	}

	f.offset = 65 * time.Minute
	w, body := f.do(t, http.MethodPost, "/api/attendance", map[string]any{"id": "esp1", "telefono": "1"}, nil)
	if w.Code != http.StatusForbidden || body["code"] != "prerequisite_not_met" {
		t.Errorf("third before second: %d %v", w.Code, body)
	}

	f.offset = 45 * time.Minute
	if w, body := f.do(t, http.MethodPost, "/api/attendance", map[string]any{"id": "esp1", "telefono": "1"}, nil); w.Code != http.StatusOK {
		t.Fatalf("second: %d %v", w.Code, body)
	}
	w, body = f.do(t, http.MethodPost, "/api/attendance", map[string]any{"id": "esp1", "telefono": "1"}, nil)
	if w.Code != http.StatusConflict || body["code"] != "already_marked" {
		t.Errorf("second twice: %d %v", w.Code, body)
	}
}

func TestListResponsesRequiresAdmin(t *testing.T) {
	f := newFixture(t, 10*time.Minute)
	f.do(t, http.MethodPost, "/api/attendance", map[string]any{"id": "esp1", "telefono": "1", "nombre": "Ana"}, nil)

	if w, _ := f.do(t, http.MethodGet, "/api/forms/esp1/responses", nil, nil); w.Code != http.StatusUnauthorized {
		t.Errorf("anonymous: %d", w.Code)
	}
	if w, _ := f.do(t, http.MethodGet, "/api/forms/esp1/responses", nil, bearer(t, "u1", "ana@example.com")); w.Code != http.StatusForbidden {
		t.Errorf("member: %d", w.Code)
	}
	w, _ := f.do(t, http.MethodGet, "/api/forms/esp1/responses", nil, bearer(t, "adm", adminEmail))
	if w.Code != http.StatusOK {
		t.Fatalf("admin: %d %s", w.Code, w.Body)
	}
	var records []attendance.Record
	if err := json.Unmarshal(w.Body.Bytes(), &records); err != nil || len(records) != 1 || records[0].Phone != "1" {
		t.Errorf("unexpected records %s (%v)", w.Body, err)
	}
}
