package issuer

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/bcrypt"
)

type routeHarness struct {
	router        *gin.Engine
	users         *MemoryUserStore
	refreshTokens *MemoryRefreshTokenStore
}

func newRouteHarness(t *testing.T, rotate bool) routeHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)
	clock := fixedClock{timestamp: time.Now().UTC()}
	users := NewMemoryUserStore(bcrypt.MinCost, clock)
	refreshTokens := NewMemoryRefreshTokenStore(clock)
	router := gin.New()
	err := MountRoutes(router, Config{
		SigningKey:          []byte("route-secret"),
		Issuer:              "staysession",
		AccessTTL:           time.Minute,
		RefreshTTL:          time.Hour,
		RotateRefreshTokens: rotate,
	}, Dependencies{Users: users, RefreshTokens: refreshTokens, Clock: clock, Logger: zaptest.NewLogger(t)})
	if err != nil {
		t.Fatalf("mount failed: %v", err)
	}
	return routeHarness{router: router, users: users, refreshTokens: refreshTokens}
}

func (harness routeHarness) do(t *testing.T, method string, path string, payload any, bearer string) (int, map[string]any) {
	t.Helper()
	var body bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&body).Encode(payload); err != nil {
			t.Fatalf("encode failed: %v", err)
		}
	}
	request := httptest.NewRequest(method, path, &body)
	request.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		request.Header.Set("Authorization", "Bearer "+bearer)
	}
	recorder := httptest.NewRecorder()
	harness.router.ServeHTTP(recorder, request)
	decoded := map[string]any{}
	if recorder.Body.Len() > 0 {
		if err := json.Unmarshal(recorder.Body.Bytes(), &decoded); err != nil {
			t.Fatalf("decode %s %s failed: %v (%s)", method, path, err, recorder.Body.String())
		}
	}
	return recorder.Code, decoded
}

func TestMountRoutesRequiresStores(t *testing.T) {
	err := MountRoutes(gin.New(), Config{SigningKey: []byte("k"), Issuer: "i"}, Dependencies{})
	if err == nil {
		t.Fatalf("expected error without stores")
	}
}

func TestRegisterLoginAndProfile(t *testing.T) {
	harness := newRouteHarness(t, true)

	status, registered := harness.do(t, http.MethodPost, "/auth/register/", validRegistration(), "")
	if status != http.StatusCreated {
		t.Fatalf("expected 201, got %d (%v)", status, registered)
	}
	tokens, _ := registered["tokens"].(map[string]any)
	if tokens["access"] == "" || tokens["refresh"] == "" || registered["message"] != "User registered successfully" {
		t.Fatalf("unexpected register body %v", registered)
	}

	status, problems := harness.do(t, http.MethodPost, "/auth/register/", validRegistration(), "")
	if status != http.StatusBadRequest || problems["email"] == nil {
		t.Fatalf("expected duplicate email rejection, got %d (%v)", status, problems)
	}

	status, loggedIn := harness.do(t, http.MethodPost, "/auth/login/", map[string]string{
		"email":    "coordinadora@hospital.example",
		"password": "planta-tres",
	}, "")
	if status != http.StatusOK || loggedIn["access"] == nil || loggedIn["user"] == nil {
		t.Fatalf("expected login success, got %d (%v)", status, loggedIn)
	}

	status, profile := harness.do(t, http.MethodGet, "/auth/profile/", nil, loggedIn["access"].(string))
	if status != http.StatusOK || profile["email"] != "coordinadora@hospital.example" || profile["rol"] != RoleDefault {
		t.Fatalf("unexpected profile %d (%v)", status, profile)
	}

	status, echoed := harness.do(t, http.MethodPut, "/echo/stays/12", map[string]int{"bed": 3}, loggedIn["access"].(string))
	if status != http.StatusOK || echoed["method"] != http.MethodPut || echoed["resource"] != "/stays/12" {
		t.Fatalf("unexpected echo %d (%v)", status, echoed)
	}
}

func TestLoginRejections(t *testing.T) {
	harness := newRouteHarness(t, true)
	if _, err := harness.users.Create(context.Background(), validRegistration()); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	status, body := harness.do(t, http.MethodPost, "/auth/login/", map[string]string{"email": "coordinadora@hospital.example", "password": "mala"}, "")
	if status != http.StatusUnauthorized || body["detail"] != "Invalid email or password." {
		t.Fatalf("expected 401 detail, got %d (%v)", status, body)
	}
	status, body = harness.do(t, http.MethodPost, "/auth/login/", map[string]string{"email": ""}, "")
	if status != http.StatusBadRequest || body["error"] == nil {
		t.Fatalf("expected 400 error, got %d (%v)", status, body)
	}
}

func TestProtectedRoutesRequireBearer(t *testing.T) {
	harness := newRouteHarness(t, true)
	status, body := harness.do(t, http.MethodGet, "/auth/profile/", nil, "")
	if status != http.StatusUnauthorized || body["detail"] == nil {
		t.Fatalf("expected 401 with detail, got %d (%v)", status, body)
	}
	status, _ = harness.do(t, http.MethodGet, "/echo/stays", nil, "not-a-jwt")
	if status != http.StatusUnauthorized {
		t.Fatalf("expected 401 for garbage token, got %d", status)
	}
}

func TestRefreshRotatesAndRevokes(t *testing.T) {
	harness := newRouteHarness(t, true)
	_, registered := harness.do(t, http.MethodPost, "/auth/register/", validRegistration(), "")
	firstRefresh := registered["tokens"].(map[string]any)["refresh"].(string)

	status, rotated := harness.do(t, http.MethodPost, "/auth/refresh/", map[string]string{"refresh": firstRefresh}, "")
	if status != http.StatusOK || rotated["access"] == nil || rotated["refresh"] == nil || rotated["refresh"] == firstRefresh {
		t.Fatalf("expected rotated pair, got %d (%v)", status, rotated)
	}

	status, replayed := harness.do(t, http.MethodPost, "/auth/refresh/", map[string]string{"refresh": firstRefresh}, "")
	if status != http.StatusUnauthorized || replayed["detail"] != "Token is invalid or expired" {
		t.Fatalf("expected the old refresh token to be rejected, got %d (%v)", status, replayed)
	}

	status, _ = harness.do(t, http.MethodPost, "/auth/logout/", map[string]string{"refresh": rotated["refresh"].(string)}, "")
	if status != http.StatusOK {
		t.Fatalf("expected logout 200, got %d", status)
	}
	status, _ = harness.do(t, http.MethodPost, "/auth/refresh/", map[string]string{"refresh": rotated["refresh"].(string)}, "")
	if status != http.StatusUnauthorized {
		t.Fatalf("expected revoked token after logout, got %d", status)
	}
}

// lockstepRefreshStore holds every Validate call until all expected callers validated the same token.
type lockstepRefreshStore struct {
	*MemoryRefreshTokenStore
	validated *sync.WaitGroup
	issued    atomic.Int32
}

func (store *lockstepRefreshStore) Validate(ctx context.Context, tokenOpaque string) (string, string, int64, error) {
	userID, tokenID, expiresUnix, err := store.MemoryRefreshTokenStore.Validate(ctx, tokenOpaque)
	store.validated.Done()
	store.validated.Wait()
	return userID, tokenID, expiresUnix, err
}

func (store *lockstepRefreshStore) Issue(ctx context.Context, applicationUserID string, expiresUnix int64, previousTokenID string) (string, string, error) {
	store.issued.Add(1)
	return store.MemoryRefreshTokenStore.Issue(ctx, applicationUserID, expiresUnix, previousTokenID)
}

func TestConcurrentRefreshWithSameTokenRotatesOnce(t *testing.T) {
	gin.SetMode(gin.TestMode)
	clock := fixedClock{timestamp: time.Now().UTC()}
	users := NewMemoryUserStore(bcrypt.MinCost, clock)
	user, err := users.Create(context.Background(), validRegistration())
	if err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	memoryStore := NewMemoryRefreshTokenStore(clock)
	_, opaque, err := memoryStore.Issue(context.Background(), user.ID, clock.Now().Add(time.Hour).Unix(), "")
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}

	const callers = 2
	var validated sync.WaitGroup
	validated.Add(callers)
	store := &lockstepRefreshStore{MemoryRefreshTokenStore: memoryStore, validated: &validated}
	router := gin.New()
	if err := MountRoutes(router, Config{
		SigningKey:          []byte("route-secret"),
		Issuer:              "staysession",
		AccessTTL:           time.Minute,
		RefreshTTL:          time.Hour,
		RotateRefreshTokens: true,
	}, Dependencies{Users: users, RefreshTokens: store, Clock: clock, Logger: zaptest.NewLogger(t)}); err != nil {
		t.Fatalf("mount failed: %v", err)
	}
	payload, _ := json.Marshal(map[string]string{"refresh": opaque})

	statuses := make(chan int, callers)
	var finished sync.WaitGroup
	for caller := 0; caller < callers; caller++ {
		finished.Add(1)
		go func() {
			defer finished.Done()
			request := httptest.NewRequest(http.MethodPost, "/auth/refresh/", bytes.NewReader(payload))
			request.Header.Set("Content-Type", "application/json")
			recorder := httptest.NewRecorder()
			router.ServeHTTP(recorder, request)
			statuses <- recorder.Code
		}()
	}
	finished.Wait()
	close(statuses)

	counts := map[int]int{}
	for status := range statuses {
		counts[status]++
	}
	if counts[http.StatusOK] != 1 || counts[http.StatusUnauthorized] != 1 {
		t.Fatalf("expected one rotation and one rejection, got %v", counts)
	}
	if store.issued.Load() != 1 {
		t.Fatalf("expected exactly one successor token, got %d", store.issued.Load())
	}
}

func TestRefreshWithoutRotationReturnsAccessOnly(t *testing.T) {
	harness := newRouteHarness(t, false)
	_, registered := harness.do(t, http.MethodPost, "/auth/register/", validRegistration(), "")
	refreshToken := registered["tokens"].(map[string]any)["refresh"].(string)

	for attempt := 0; attempt < 2; attempt++ {
		status, refreshed := harness.do(t, http.MethodPost, "/auth/refresh/", map[string]string{"refresh": refreshToken}, "")
		if status != http.StatusOK || refreshed["access"] == nil {
			t.Fatalf("attempt %d: expected access token, got %d (%v)", attempt, status, refreshed)
		}
		if _, hasRefresh := refreshed["refresh"]; hasRefresh {
			t.Fatalf("attempt %d: expected no refresh token without rotation", attempt)
		}
	}
}

func TestRefreshRequiresToken(t *testing.T) {
	harness := newRouteHarness(t, true)
	status, body := harness.do(t, http.MethodPost, "/auth/refresh/", map[string]string{}, "")
	if status != http.StatusUnauthorized || body["detail"] == nil {
		t.Fatalf("expected 401, got %d (%v)", status, body)
	}
}

func TestRegisterRejectsInvalidPayload(t *testing.T) {
	harness := newRouteHarness(t, true)
	registration := validRegistration()
	registration.PasswordConfirm = "distinta-1"
	status, body := harness.do(t, http.MethodPost, "/auth/register/", registration, "")
	if status != http.StatusBadRequest || body["password_confirm"] == nil {
		t.Fatalf("expected password_confirm error, got %d (%v)", status, body)
	}
}
