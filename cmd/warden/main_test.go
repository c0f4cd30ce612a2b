package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Mindburn-Labs/warden/pkg/api"
	"github.com/Mindburn-Labs/warden/pkg/auth"
	"github.com/Mindburn-Labs/warden/pkg/config"
	"github.com/Mindburn-Labs/warden/pkg/globalban"
	"github.com/Mindburn-Labs/warden/pkg/platform"
	"github.com/Mindburn-Labs/warden/pkg/platform/platformtest"
)

const testSecret = "cli-secret"

// liteEnv points the CLI at a throwaway sqlite database and a fake platform.
func liteEnv(t *testing.T) *platformtest.Fake {
	t.Helper()
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDIS_URL", "")
	t.Setenv("WARDEN_DATA_DIR", t.TempDir())
	t.Setenv("WARDEN_JWT_SECRET", testSecret)

	fake := platformtest.New()
	fake.CommunityList = []platform.Community{{ID: "g1", Name: "Alpha"}, {ID: "g2", Name: "Beta"}}
	orig := newServices
	newServices = func(ctx context.Context, cfg *config.Config) (*Services, error) {
		return NewServices(ctx, cfg, fake)
	}
	t.Cleanup(func() { newServices = orig })
	return fake
}

func run(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := Run(append([]string{"warden"}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRun_Help(t *testing.T) {
	code, out, _ := run("help")
	if code != 0 {
		t.Fatalf("exit = %d, want 0", code)
	}
	for _, cmd := range []string{"serve", "globalban", "appeal", "token"} {
		if !strings.Contains(out, cmd) {
			t.Errorf("usage missing %q", cmd)
		}
	}
}

func TestRun_UnknownCommand(t *testing.T) {
	code, _, errOut := run("frobnicate")
	if code != 2 {
		t.Fatalf("exit = %d, want 2", code)
	}
	if !strings.Contains(errOut, "Unknown command: frobnicate") {
		t.Errorf("stderr = %q", errOut)
	}
}

func TestRun_DefaultsToServer(t *testing.T) {
	orig := startServer
	defer func() { startServer = orig }()
	called := false
	startServer = func(*config.Config, io.Writer, io.Writer) int {
		called = true
		return 0
	}

	if code, _, _ := run(); code != 0 || !called {
		t.Fatalf("exit = %d, called = %t", code, called)
	}
}

func TestRun_Token(t *testing.T) {
	liteEnv(t)
	code, out, errOut := run("token", "--subject", "bridge-1", "--roles", "bridge, admin", "--ttl", "1h")
	if code != 0 {
		t.Fatalf("exit = %d: %s", code, errOut)
	}

	claims, err := auth.NewJWTValidator(testSecret).Validate(strings.TrimSpace(out))
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.Subject != "bridge-1" {
		t.Errorf("subject = %s", claims.Subject)
	}
	if len(claims.Roles) != 2 || claims.Roles[0] != "bridge" || claims.Roles[1] != "admin" {
		t.Errorf("roles = %v", claims.Roles)
	}
	if time.Until(claims.ExpiresAt.Time) > time.Hour {
		t.Errorf("expiry too far out: %v", claims.ExpiresAt)
	}

	if code, _, _ := run("token"); code != 2 {
		t.Errorf("missing subject exit = %d, want 2", code)
	}
}

func TestRun_Migrate(t *testing.T) {
	liteEnv(t)
	code, out, errOut := run("migrate")
	if code != 0 {
		t.Fatalf("exit = %d: %s", code, errOut)
	}
	if !strings.Contains(out, "Schema up to date") {
		t.Errorf("stdout = %q", out)
	}
}

func TestRun_PolicyCheck(t *testing.T) {
	if code, out, _ := run("policy", "check", "--rule", `action == "BAN"`); code != 0 {
		t.Fatalf("valid rule exit = %d: %s", code, out)
	}
	if code, _, _ := run("policy", "check", "--rule", "action ==="); code != 1 {
		t.Fatalf("invalid rule exit = %d, want 1", code)
	}
}

func TestRun_PolicySet(t *testing.T) {
	liteEnv(t)
	code, out, errOut := run("policy", "set", "--community", "g1", "--action", "BAN", "--mode", "manual")
	if code != 0 {
		t.Fatalf("exit = %d: %s", code, errOut)
	}
	if !strings.Contains(out, "BAN in g1 is now manual") {
		t.Errorf("stdout = %q", out)
	}
	if code, _, _ := run("policy", "set", "--community", "g1", "--action", "EXPLODE", "--mode", "manual"); code != 2 {
		t.Errorf("bad action exit = %d, want 2", code)
	}
}

func TestRun_GlobalBanLifecycle(t *testing.T) {
	fake := liteEnv(t)

	code, out, errOut := run("globalban", "add", "--user", "u9", "--reason", "raid", "--actor", "owner")
	if code != 0 {
		t.Fatalf("add exit = %d: %s", code, errOut)
	}
	if !strings.Contains(out, "Propagated to 2/2 communities") {
		t.Errorf("add stdout = %q", out)
	}
	if n := len(fake.CallsFor("Ban")); n != 2 {
		t.Errorf("bans = %d, want 2", n)
	}

	_, out, _ = run("globalban", "list", "--json")
	var entries []globalban.Entry
	if err := json.Unmarshal([]byte(out), &entries); err != nil {
		t.Fatalf("list json: %v", err)
	}
	if len(entries) != 1 || entries[0].UserID != "u9" || entries[0].BannedBy != "owner" {
		t.Fatalf("entries = %+v", entries)
	}

	if code, _, errOut := run("globalban", "remove", "--user", "u9"); code != 0 {
		t.Fatalf("remove exit = %d: %s", code, errOut)
	}
	if code, _, _ := run("globalban", "remove", "--user", "u9"); code != 1 {
		t.Errorf("second remove exit = %d, want 1", code)
	}
}

func TestRun_InfractionsEmpty(t *testing.T) {
	liteEnv(t)
	code, out, _ := run("infractions", "list", "--community", "g1", "--user", "u1")
	if code != 0 || !strings.Contains(out, "No infractions recorded.") {
		t.Fatalf("exit = %d, stdout = %q", code, out)
	}
	code, out, _ = run("infractions", "clear", "--community", "g1", "--user", "u1")
	if code != 0 || !strings.Contains(out, "Cleared 0 infraction(s) for u1 in Alpha.") {
		t.Fatalf("exit = %d, stdout = %q", code, out)
	}
	if code, _, _ := run("infractions", "list", "--community", "g1"); code != 2 {
		t.Errorf("missing user exit = %d, want 2", code)
	}
}

func TestRun_AppealResolveUnknown(t *testing.T) {
	liteEnv(t)
	if code, _, _ := run("appeal", "resolve", "--id", "nope", "--decision", "accept", "--arbiter", "arb"); code != 1 {
		t.Errorf("exit = %d, want 1", code)
	}
	if code, _, _ := run("appeal", "resolve", "--id", "nope", "--decision", "maybe"); code != 2 {
		t.Errorf("bad decision exit = %d, want 2", code)
	}
}

func TestProtect_RoleGating(t *testing.T) {
	routes := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	handler := auth.NewMiddleware(auth.NewJWTValidator(testSecret))(protect(routes))

	token := func(roles ...string) string {
		tok, err := auth.Issue(testSecret, "caller", roles, time.Hour)
		if err != nil {
			t.Fatal(err)
		}
		return tok
	}
	bridge, mod, admin := token("bridge"), token("ban_members"), token("admin")

	cases := []struct {
		method, path, token string
		want                int
	}{
		{http.MethodPost, "/v1/events/messages", bridge, http.StatusOK},
		{http.MethodPost, "/v1/events/messages", mod, http.StatusForbidden},
		{http.MethodPost, "/v1/interactions", bridge, http.StatusOK},
		{http.MethodPost, "/v1/appeals", bridge, http.StatusOK},
		{http.MethodGet, "/v1/appeals", bridge, http.StatusForbidden},
		{http.MethodGet, "/v1/confirmations", mod, http.StatusOK},
		{http.MethodPost, "/v1/confirmations/c1", mod, http.StatusOK},
		{http.MethodPost, "/v1/confirmations/c1", bridge, http.StatusForbidden},
		{http.MethodPost, "/v1/globalbans", mod, http.StatusForbidden},
		{http.MethodPost, "/v1/globalbans", admin, http.StatusOK},
		{http.MethodPost, "/v1/events/messages", admin, http.StatusOK},
		{http.MethodGet, "/v1/globalbans", "", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(tc.method, tc.path, nil)
		if tc.token != "" {
			req.Header.Set("Authorization", "Bearer "+tc.token)
		}
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		if w.Code != tc.want {
			t.Errorf("%s %s = %d, want %d", tc.method, tc.path, w.Code, tc.want)
		}
	}
}

func TestNewHandler_HealthBypassesAuthAndRateLimit(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	routes := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	limiter := api.NewRateLimiter(ctx, 0.001, 1)
	handler := newHandler(routes, auth.NewJWTValidator(testSecret), limiter)

	send := func(path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.RemoteAddr = "10.0.0.9:4000"
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w
	}

	if code := send("/v1/globalbans").Code; code != http.StatusUnauthorized {
		t.Fatalf("first api call = %d, want 401", code)
	}
	if code := send("/v1/globalbans").Code; code != http.StatusTooManyRequests {
		t.Fatalf("second api call = %d, want 429", code)
	}
	for i := 0; i < 5; i++ {
		w := send("/health")
		if w.Code != http.StatusOK {
			t.Fatalf("health #%d = %d, want 200", i, w.Code)
		}
		if w.Header().Get("X-Request-ID") == "" {
			t.Errorf("health #%d missing request id", i)
		}
	}
}
