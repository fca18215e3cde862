package cmd

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	pkgauth "github.com/Rohianon/equishare-portfolio-ledger/pkg/auth"

	"github.com/Rohianon/equishare-portfolio-ledger/cmd/ledgerctl/internal/auth"
	"github.com/Rohianon/equishare-portfolio-ledger/cmd/ledgerctl/internal/output"
)

const testSecret = "test-secret"

func setup(t *testing.T, h http.HandlerFunc) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	t.Setenv("HOME", t.TempDir())
	t.Setenv("LEDGERCTL_API_URL", srv.URL)
	t.Setenv("LEDGERCTL_JWT_SECRET", testSecret)
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	prev := output.Out
	output.Out = &buf
	t.Cleanup(func() { output.Out = prev })

	format, cfgFile = "", ""
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return buf.String(), err
}

// claimsFrom checks the bearer token the CLI sent
func claimsFrom(t *testing.T, r *http.Request) *pkgauth.Claims {
	t.Helper()
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	claims, err := pkgauth.ParseToken(testSecret, token)
	if err != nil {
		t.Fatalf("server got invalid token: %v", err)
	}
	return claims
}

func TestToken_StoresSignedToken(t *testing.T) {
	setup(t, func(w http.ResponseWriter, r *http.Request) {})

	out, err := run(t, "token", "--user", "user-1", "--service=false")
	if err != nil {
		t.Fatalf("token error = %v", err)
	}
	if !strings.Contains(out, "Token stored") {
		t.Errorf("output = %q", out)
	}

	stored, err := auth.Load()
	if err != nil || stored == nil {
		t.Fatalf("auth.Load() = %v, %v", stored, err)
	}
	claims, err := pkgauth.ParseToken(testSecret, stored.AccessToken)
	if err != nil {
		t.Fatalf("ParseToken() error = %v", err)
	}
	if claims.UserID != "user-1" || claims.Role != pkgauth.RoleUser {
		t.Errorf("claims = %+v", claims)
	}
}

func TestToken_RequiresSecret(t *testing.T) {
	setup(t, func(w http.ResponseWriter, r *http.Request) {})
	t.Setenv("LEDGERCTL_JWT_SECRET", "")

	if _, err := run(t, "token", "--user", "user-1", "--service=false"); err == nil {
		t.Fatal("expected an error without jwt_secret")
	}
}

func TestWalletDeposit(t *testing.T) {
	setup(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/wallet" {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		if c := claimsFrom(t, r); c.UserID != "user-1" {
			t.Errorf("user = %s", c.UserID)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body["action"] != "deposit" || body["amount"] != "50.25" || body["idempotencyKey"] != "k1" {
			t.Errorf("body = %v", body)
		}
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"data":{"balance":"50.25","transaction":{"id":"tx-1","action":"deposit","amount":"50.25"},"replayed":false}}`))
	})

	if _, err := run(t, "token", "--user", "user-1", "--service=false"); err != nil {
		t.Fatalf("token error = %v", err)
	}
	out, err := run(t, "wallet", "deposit", "-a", "50.25", "-k", "k1", "--format", "json")
	if err != nil {
		t.Fatalf("deposit error = %v", err)
	}
	if !strings.Contains(out, `"balance": "50.25"`) || !strings.Contains(out, `"replayed": false`) {
		t.Errorf("output = %s", out)
	}
}

func TestWallet_InvalidAmount(t *testing.T) {
	setup(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	})

	if _, err := run(t, "token", "--user", "user-1", "--service=false"); err != nil {
		t.Fatalf("token error = %v", err)
	}
	_, err := run(t, "wallet", "withdraw", "-a", "ten")
	if err == nil || !strings.Contains(err.Error(), "invalid amount") {
		t.Errorf("error = %v", err)
	}
}

func TestAPIErrorSurfaces(t *testing.T) {
	setup(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"code":"INSUFFICIENT_SHARES","message":"Not enough shares"}}`))
	})

	if _, err := run(t, "token", "--user", "user-1", "--service=false"); err != nil {
		t.Fatalf("token error = %v", err)
	}
	_, err := run(t, "trade", "sell", "aapl", "--shares", "5", "--price", "100")
	if err == nil || !strings.Contains(err.Error(), "INSUFFICIENT_SHARES") {
		t.Errorf("error = %v", err)
	}
}

func TestBatchSettle_ServiceToken(t *testing.T) {
	setup(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/internal/batch/settle" || r.URL.Query().Get("retry_failed") != "true" {
			t.Errorf("url = %s", r.URL)
		}
		if c := claimsFrom(t, r); c.Role != pkgauth.RoleService {
			t.Errorf("role = %s", c.Role)
		}
		w.Write([]byte(`{"data":{"step":"settle","processed":3,"errors":1}}`))
	})

	if _, err := run(t, "token", "--service"); err != nil {
		t.Fatalf("token error = %v", err)
	}
	out, err := run(t, "batch", "settle", "--retry-failed")
	if err != nil {
		t.Fatalf("batch error = %v", err)
	}
	if !strings.Contains(out, "settle finished with 1 errors") {
		t.Errorf("output = %q", out)
	}
}

func TestRequiresToken(t *testing.T) {
	setup(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	})

	_, err := run(t, "wallet", "balance")
	if err == nil || !strings.Contains(err.Error(), "no valid token") {
		t.Errorf("error = %v", err)
	}
}

func TestConfig(t *testing.T) {
	setup(t, func(w http.ResponseWriter, r *http.Request) {})

	out, err := run(t, "config", "get", "api_url")
	if err != nil {
		t.Fatalf("config get error = %v", err)
	}
	if !strings.HasPrefix(out, "http://127.0.0.1") {
		t.Errorf("api_url = %q", out)
	}

	tests := []struct {
		name string
		args []string
	}{
		{"unknown key", []string{"config", "set", "colour", "blue"}},
		{"bad format", []string{"config", "set", "format", "xml"}},
		{"get unknown", []string{"config", "get", "colour"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := run(t, tt.args...); err == nil {
				t.Error("expected an error")
			}
		})
	}
}
