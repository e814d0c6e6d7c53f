package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/ksred/blineit-api/internal/auth"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newRouter(authService *auth.Service) *gin.Engine {
	r := gin.New()
	r.GET("/private", JWTAuth(authService), func(c *gin.Context) {
		c.String(http.StatusOK, auth.UserID(c))
	})
	r.POST("/internal", InternalAuth("internal-key"), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})
	return r
}

func TestJWTAuth(t *testing.T) {
	authService := auth.NewService("secret", "blineit")
	tok, err := authService.IssueToken("user-42", "u@example.com")
	if err != nil {
		t.Fatal(err)
	}
	r := newRouter(authService)

	cases := []struct {
		name   string
		header string
		status int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic " + tok.Token, http.StatusUnauthorized},
		{"garbage", "Bearer not-a-jwt", http.StatusUnauthorized},
		{"valid", "Bearer " + tok.Token, http.StatusOK},
		{"lowercase scheme", "bearer " + tok.Token, http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/private", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			if w.Code != tc.status {
				t.Fatalf("status = %d, want %d", w.Code, tc.status)
			}
			if tc.status == http.StatusOK && w.Body.String() != "user-42" {
				t.Fatalf("user id = %q", w.Body.String())
			}
		})
	}
}

func TestInternalAuth(t *testing.T) {
	r := newRouter(auth.NewService("secret", "blineit"))

	req := httptest.NewRequest(http.MethodPost, "/internal", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("no key: status = %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/internal", nil)
	req.Header.Set("X-Internal-Key", "internal-key")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("with key: status = %d", w.Code)
	}
}

func TestRateLimitFunctions(t *testing.T) {
	r := gin.New()
	r.Use(RateLimit())
	r.POST("/functions/v1/risk-assessment", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	var limited bool
	for i := 0; i < 10; i++ {
		req := httptest.NewRequest(http.MethodPost, "/functions/v1/risk-assessment", nil)
		req.RemoteAddr = "10.1.2.3:5555"
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		if w.Code == http.StatusTooManyRequests {
			limited = true
			break
		}
	}
	if !limited {
		t.Fatal("expected the functions limiter to trip within 10 requests")
	}
}

func TestRateLimitKeysAuthenticatedUsers(t *testing.T) {
	authService := auth.NewService("secret", "blineit")
	r := gin.New()
	fns := r.Group("/functions/v1")
	fns.Use(JWTAuth(authService), RateLimit())
	fns.POST("/smart-recommendations", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	call := func(userID string) int {
		tok, err := authService.IssueToken(userID, userID+"@example.com")
		if err != nil {
			t.Fatal(err)
		}
		req := httptest.NewRequest(http.MethodPost, "/functions/v1/smart-recommendations", nil)
		req.RemoteAddr = "10.9.9.9:4444"
		req.Header.Set("Authorization", "Bearer "+tok.Token)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	limited := false
	for i := 0; i < 10; i++ {
		if call("heavy-user") == http.StatusTooManyRequests {
			limited = true
			break
		}
	}
	if !limited {
		t.Fatal("expected heavy-user to be limited within 10 requests")
	}

	// Same IP, different user: a separate bucket
	if code := call("light-user"); code != http.StatusOK {
		t.Fatalf("light-user status = %d, want 200", code)
	}

	mu.Lock()
	_, byUser := visitors["heavy-user:POST:/functions/v1/smart-recommendations"]
	_, byIP := visitors["10.9.9.9:POST:/functions/v1/smart-recommendations"]
	mu.Unlock()
	if !byUser || byIP {
		t.Fatalf("limiter keys: by user %v, by ip %v", byUser, byIP)
	}
}
