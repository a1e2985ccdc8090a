package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

func newRouter(secret string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware([]byte(secret)))
	r.GET("/me", func(c *gin.Context) {
		id, _ := IdentityFrom(c)
		c.JSON(http.StatusOK, gin.H{"identity": id})
	})
	return r
}

func TestMiddlewareRejectsMissingToken(t *testing.T) {
	r := newRouter("secret")

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestMiddlewareAcceptsValidToken(t *testing.T) {
	r := newRouter("secret")

	signed, err := IssueToken([]byte("secret"), "trader@example.com", time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if body := w.Body.String(); body != `{"identity":"trader@example.com"}` {
		t.Fatalf("unexpected body %s", body)
	}
}

func TestMiddlewareRejectsWrongSecretAndAlgorithm(t *testing.T) {
	r := newRouter("secret")

	wrongSecret, _ := IssueToken([]byte("other"), "trader@example.com", time.Hour)
	none, _ := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Subject: "x"}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	expired, _ := IssueToken([]byte("secret"), "trader@example.com", -time.Hour)

	for name, token := range map[string]string{"wrong secret": wrongSecret, "alg none": none, "expired": expired} {
		t.Run(name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			req.Header.Set("Authorization", "Bearer "+token)
			r.ServeHTTP(w, req)
			if w.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", w.Code)
			}
		})
	}
}

func TestExtractBearer(t *testing.T) {
	if got := ExtractBearer("bearer abc "); got != "abc" {
		t.Fatalf("unexpected token %q", got)
	}
	if got := ExtractBearer("Basic abc"); got != "" {
		t.Fatalf("expected empty for basic auth, got %q", got)
	}
}
