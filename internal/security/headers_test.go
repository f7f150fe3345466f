package security

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func serve(mw gin.HandlerFunc, method, origin string) *httptest.ResponseRecorder {
	router := gin.New()
	router.Use(mw)
	router.GET("/v1/receivers/:address/claimable", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(method, "/v1/receivers/0xabc/claimable", nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHeadersMiddleware(t *testing.T) {
	w := serve(HeadersMiddleware(), http.MethodGet, "")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	for header, want := range map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Cache-Control":          "no-store",
	} {
		if got := w.Header().Get(header); got != want {
			t.Errorf("%s = %q, want %q", header, got, want)
		}
	}
	if csp := w.Header().Get("Content-Security-Policy"); !strings.Contains(csp, "default-src 'none'") {
		t.Errorf("Content-Security-Policy = %q", csp)
	}
}

func TestCORSMiddleware(t *testing.T) {
	tests := []struct {
		name        string
		allowed     []string
		origin      string
		wantOrigin  string
		credentials bool
	}{
		{"listed origin", []string{"https://wallet.example/"}, "https://wallet.example", "https://wallet.example", true},
		{"unlisted origin", []string{"https://wallet.example"}, "https://evil.example", "", false},
		{"wildcard", []string{"*"}, "https://anything.example", "https://anything.example", false},
		{"empty list allows any", nil, "https://anything.example", "https://anything.example", false},
		{"no origin header", []string{"*"}, "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(CORSMiddleware(tt.allowed), http.MethodGet, tt.origin)
			if got := w.Header().Get("Access-Control-Allow-Origin"); got != tt.wantOrigin {
				t.Errorf("Allow-Origin = %q, want %q", got, tt.wantOrigin)
			}
			if got := w.Header().Get("Access-Control-Allow-Credentials") == "true"; got != tt.credentials {
				t.Errorf("Allow-Credentials = %v, want %v", got, tt.credentials)
			}
		})
	}
}

func TestCORSPreflight(t *testing.T) {
	w := serve(CORSMiddleware([]string{"*"}), http.MethodOptions, "https://wallet.example")

	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", w.Code)
	}
	if methods := w.Header().Get("Access-Control-Allow-Methods"); !strings.Contains(methods, "POST") {
		t.Errorf("Allow-Methods = %q, missing POST", methods)
	}
}
