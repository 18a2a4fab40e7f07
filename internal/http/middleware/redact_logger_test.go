package middleware

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestRedact(t *testing.T) {
	id := "141add05-4415-4938-b5a1-17e0d3171aff"
	cases := map[string]struct{ in, want string }{
		"empty":          {"", ""},
		"email":          {"email=bob@example.com", "email=[REDACTED:email]"},
		"encoded email":  {"email=bob%40example.com", "email=[REDACTED:email]"},
		"phone":          {"tel=+1 212-555-1212", "tel=[REDACTED:phone]"},
		"jwt":            {"t=eyJhbGciOi.eyJzdWIiOiJ1MSJ9.sig", "t=[REDACTED:token]"},
		"uuid kept":      {"chat=" + id, "chat=" + id},
		"uuid and phone": {id + " 2125551212", id + " [REDACTED:phone]"},
		"pagination":     {"page=2&page_size=20", "page=2&page_size=20"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			if got := redact(tc.in); got != tc.want {
				t.Fatalf("redact(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestRedactingLogger(t *testing.T) {
	buf := captureGlobalLog(t)
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestID(), RedactingLogger(RedactOptions{MaskHeaders: []string{"X-Api-Key"}, SkipPaths: []string{"/health"}}))
	r.Use(func(c *gin.Context) { setUser(c, "u1"); c.Next() })
	r.GET("/chats/:id/messages", func(c *gin.Context) {
		LoggerFrom(c).Info().Msg("inside")
		c.Status(http.StatusTeapot)
	})
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })

	_ = serve(r, http.MethodGet, "/chats/c-9/messages?email=bob@example.com", map[string]string{
		"Authorization":     "Bearer secret",
		"X-Api-Key":         "k",
		HeaderInternalToken: "hook",
		"X-Request-ID":      "rid-r",
	})
	_ = serve(r, http.MethodGet, "/health", nil)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected the inside line and one access line, got %d: %s", len(lines), buf.String())
	}
	if !strings.Contains(lines[0], `"chat_id":"c-9"`) || !strings.Contains(lines[0], `"user_id":"u1"`) {
		t.Fatalf("scoped logger lacks ids: %s", lines[0])
	}

	var entry struct {
		Level     string            `json:"level"`
		RequestID string            `json:"request_id"`
		UserID    string            `json:"user_id"`
		Path      string            `json:"path"`
		Query     string            `json:"query"`
		Status    int               `json:"status"`
		Headers   map[string]string `json:"headers"`
	}
	if err := json.Unmarshal([]byte(lines[1]), &entry); err != nil {
		t.Fatalf("json: %v (%s)", err, lines[1])
	}
	if entry.Level != "warn" || entry.Status != http.StatusTeapot || entry.Path != "/chats/:id/messages" {
		t.Fatalf("unexpected entry: %+v", entry)
	}
	if entry.RequestID != "rid-r" || entry.UserID != "u1" {
		t.Fatalf("ids missing: %+v", entry)
	}
	if entry.Query != "email=[REDACTED:email]" {
		t.Fatalf("query not scrubbed: %q", entry.Query)
	}
	for _, h := range []string{"Authorization", "X-Api-Key", HeaderInternalToken} {
		if entry.Headers[h] != "[REDACTED]" {
			t.Fatalf("header %s not masked: %q", h, entry.Headers[h])
		}
	}
}

func TestRedactingLogger_ErrorLevel(t *testing.T) {
	buf := captureGlobalLog(t)
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RedactingLogger(RedactOptions{}))
	r.GET("/x", func(c *gin.Context) {
		_ = c.Error(errString("mail to bob@example.com failed"))
		c.Status(http.StatusOK)
	})
	_ = serve(r, http.MethodGet, "/x", nil)
	out := buf.String()
	if !strings.Contains(out, `"level":"error"`) || strings.Contains(out, "bob@example.com") {
		t.Fatalf("recorded errors must log at error level, scrubbed: %s", out)
	}
}

type errString string

func (e errString) Error() string { return string(e) }
