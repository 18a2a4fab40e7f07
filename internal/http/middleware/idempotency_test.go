package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

type lookupCall struct{ uid, chatID, key string }

func idemEngine(opts IdempotencyOptions, exists bool, calls *[]lookupCall) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(func(c *gin.Context) { c.Set(UserIDKey, "u1"); c.Next() })
	lookup := func(_ context.Context, uid, chatID, key string, _ time.Time) (bool, error) {
		*calls = append(*calls, lookupCall{uid, chatID, key})
		return exists, nil
	}
	r.Use(IdempotencyValidator(opts, lookup))
	handler := func(c *gin.Context) {
		key, _ := GetIdempotencyKey(c)
		c.Header("X-Key", key)
		if IsReplay(c) {
			c.Header("X-Replay", "1")
		}
		if IsRateBypass(c) {
			c.Header("X-Bypass", "1")
		}
		c.Status(http.StatusNoContent)
	}
	r.POST("/chats/:id/messages", handler)
	r.GET("/chats/:id/messages", handler)
	return r
}

func serve(r http.Handler, method, path string, hdr map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestIdempotencyValidator_NoHeader(t *testing.T) {
	var calls []lookupCall
	w := serve(idemEngine(IdempotencyOptions{}, true, &calls), http.MethodPost, "/chats/c1/messages", nil)
	if w.Code != http.StatusNoContent || w.Header().Get("X-Key") != "" || len(calls) != 0 {
		t.Fatalf("no header: code=%d key=%q calls=%d", w.Code, w.Header().Get("X-Key"), len(calls))
	}
}

func TestIdempotencyValidator_IgnoresNonPost(t *testing.T) {
	var calls []lookupCall
	w := serve(idemEngine(IdempotencyOptions{}, true, &calls), http.MethodGet, "/chats/c1/messages",
		map[string]string{HeaderIdempotencyKey: "not valid at all"})
	if w.Code != http.StatusNoContent || w.Header().Get("X-Key") != "" || len(calls) != 0 {
		t.Fatalf("GET must pass through: code=%d", w.Code)
	}
}

func TestIdempotencyValidator_Rejects(t *testing.T) {
	cases := map[string]struct {
		opts IdempotencyOptions
		key  string
	}{
		"bad chars":      {IdempotencyOptions{}, "has spaces"},
		"too long":       {IdempotencyOptions{}, strings.Repeat("k", 201)},
		"custom max":     {IdempotencyOptions{MaxLen: 4}, "abcde"},
		"custom pattern": {IdempotencyOptions{Pattern: regexp.MustCompile(`^[0-9]+$`)}, "abc"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			var calls []lookupCall
			w := serve(idemEngine(tc.opts, false, &calls), http.MethodPost, "/chats/c1/messages",
				map[string]string{HeaderIdempotencyKey: tc.key})
			if w.Code != http.StatusBadRequest || !strings.Contains(w.Body.String(), "bad_idempotency_key") {
				t.Fatalf("code=%d body=%s", w.Code, w.Body.String())
			}
			if len(calls) != 0 {
				t.Fatalf("lookup must not run for a rejected key")
			}
		})
	}
}

func TestIdempotencyValidator_StashesAndFlagsReplay(t *testing.T) {
	var calls []lookupCall
	hdr := map[string]string{HeaderIdempotencyKey: "turn-1:a.b~c"}

	w := serve(idemEngine(IdempotencyOptions{}, false, &calls), http.MethodPost, "/chats/c1/messages", hdr)
	if w.Header().Get("X-Key") != "turn-1:a.b~c" || w.Header().Get("X-Replay") != "" || w.Header().Get("X-Bypass") != "" {
		t.Fatalf("fresh key: headers=%v", w.Header())
	}
	if len(calls) != 1 || calls[0] != (lookupCall{"u1", "c1", "turn-1:a.b~c"}) {
		t.Fatalf("lookup args = %+v", calls)
	}

	w = serve(idemEngine(IdempotencyOptions{}, true, &calls), http.MethodPost, "/chats/c1/messages", hdr)
	if w.Header().Get("X-Replay") != "1" || w.Header().Get("X-Bypass") != "1" {
		t.Fatalf("recorded key must flag a replay: headers=%v", w.Header())
	}
}

func TestIdempotencyValidator_LookupErrorIsNotReplay(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(IdempotencyValidator(IdempotencyOptions{}, func(context.Context, string, string, string, time.Time) (bool, error) {
		return true, context.DeadlineExceeded
	}))
	r.POST("/x", func(c *gin.Context) {
		if IsReplay(c) {
			t.Errorf("a failed lookup must not mark a replay")
		}
		c.Status(http.StatusOK)
	})
	if w := serve(r, http.MethodPost, "/x", map[string]string{HeaderIdempotencyKey: "k"}); w.Code != http.StatusOK {
		t.Fatalf("code=%d", w.Code)
	}
}
