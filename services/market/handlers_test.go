package market

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"

	"github.com/lumenfeed/market_layer/internal/httputil"
	"github.com/lumenfeed/market_layer/internal/logging"
)

func newTestRouter(f *fixture, username string) *mux.Router {
	r := mux.NewRouter()
	NewHandler(f.svc, logging.NewNop()).Register(r)
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req.WithContext(logging.WithUserID(req.Context(), username)))
		})
	})
	return r
}

func doJSON(t *testing.T, r *mux.Router, path, body string) (*httptest.ResponseRecorder, httputil.APIResponse) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	var resp httputil.APIResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v (body %s)", err, rec.Body.String())
	}
	return rec, resp
}

func TestHandler_Buy(t *testing.T) {
	f := newFixture(t)
	f.seedUser("carol", 0)
	f.seedUser("bob", 100)
	postPath, _ := f.seedCollectiblePost("carol", "p1", TypeTrade, 40, 1)
	router := newTestRouter(f, "bob")

	rec, resp := doJSON(t, router, "/v1/market/buy", `{"postDocPath":"`+postPath+`"}`)
	if rec.Code != http.StatusOK || !resp.Success {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}

	t.Run("RepeatForbidden", func(t *testing.T) {
		rec, resp := doJSON(t, router, "/v1/market/buy", `{"postDocPath":"`+postPath+`"}`)
		if rec.Code != http.StatusForbidden {
			t.Fatalf("status = %d, want 403", rec.Code)
		}
		if resp.Error == nil || resp.Error.Code != "FORBIDDEN" {
			t.Fatalf("unexpected error body: %+v", resp.Error)
		}
	})

	t.Run("MalformedBody", func(t *testing.T) {
		rec, resp := doJSON(t, router, "/v1/market/buy", `{"postDocPath":`)
		if rec.Code != http.StatusUnprocessableEntity {
			t.Fatalf("status = %d, want 422", rec.Code)
		}
		if resp.Error == nil || resp.Error.Code != "INVALID_REQUEST" {
			t.Fatalf("unexpected error body: %+v", resp.Error)
		}
	})
}

func TestHandler_Collect(t *testing.T) {
	f := newFixture(t)
	f.seedUser("carol", 0)
	f.seedUser("bob", 0)
	postPath, collectiblePath := f.seedCollectiblePost("carol", "p1", TypeEvent, 0, 3)
	f.seedCode("CODE-1", collectiblePath, postPath, "carol")
	router := newTestRouter(f, "bob")

	rec, resp := doJSON(t, router, "/v1/market/collect", `{"code":"CODE-1"}`)
	if rec.Code != http.StatusOK || !resp.Success {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}

	t.Run("UnknownCode", func(t *testing.T) {
		rec, resp := doJSON(t, router, "/v1/market/collect", `{"code":"NOPE"}`)
		if rec.Code != http.StatusForbidden {
			t.Fatalf("status = %d, want 403", rec.Code)
		}
		if resp.Error == nil || resp.Error.Code != "INVALID_CODE" {
			t.Fatalf("unexpected error body: %+v", resp.Error)
		}
	})
}

func TestHandler_Create(t *testing.T) {
	f := newFixture(t)
	f.seedUser("carol", 0)
	f.seedPlainPost("carol", "p1")
	router := newTestRouter(f, "carol")

	rec, resp := doJSON(t, router, "/v1/market/collectibles", `{"postDocPath":"posts/p1","type":"event","stock":3}`)
	if rec.Code != http.StatusOK || !resp.Success {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	data, _ := json.Marshal(resp.Data)
	var result CreateResult
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if len(result.Codes) != 3 {
		t.Fatalf("codes = %d, want 3", len(result.Codes))
	}
}
