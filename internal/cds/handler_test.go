package cds

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"polystore/pkg/domain"
)

func newTestRouter(t *testing.T) (*gin.Engine, *testEnv) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	env := newEnv(t, Config{})
	handler := NewHandler(env.workflow, func(c *gin.Context) (domain.SecurityContext, error) {
		subject := c.GetHeader("X-Subject")
		if subject == "" {
			return domain.SecurityContext{}, nil
		}
		return officerContext(subject), nil
	})
	router := gin.New()
	handler.Register(router)
	return router, env
}

func doJSON(t *testing.T, router *gin.Engine, method, path, subject string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("encode body: %v", err)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	if subject != "" {
		req.Header.Set("X-Subject", subject)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var decoded map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &decoded); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return rec, decoded
}

func submitHTTP(t *testing.T, router *gin.Engine) string {
	t.Helper()
	rec, body := doJSON(t, router, http.MethodPost, "/api/v1/cds/request", "requester", map[string]any{
		"logical_id":    "doc-1",
		"direction":     "downgrade",
		"from_level":    "secret",
		"to_level":      "internal",
		"justification": "releasable summary",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("submit: status %d body %s", rec.Code, rec.Body.String())
	}
	id, _ := body["id"].(string)
	if id == "" {
		t.Fatalf("submit returned no id: %v", body)
	}
	return id
}

func TestRequestApproveCompleteOverHTTP(t *testing.T) {
	router, env := newTestRouter(t)
	id := submitHTTP(t, router)

	for _, approver := range []string{"alice", "bob"} {
		rec, body := doJSON(t, router, http.MethodPost, "/api/v1/cds/"+id+"/approve", approver, map[string]any{"decision": "approve"})
		if rec.Code != http.StatusOK {
			t.Fatalf("approve by %s: status %d body %v", approver, rec.Code, body)
		}
	}

	rec, body := doJSON(t, router, http.MethodPost, "/api/v1/cds/"+id+"/complete", "alice", map[string]any{
		"sanitized_instance": map[string]any{"title": "sanitized"},
	})
	if rec.Code != http.StatusOK || body["status"] != "completed" {
		t.Fatalf("complete: status %d body %v", rec.Code, body)
	}

	instances, err := env.store.ListInstances(context.Background(), "doc-1")
	if err != nil || len(instances) != 1 {
		t.Fatalf("completed transfer must land in storage: n=%d err=%v", len(instances), err)
	}
}

func TestCompleteBeforeApprovalReturns400NotApproved(t *testing.T) {
	router, _ := newTestRouter(t)
	id := submitHTTP(t, router)

	rec, body := doJSON(t, router, http.MethodPost, "/api/v1/cds/"+id+"/complete", "alice", map[string]any{
		"sanitized_instance": map[string]any{"title": "x"},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if body["error"] != domain.CodeNotApproved {
		t.Fatalf("expected NOT_APPROVED, got %v", body["error"])
	}
}

func TestUnauthenticatedRequestsRejected(t *testing.T) {
	router, _ := newTestRouter(t)
	rec, _ := doJSON(t, router, http.MethodPost, "/api/v1/cds/request", "", map[string]any{})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestUnknownRequestIs404(t *testing.T) {
	router, _ := newTestRouter(t)
	rec, _ := doJSON(t, router, http.MethodPost, "/api/v1/cds/missing/approve", "alice", map[string]any{"decision": "approve"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestEventsEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)
	id := submitHTTP(t, router)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/cds/"+id+"/events", nil)
	req.Header.Set("X-Subject", "alice")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("events: status %d", rec.Code)
	}
	var body struct {
		Events []domain.CDSEvent `json:"events"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Events) != 1 || body.Events[0].Kind != "requested" {
		t.Fatalf("expected one requested event, got %+v", body.Events)
	}
}
