package openapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

type handler struct{}

func (handler) GetSession(c echo.Context) error     { return nil }
func (handler) SetAnswer(c echo.Context) error      { return nil }
func (handler) DiscardSession(c echo.Context) error { return nil }

func TestGenerateSpec(t *testing.T) {
	e := echo.New()
	var h handler
	g := e.Group("/api/v1")
	g.GET("/sessions/:id", h.GetSession)
	g.PUT("/sessions/:id/answers/:phase/:field", h.SetAnswer)
	g.DELETE("/sessions/:id", h.DiscardSession)
	e.GET("/health", func(c echo.Context) error { return nil })
	gen := NewGenerator(e, "Exam API", "1.0.0")
	gen.RegisterRoutes(e)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/openapi.json", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var doc struct {
		OpenAPI string `json:"openapi"`
		Info    struct {
			Title string `json:"title"`
		} `json:"info"`
		Paths map[string]map[string]struct {
			OperationID string   `json:"operationId"`
			Tags        []string `json:"tags"`
			Parameters  []struct {
				Name string `json:"name"`
			} `json:"parameters"`
			RequestBody map[string]interface{}            `json:"requestBody"`
			Responses   map[string]map[string]interface{} `json:"responses"`
		} `json:"paths"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatal(err)
	}
	if doc.OpenAPI != "3.0.3" || doc.Info.Title != "Exam API" {
		t.Errorf("unexpected header %+v", doc)
	}
	if _, ok := doc.Paths["/openapi.json"]; ok {
		t.Error("the document must not describe itself")
	}

	get := doc.Paths["/api/v1/sessions/{id}"]["get"]
	if get.OperationID != "GetSession" || len(get.Tags) != 1 || get.Tags[0] != "sessions" {
		t.Errorf("unexpected get operation %+v", get)
	}
	if del, ok := doc.Paths["/api/v1/sessions/{id}"]["delete"]; !ok || del.Responses["204"] == nil {
		t.Errorf("expected delete with 204, got %+v", del)
	}

	put := doc.Paths["/api/v1/sessions/{id}/answers/{phase}/{field}"]["put"]
	if len(put.Parameters) != 3 || put.Parameters[1].Name != "phase" || put.RequestBody == nil {
		t.Errorf("unexpected put operation %+v", put)
	}

	health := doc.Paths["/health"]["get"]
	if health.OperationID != "" || health.Tags[0] != "health" {
		t.Errorf("unexpected health operation %+v", health)
	}
}

func TestConvertPath(t *testing.T) {
	got, params := convertPath("/api/v1/sessions/:id/answers/:phase/:field")
	if got != "/api/v1/sessions/{id}/answers/{phase}/{field}" {
		t.Errorf("convertPath = %q", got)
	}
	if len(params) != 3 || params[2] != "field" {
		t.Errorf("params = %v", params)
	}
}

func TestOperationID(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"github.com/ehr/clinexam/internal/domain/exam.(*Handler).ListForms-fm", "ListForms"},
		{"main.newEcho.func1", ""},
	}
	for _, tt := range tests {
		if got := operationID(tt.in); got != tt.want {
			t.Errorf("operationID(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
