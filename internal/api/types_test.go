package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestWriteErrorEnvelope(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)

	WriteError(c, http.StatusNotFound, "book not found")

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d", w.Code)
	}
	if !c.IsAborted() {
		t.Fatal("context should be aborted")
	}
	var resp Response
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Error == nil || resp.Error.Code != 404 || resp.Error.Error != "Not Found" || resp.Error.Message != "book not found" {
		t.Fatalf("unexpected error body %+v", resp.Error)
	}
	if resp.Data != nil {
		t.Fatalf("data should be omitted, got %v", resp.Data)
	}
}

func TestWriteSuccessEnvelope(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)

	WriteSuccess(c, gin.H{"total": 2}, "ok")

	var raw map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &raw); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := raw["error"]; ok {
		t.Fatal("error should be omitted on success")
	}
	if raw["message"] != "ok" {
		t.Fatalf("message = %v", raw["message"])
	}
	if raw["data"].(map[string]any)["total"] != float64(2) {
		t.Fatalf("data = %v", raw["data"])
	}
}
