package testutil

import (
	"context"
	"fmt"
	"net/http/httptest"
	"testing"

	"github.com/BTreeMap/CoachPipe/internal/models"
)

func TestNewTestManager(t *testing.T) {
	m, st := NewTestManager(t)
	if m == nil || st == nil {
		t.Fatal("NewTestManager returned nil")
	}
	reply, err := m.Start(context.Background(), "fixture", "")
	if err != nil {
		t.Fatalf("Start error: %v", err)
	}
	if reply.Phase != models.PhaseIntake {
		t.Errorf("expected intake phase, got %s", reply.Phase)
	}
}

func TestAssertHTTPStatus(t *testing.T) {
	tests := []struct {
		name       string
		expected   int
		actual     int
		shouldFail bool
	}{
		{name: "matching status codes", expected: 200, actual: 200},
		{name: "different status codes", expected: 200, actual: 404, shouldFail: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockT := &mockTestingT{}
			AssertHTTPStatus(mockT, tt.expected, tt.actual, "test context")
			if tt.shouldFail != mockT.failed {
				t.Errorf("failed = %v, want %v (%s)", mockT.failed, tt.shouldFail, mockT.errorMsg)
			}
			if !mockT.helper {
				t.Error("expected Helper to be called")
			}
		})
	}
}

func TestAssertJSONResponse(t *testing.T) {
	tests := []struct {
		name           string
		jsonBody       string
		expectedStatus string
		shouldFail     bool
	}{
		{name: "matching status", jsonBody: `{"status":"ok","result":{"phase":"intake"}}`, expectedStatus: "ok"},
		{name: "different status", jsonBody: `{"status":"error"}`, expectedStatus: "ok", shouldFail: true},
		{name: "missing status", jsonBody: `{"result":{}}`, expectedStatus: "ok", shouldFail: true},
		{name: "invalid JSON", jsonBody: `{`, expectedStatus: "ok", shouldFail: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			rr.WriteString(tt.jsonBody)
			mockT := &mockTestingT{}
			resp := AssertJSONResponse(mockT, rr, tt.expectedStatus)
			if tt.shouldFail != mockT.failed {
				t.Errorf("failed = %v, want %v (%s)", mockT.failed, tt.shouldFail, mockT.errorMsg)
			}
			if tt.name == "matching status" && ResultField(resp, "phase") != "intake" {
				t.Errorf("ResultField = %v", ResultField(resp, "phase"))
			}
		})
	}
}

func TestCreateJSONRequest(t *testing.T) {
	req := CreateJSONRequest(t, "POST", "/sessions/abc/messages", `{"text":"hi"}`)
	if req.Method != "POST" || req.URL.Path != "/sessions/abc/messages" {
		t.Errorf("unexpected request %s %s", req.Method, req.URL.Path)
	}
	if req.Header.Get("Content-Type") != "application/json" {
		t.Error("expected JSON content type")
	}
}

func TestMustMarshalUnmarshalJSON(t *testing.T) {
	data := MustMarshalJSON(t, models.MessageRequest{Text: "hello"})
	var got models.MessageRequest
	MustUnmarshalJSON(t, data, &got)
	if got.Text != "hello" {
		t.Errorf("round trip lost text: %+v", got)
	}

	mockT := &mockTestingT{}
	MustUnmarshalJSON(mockT, []byte("{"), &got)
	if !mockT.failed {
		t.Error("expected failure on invalid JSON")
	}
}

// mockTestingT records failures instead of stopping the test.
type mockTestingT struct {
	failed   bool
	errorMsg string
	helper   bool
}

func (m *mockTestingT) Helper() { m.helper = true }

func (m *mockTestingT) Errorf(format string, args ...interface{}) {
	m.failed = true
	m.errorMsg = fmt.Sprintf(format, args...)
}

func (m *mockTestingT) Fatalf(format string, args ...interface{}) {
	m.failed = true
	m.errorMsg = fmt.Sprintf(format, args...)
}
