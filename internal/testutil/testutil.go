// Package testutil provides shared fixtures and assertions for CoachPipe tests.
package testutil

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/BTreeMap/CoachPipe/internal/conversation"
	"github.com/BTreeMap/CoachPipe/internal/flow"
	"github.com/BTreeMap/CoachPipe/internal/persona"
	"github.com/BTreeMap/CoachPipe/internal/store"
)

// TB is the subset of testing.TB the assertions need.
type TB interface {
	Helper()
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})
}

// NewTestManager returns a manager serving the value proposition workflow
// with the template persona over an in-memory store. opts are applied after
// the default engine.
func NewTestManager(t testing.TB, opts ...conversation.Option) (*conversation.Manager, *store.InMemoryStore) {
	t.Helper()
	p, err := persona.NewTemplate()
	if err != nil {
		t.Fatalf("persona.NewTemplate: %v", err)
	}
	st := store.NewInMemoryStore()
	all := append([]conversation.Option{
		conversation.WithEngine(flow.NewEngine(flow.ValueProp(), p, nil)),
	}, opts...)
	return conversation.NewManager(st, all...), st
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t TB, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes the envelope and validates its status field.
func AssertJSONResponse(t TB, rr *httptest.ResponseRecorder, expectedStatus string) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
		return nil
	}

	if status, ok := response["status"].(string); ok {
		if status != expectedStatus {
			t.Errorf("expected status '%s', got '%s'", expectedStatus, status)
		}
	} else {
		t.Errorf("response missing or invalid 'status' field")
	}
	return response
}

// ResultField returns response["result"][key] from a decoded envelope.
func ResultField(response map[string]interface{}, key string) interface{} {
	result, ok := response["result"].(map[string]interface{})
	if !ok {
		return nil
	}
	return result[key]
}

// CreateJSONRequest creates a request with a raw JSON body.
func CreateJSONRequest(t TB, method, url, body string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(method, url, bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
		return nil
	}
	req.Header.Set("Content-Type", "application/json")
	return req
}

// MustMarshalJSON marshals an object to JSON and fails test on error.
func MustMarshalJSON(t TB, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}

// MustUnmarshalJSON unmarshals JSON data into target and fails test on error.
func MustUnmarshalJSON(t TB, data []byte, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("failed to unmarshal JSON: %v", err)
	}
}
