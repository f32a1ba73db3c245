package alert

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"
)

type mockHTTPClient struct {
	statusCode int
	err        error
	lastReq    *http.Request
	lastBody   string
}

func (m *mockHTTPClient) Do(req *http.Request) (*http.Response, error) {
	m.lastReq = req
	if req.Body != nil {
		body, _ := io.ReadAll(req.Body)
		m.lastBody = string(body)
	}
	if m.err != nil {
		return nil, m.err
	}
	return &http.Response{
		StatusCode: m.statusCode,
		Body:       http.NoBody,
	}, nil
}

func TestNewManager(t *testing.T) {
	m := NewManager(true, "https://hooks.slack.com/test")
	if m == nil {
		t.Fatal("expected non-nil manager")
	}
	if !m.enabled {
		t.Error("expected enabled to be true")
	}
	if m.slackWebhook != "https://hooks.slack.com/test" {
		t.Error("expected slack webhook to be set")
	}
}

func TestSendPipelineHaltedAlert_Disabled(t *testing.T) {
	m := NewManager(false, "https://hooks.slack.com/test")
	err := m.SendPipelineHaltedAlert("indexer", "Timestamp(1, 1)", errors.New("unsupported: v=2 index"))
	if err != nil {
		t.Errorf("expected nil error when disabled, got: %v", err)
	}
}

func TestSendPipelineHaltedAlert_EmptyWebhook(t *testing.T) {
	m := NewManager(true, "")
	err := m.SendPipelineHaltedAlert("indexer", "Timestamp(1, 1)", errors.New("unsupported: v=2 index"))
	if err != nil {
		t.Errorf("expected nil error with empty webhook, got: %v", err)
	}
}

func TestSendPipelineHaltedAlert_Success(t *testing.T) {
	mock := &mockHTTPClient{statusCode: http.StatusOK}
	m := NewManagerWithClient(true, "https://hooks.slack.com/test", mock)

	err := m.SendPipelineHaltedAlert("indexer", "Timestamp(1700000000, 3)", errors.New("malformed record: no name defined for index spec"))
	if err != nil {
		t.Errorf("expected nil error, got: %v", err)
	}
	if mock.lastReq == nil {
		t.Fatal("expected request to be made")
	}
	if mock.lastReq.Method != http.MethodPost {
		t.Errorf("expected POST method, got: %s", mock.lastReq.Method)
	}
	if mock.lastReq.Header.Get("Content-Type") != "application/json" {
		t.Error("expected Content-Type to be application/json")
	}

	var msg slackMessage
	if err := json.Unmarshal([]byte(mock.lastBody), &msg); err != nil {
		t.Fatalf("invalid payload: %v", err)
	}
	if len(msg.Attachments) != 1 || msg.Attachments[0].Color != "danger" {
		t.Errorf("unexpected attachments %+v", msg.Attachments)
	}
	if !strings.Contains(mock.lastBody, "Timestamp(1700000000, 3)") {
		t.Error("expected checkpoint position in payload")
	}
}

func TestSendPipelineHaltedAlert_SlackError(t *testing.T) {
	mock := &mockHTTPClient{statusCode: http.StatusInternalServerError}
	m := NewManagerWithClient(true, "https://hooks.slack.com/test", mock)

	err := m.SendPipelineHaltedAlert("indexer", "start", errors.New("boom"))
	if err == nil {
		t.Error("expected error for non-200 response")
	}
}

func TestSendPipelineRestartAlert_Success(t *testing.T) {
	mock := &mockHTTPClient{statusCode: http.StatusOK}
	m := NewManagerWithClient(true, "https://hooks.slack.com/test", mock)

	err := m.SendPipelineRestartAlert("indexer", 3, 8*time.Second, errors.New("tail oplog: connection reset"))
	if err != nil {
		t.Errorf("expected nil error, got: %v", err)
	}
	if !strings.Contains(mock.lastBody, `"warning"`) || !strings.Contains(mock.lastBody, "8s") {
		t.Errorf("unexpected payload %s", mock.lastBody)
	}
}

func TestSendSystemAlert_TransportError(t *testing.T) {
	mock := &mockHTTPClient{err: errors.New("dial tcp: timeout")}
	m := NewManagerWithClient(true, "https://hooks.slack.com/test", mock)

	if err := m.SendSystemAlert("Shutdown", "stopped by operator", "good"); err == nil {
		t.Error("expected transport error")
	}
}
