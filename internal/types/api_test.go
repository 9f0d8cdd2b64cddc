package types

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

// TestRequestJSONFieldNames verifies the request wire names.
func TestRequestJSONFieldNames(t *testing.T) {
	req := Request{
		Cmd:   CmdWatchDestroy,
		URL:   "https://steam.tv/",
		Watch: "0b9f3c1e-3a4b-4c5d-8e9f-0a1b2c3d4e5f",
	}

	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("Failed to marshal request: %v", err)
	}
	jsonStr := string(data)

	for _, field := range []string{`"cmd"`, `"url"`, `"watch"`} {
		if !strings.Contains(jsonStr, field) {
			t.Errorf("Expected field %s not found in JSON: %s", field, jsonStr)
		}
	}
}

// TestResponseJSONFieldNames verifies the response envelope keeps the
// camelCase timestamp names and omits empty payloads.
func TestResponseJSONFieldNames(t *testing.T) {
	resp := Response{
		Status:    StatusOK,
		Message:   "ok",
		StartTime: 1,
		EndTime:   2,
		Version:   "dev",
	}

	data, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("Failed to marshal response: %v", err)
	}
	jsonStr := string(data)

	for _, field := range []string{`"status"`, `"message"`, `"startTimestamp"`, `"endTimestamp"`, `"version"`} {
		if !strings.Contains(jsonStr, field) {
			t.Errorf("Expected field %s not found in JSON: %s", field, jsonStr)
		}
	}
	for _, field := range []string{`"watch"`, `"watches"`, `"rules"`, `"stats"`} {
		if strings.Contains(jsonStr, field) {
			t.Errorf("Empty field %s should be omitted: %s", field, jsonStr)
		}
	}
}

func TestWatchInfoJSON(t *testing.T) {
	data, err := json.Marshal(WatchInfo{ID: "id", URL: "https://steam.tv/", Host: "steam.tv", CreatedAt: 5})
	if err != nil {
		t.Fatalf("Failed to marshal: %v", err)
	}
	jsonStr := string(data)
	if !strings.Contains(jsonStr, `"createdAt":5`) {
		t.Errorf("Expected createdAt in %s", jsonStr)
	}
	if strings.Contains(jsonStr, `"lastScan"`) {
		t.Errorf("lastScan should be omitted before any scan: %s", jsonStr)
	}
}

func TestRequestValidate(t *testing.T) {
	const id = "0b9f3c1e-3a4b-4c5d-8e9f-0a1b2c3d4e5f"

	tests := []struct {
		name    string
		req     Request
		wantErr error
		wantMsg string
	}{
		{name: "list", req: Request{Cmd: CmdWatchList}},
		{name: "rules", req: Request{Cmd: CmdRulesGet}},
		{name: "stats", req: Request{Cmd: CmdStatsGet}},
		{name: "create", req: Request{Cmd: CmdWatchCreate, URL: "https://steam.tv/"}},
		{name: "destroy", req: Request{Cmd: CmdWatchDestroy, Watch: id}},
		{name: "missing cmd", req: Request{}, wantMsg: "cmd failed validation: required"},
		{name: "long cmd", req: Request{Cmd: strings.Repeat("x", MaxCmdLength+1)}, wantMsg: "cmd failed validation: max"},
		{name: "unknown cmd", req: Request{Cmd: "sessions.create"}, wantMsg: `Unknown command: "sessions.create"`},
		{name: "create without url", req: Request{Cmd: CmdWatchCreate}, wantErr: ErrURLRequired},
		{name: "destroy without id", req: Request{Cmd: CmdWatchDestroy}, wantErr: ErrWatchRequired},
		{name: "destroy bad id", req: Request{Cmd: CmdWatchDestroy, Watch: "nope"}, wantMsg: "watch failed validation: uuid"},
		{name: "long url", req: Request{Cmd: CmdWatchCreate, URL: "https://steam.tv/" + strings.Repeat("a", MaxURLLength)}, wantMsg: "url failed validation: max"},
		{name: "javascript url", req: Request{Cmd: CmdWatchCreate, URL: "javascript:alert(1)"}, wantMsg: "url scheme must be http or https"},
		{name: "bad url", req: Request{Cmd: CmdWatchCreate, URL: "http://[::1"}, wantMsg: "invalid url"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			switch {
			case tt.wantErr != nil:
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("Expected %v, got %v", tt.wantErr, err)
				}
			case tt.wantMsg != "":
				if err == nil || !strings.Contains(err.Error(), tt.wantMsg) {
					t.Errorf("Expected error containing %q, got %v", tt.wantMsg, err)
				}
			default:
				if err != nil {
					t.Errorf("Expected no error, got %v", err)
				}
			}
		})
	}
}

func TestWatchError(t *testing.T) {
	cause := errors.New("net::ERR_NAME_NOT_RESOLVED")
	err := NewWatchError("navigate", "https://steam.tv/", cause)

	if !errors.Is(err, cause) {
		t.Error("WatchError should unwrap to its cause")
	}
	if err.Error() != "watch setup failed at navigate: net::ERR_NAME_NOT_RESOLVED" {
		t.Errorf("Unexpected message: %q", err.Error())
	}

	var we *WatchError
	if !errors.As(error(err), &we) || we.Stage != "navigate" || we.URL != "https://steam.tv/" {
		t.Errorf("errors.As failed or wrong fields: %+v", we)
	}

	if msg := NewWatchError("page", "u", nil).Error(); msg != "watch setup failed at page" {
		t.Errorf("Unexpected nil-cause message: %q", msg)
	}
}
