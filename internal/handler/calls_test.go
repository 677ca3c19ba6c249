package handler

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/hometrade-app/messaging-platform/internal/model"
)

func TestStartCallEndpoint(t *testing.T) {
	ts := newTestServer("homeowner-1")

	rec := ts.do(t, http.MethodPost, "/calls/", model.StartCallRequest{
		JobID:          "job-1",
		ParticipantIDs: []string{"contractor-1"},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body)
	}
	var sess model.CallSession
	if err := json.Unmarshal(rec.Body.Bytes(), &sess); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if sess.Status != model.CallStatusActive {
		t.Fatalf("expected active, got %s", sess.Status)
	}
	if sess.Type != model.CallTypeInstant {
		t.Fatalf("default call type not applied: %s", sess.Type)
	}

	// Starting a second call while in one is a conflict.
	rec = ts.do(t, http.MethodPost, "/calls/", model.StartCallRequest{JobID: "job-2"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rec.Code, rec.Body)
	}
}

func TestScheduleCallEndpoint(t *testing.T) {
	ts := newTestServer("homeowner-1")

	// A past time is an expected failure, reported with the result body.
	rec := ts.do(t, http.MethodPost, "/calls/schedule", model.ScheduleCallRequest{
		JobID:         "job-1",
		CallType:      model.CallTypeConsultation,
		ScheduledTime: time.Now().Add(-time.Hour),
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", rec.Code, rec.Body)
	}
	var result model.ScheduleResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.OK() || result.Reason == "" {
		t.Fatalf("expected failure result with reason, got %+v", result)
	}

	rec = ts.do(t, http.MethodPost, "/calls/schedule", model.ScheduleCallRequest{
		JobID:         "job-1",
		CallType:      model.CallTypeConsultation,
		ScheduledTime: time.Now().Add(time.Hour),
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body)
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !result.OK() {
		t.Fatalf("expected success result, got %+v", result)
	}
	if result.Session.Status != model.CallStatusScheduled {
		t.Fatalf("expected scheduled, got %s", result.Session.Status)
	}
}

func TestEndCallEndpointReportsFinalized(t *testing.T) {
	ts := newTestServer("homeowner-1")

	rec := ts.do(t, http.MethodPost, "/calls/", model.StartCallRequest{JobID: "job-1"})
	var sess model.CallSession
	if err := json.Unmarshal(rec.Body.Bytes(), &sess); err != nil {
		t.Fatalf("decode: %v", err)
	}

	rec = ts.do(t, http.MethodPost, "/calls/"+sess.ID+"/end", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	var body map[string]bool
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !body["finalized"] {
		t.Fatal("first end did not report finalized")
	}

	rec = ts.do(t, http.MethodPost, "/calls/"+sess.ID+"/end", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("repeat end: expected 200, got %d", rec.Code)
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["finalized"] {
		t.Fatal("repeat end reported finalized")
	}
}

func TestMuteEndpoint(t *testing.T) {
	ts := newTestServer("homeowner-1")

	rec := ts.do(t, http.MethodPost, "/calls/", model.StartCallRequest{JobID: "job-1"})
	var sess model.CallSession
	if err := json.Unmarshal(rec.Body.Bytes(), &sess); err != nil {
		t.Fatalf("decode: %v", err)
	}

	rec = ts.do(t, http.MethodPost, "/calls/"+sess.ID+"/mute", map[string]bool{"on": true})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rec.Code, rec.Body)
	}

	rec = ts.do(t, http.MethodGet, "/calls/"+sess.ID+"/", nil)
	if err := json.Unmarshal(rec.Body.Bytes(), &sess); err != nil {
		t.Fatalf("decode: %v", err)
	}
	p, ok := sess.ParticipantByID("homeowner-1")
	if !ok || !p.Muted {
		t.Fatal("mute not reflected in session")
	}
}

func TestRecordingEndpoint(t *testing.T) {
	ts := newTestServer("homeowner-1")

	rec := ts.do(t, http.MethodPost, "/calls/", model.StartCallRequest{JobID: "job-1"})
	var sess model.CallSession
	if err := json.Unmarshal(rec.Body.Bytes(), &sess); err != nil {
		t.Fatalf("decode: %v", err)
	}

	rec = ts.do(t, http.MethodPost, "/calls/"+sess.ID+"/recording", map[string]bool{"on": true})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("start recording: expected 204, got %d", rec.Code)
	}

	rec = ts.do(t, http.MethodPost, "/calls/"+sess.ID+"/recording", map[string]bool{"on": false})
	if rec.Code != http.StatusOK {
		t.Fatalf("stop recording: expected 200, got %d: %s", rec.Code, rec.Body)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["recording_url"] == "" {
		t.Fatal("no recording url in response")
	}
}

func TestCallEndpointsRejectMalformedID(t *testing.T) {
	ts := newTestServer("homeowner-1")

	if rec := ts.do(t, http.MethodGet, "/calls/bogus/", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("get: expected 400, got %d", rec.Code)
	}
	for _, path := range []string{"/calls/bogus/join", "/calls/bogus/end"} {
		if rec := ts.do(t, http.MethodPost, path, nil); rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", path, rec.Code)
		}
	}
}

func TestGetUnknownCall(t *testing.T) {
	ts := newTestServer("homeowner-1")
	rec := ts.do(t, http.MethodGet, "/calls/0194f6a0-1111-7aaa-8aaa-123456789abc/", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", rec.Code, rec.Body)
	}
}
