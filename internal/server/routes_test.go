package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/yuunie/clouddrop/internal/protocol"
	"github.com/yuunie/clouddrop/internal/signaling"
)

func startAPI(t *testing.T) *httptest.Server {
	t.Helper()
	hub := signaling.NewHub()
	go hub.Run()
	ts := httptest.NewServer(Routes(hub, Options{
		ICEServers: []protocol.ICEServer{{URLs: []string{"stun:stun.example.com:3478"}}},
	}))
	t.Cleanup(ts.Close)
	return ts
}

func getJSON(t *testing.T, url string, v any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

func TestICEServersEndpoint(t *testing.T) {
	ts := startAPI(t)

	var body struct {
		ICEServers []protocol.ICEServer `json:"iceServers"`
	}
	getJSON(t, ts.URL+"/api/ice-servers", &body)
	if len(body.ICEServers) != 1 || body.ICEServers[0].URLs[0] != "stun:stun.example.com:3478" {
		t.Fatalf("ice servers: %+v", body.ICEServers)
	}
}

func TestSetPasswordOnce(t *testing.T) {
	ts := startAPI(t)

	var check struct {
		HasPassword bool `json:"hasPassword"`
	}
	getJSON(t, ts.URL+"/api/room/check-password?room=SECUR3", &check)
	if check.HasPassword {
		t.Fatalf("fresh room should have no password")
	}

	set := func(hash string) (ok bool) {
		resp, err := http.Post(
			ts.URL+"/api/room/set-password?room=SECUR3",
			"application/json",
			strings.NewReader(`{"passwordHash":"`+hash+`"}`),
		)
		if err != nil {
			t.Fatalf("POST: %v", err)
		}
		defer resp.Body.Close()
		var body struct {
			Success bool `json:"success"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return body.Success
	}

	if !set("aaaa") {
		t.Fatalf("first set should succeed")
	}
	if set("bbbb") {
		t.Fatalf("second set must fail: the hash is immutable")
	}

	getJSON(t, ts.URL+"/api/room/check-password?room=SECUR3", &check)
	if !check.HasPassword {
		t.Fatalf("room should now report a password")
	}
}

func TestHealth(t *testing.T) {
	ts := startAPI(t)
	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: %d", resp.StatusCode)
	}
}
