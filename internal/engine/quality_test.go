package engine

import (
	"testing"

	"github.com/pion/webrtc/v4"
)

func TestPredictionClassification(t *testing.T) {
	s := newCandidateSet()
	if p := s.predict(); p.P2PPossible || p.HasRelay || p.NetworkIssue {
		t.Fatalf("empty set before gathering should predict nothing: %+v", p)
	}

	s.add(webrtc.ICECandidateTypeHost)
	p := s.predict()
	if !p.P2PPossible || p.P2PLikely {
		t.Fatalf("host only: %+v", p)
	}

	s.add(webrtc.ICECandidateTypeSrflx)
	p = s.predict()
	if !p.P2PLikely {
		t.Fatalf("srflx should make p2p likely: %+v", p)
	}

	s.add(webrtc.ICECandidateTypeRelay)
	p = s.predict()
	if !p.HasRelay || p.relayOnly() {
		t.Fatalf("relay plus host/srflx must not be relay-only: %+v", p)
	}
}

func TestRelayOnlyCommitsEarly(t *testing.T) {
	s := newCandidateSet()
	s.add(webrtc.ICECandidateTypeRelay)
	if !s.predict().relayOnly() {
		t.Fatalf("relay-only gathering should trigger the early commitment")
	}
}

func TestNetworkIssueAfterEmptyGathering(t *testing.T) {
	s := newCandidateSet()
	s.gatheringComplete()
	p := s.predict()
	if !p.NetworkIssue || !p.relayOnly() {
		t.Fatalf("no candidates at all: %+v", p)
	}
}

func TestPoliteness(t *testing.T) {
	e := New(nil, nil, "", nil, false, Callbacks{})
	e.SetLocalID("aaa")
	if p := e.peer("bbb"); !p.polite {
		t.Fatalf("smaller local id should be polite")
	}
	e2 := New(nil, nil, "", nil, false, Callbacks{})
	e2.SetLocalID("zzz")
	if p := e2.peer("bbb"); p.polite {
		t.Fatalf("larger local id should be impolite")
	}
}

func TestAttemptPromotion(t *testing.T) {
	a := newAttempt(true)
	if !a.isPrewarm() {
		t.Fatalf("fresh prewarm attempt")
	}
	a.promote()
	if a.isPrewarm() {
		t.Fatalf("promoted attempt must race with real fallback timers")
	}
}
