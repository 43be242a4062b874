package engine

import "github.com/pion/webrtc/v4"

// Prediction summarises what the gathered candidate kinds say about the
// chances of a direct path.
type Prediction struct {
	// P2PPossible: any host, srflx or prflx candidate exists.
	P2PPossible bool
	// P2PLikely: a NAT traversal path demonstrably exists (srflx/prflx).
	P2PLikely bool
	// HasRelay: a TURN allocation succeeded.
	HasRelay bool
	// NetworkIssue: gathering completed with no candidates at all.
	NetworkIssue bool
}

// candidateSet tracks which candidate kinds have been gathered.
type candidateSet struct {
	kinds map[webrtc.ICECandidateType]bool
	done  bool
}

func newCandidateSet() *candidateSet {
	return &candidateSet{kinds: make(map[webrtc.ICECandidateType]bool)}
}

func (s *candidateSet) add(kind webrtc.ICECandidateType) {
	s.kinds[kind] = true
}

func (s *candidateSet) gatheringComplete() {
	s.done = true
}

// predict recomputes the prediction record from the kinds seen so far.
func (s *candidateSet) predict() Prediction {
	p := Prediction{
		P2PPossible: s.kinds[webrtc.ICECandidateTypeHost] ||
			s.kinds[webrtc.ICECandidateTypeSrflx] ||
			s.kinds[webrtc.ICECandidateTypePrflx],
		P2PLikely: s.kinds[webrtc.ICECandidateTypeSrflx] ||
			s.kinds[webrtc.ICECandidateTypePrflx],
		HasRelay: s.kinds[webrtc.ICECandidateTypeRelay],
	}
	p.NetworkIssue = s.done && len(s.kinds) == 0
	return p
}

// relayOnly reports whether the fast-fallback decision should commit now:
// only relay-type candidates, or none at all.
func (p Prediction) relayOnly() bool {
	if p.NetworkIssue {
		return true
	}
	return p.HasRelay && !p.P2PPossible
}
