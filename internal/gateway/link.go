package gateway

import "sync"

// link is the per-session route from engine callbacks to the attached
// client, plus the client's pending stop request.
type link struct {
	mu       sync.Mutex
	out      chan<- any
	stopTurn string
	seqTurn  string
	seq      int
}

func (l *link) attach(out chan<- any) {
	l.mu.Lock()
	l.out = out
	l.mu.Unlock()
}

func (l *link) detach(out chan<- any) {
	l.mu.Lock()
	if l.out == out {
		l.out = nil
	}
	l.mu.Unlock()
}

func (l *link) current() chan<- any {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.out
}

func (l *link) requestStop(turnID string) {
	l.mu.Lock()
	l.stopTurn = turnID
	l.mu.Unlock()
}

func (l *link) clearStop(turnID string) {
	l.mu.Lock()
	if l.stopTurn == turnID {
		l.stopTurn = ""
	}
	l.mu.Unlock()
}

func (l *link) shouldStop() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopTurn != ""
}

func (l *link) nextSeq(turnID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if turnID != l.seqTurn {
		l.seqTurn, l.seq = turnID, 0
	}
	l.seq++
	return l.seq
}
