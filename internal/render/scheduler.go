package render

import (
	"sort"
	"sync"
	"time"
)

// FrameToken identifies a requested frame callback.
type FrameToken uint64

// FrameScheduler runs callbacks at the next display frame.
type FrameScheduler interface {
	RequestFrame(callback func()) FrameToken
	CancelFrame(token FrameToken)
}

// ManualScheduler queues frames until Flush is called.
type ManualScheduler struct {
	mu      sync.Mutex
	next    FrameToken
	pending map[FrameToken]func()
}

func NewManualScheduler() *ManualScheduler {
	return &ManualScheduler{pending: make(map[FrameToken]func())}
}

func (s *ManualScheduler) RequestFrame(callback func()) FrameToken {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	s.pending[s.next] = callback
	return s.next
}

func (s *ManualScheduler) CancelFrame(token FrameToken) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, token)
}

// Pending reports the number of queued frames.
func (s *ManualScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Flush runs every queued frame in request order and returns how many ran.
// Frames requested by the callbacks themselves wait for the next Flush.
func (s *ManualScheduler) Flush() int {
	s.mu.Lock()
	tokens := make([]FrameToken, 0, len(s.pending))
	for token := range s.pending {
		tokens = append(tokens, token)
	}
	sort.Slice(tokens, func(i, j int) bool { return tokens[i] < tokens[j] })
	callbacks := make([]func(), 0, len(tokens))
	for _, token := range tokens {
		callbacks = append(callbacks, s.pending[token])
		delete(s.pending, token)
	}
	s.mu.Unlock()

	for _, callback := range callbacks {
		callback()
	}
	return len(callbacks)
}

// TimerScheduler fires frames on wall-clock intervals.
type TimerScheduler struct {
	interval time.Duration

	mu     sync.Mutex
	next   FrameToken
	timers map[FrameToken]*time.Timer
}

// NewTimerScheduler builds a scheduler delivering frames after interval. Non-positive intervals default to 60 fps.
func NewTimerScheduler(interval time.Duration) *TimerScheduler {
	if interval <= 0 {
		interval = time.Second / 60
	}
	return &TimerScheduler{interval: interval, timers: make(map[FrameToken]*time.Timer)}
}

func (s *TimerScheduler) RequestFrame(callback func()) FrameToken {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	token := s.next
	s.timers[token] = time.AfterFunc(s.interval, func() {
		s.mu.Lock()
		_, live := s.timers[token]
		delete(s.timers, token)
		s.mu.Unlock()
		if live {
			callback()
		}
	})
	return token
}

func (s *TimerScheduler) CancelFrame(token FrameToken) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if timer, ok := s.timers[token]; ok {
		timer.Stop()
		delete(s.timers, token)
	}
}
