// Package scanner runs one shared discovery session for every party that
// needs advertisements. Parties hold tokens; the radio scans while at least
// one token is held.
package scanner

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lowaak/smart-trainer/trainer-hub/internal/bt"
	"github.com/lowaak/smart-trainer/trainer-hub/internal/events"
	"github.com/lowaak/smart-trainer/trainer-hub/internal/go_func_utils"
	"github.com/lowaak/smart-trainer/trainer-hub/internal/safe_map"
)

// Token identifies one scan request
type Token string

type Config struct {
	// StaleAfter drops advertisements not refreshed within the window.
	// Zero keeps them until the session ends.
	StaleAfter time.Duration
}

func DefaultConfig() Config {
	return Config{StaleAfter: 10 * time.Second}
}

type Scanner struct {
	logger *log.Logger
	radio  bt.Radio
	cfg    Config

	mu      sync.Mutex
	tokens  map[Token]string
	running bool
	session uint64
	cancel  context.CancelFunc
	done    chan struct{}
	wg      sync.WaitGroup

	results        *safe_map.SafeMap[string, bt.Advertisement]
	discoveryEvent *events.ChannelEvent[bt.Advertisement]
	errorEvent     *events.ChannelEvent[error]
	active         *events.Observable[bool]
}

func New(logger *log.Logger, radio bt.Radio, cfg Config) *Scanner {
	if logger == nil {
		panic("Scanner: logger cannot be nil")
	}
	if radio == nil {
		panic("Scanner: radio cannot be nil")
	}
	return &Scanner{
		logger:         logger,
		radio:          radio,
		cfg:            cfg,
		tokens:         make(map[Token]string),
		results:        safe_map.NewSafeMap[string, bt.Advertisement](),
		discoveryEvent: events.NewChannelEvent[bt.Advertisement](false),
		errorEvent:     events.NewChannelEvent[error](true),
		active:         events.NewDistinctObservable(false),
	}
}

// Acquire registers a scan request and starts the radio scan if it is not
// running. purpose only shows up in logs.
func (s *Scanner) Acquire(purpose string) Token {
	token := Token(uuid.New().String())

	s.mu.Lock()
	s.tokens[token] = purpose
	s.logger.Printf("Scanner: token %s acquired for %s (%d held)", token[:8], purpose, len(s.tokens))
	started := !s.running
	if started {
		s.startLocked()
	}
	s.mu.Unlock()

	if started {
		s.active.Set(true)
	}
	return token
}

// Release drops a scan request. The scan stops with the last token.
// Releasing an unknown token is a no-op and returns false.
func (s *Scanner) Release(token Token) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	purpose, ok := s.tokens[token]
	if !ok {
		return false
	}
	delete(s.tokens, token)
	s.logger.Printf("Scanner: token %s released by %s (%d held)", token[:8], purpose, len(s.tokens))
	if len(s.tokens) == 0 && s.running {
		s.running = false
		s.cancel()
	}
	return true
}

// Restart starts a new radio session after a discovery failure if tokens
// are still held
func (s *Scanner) Restart() bool {
	s.mu.Lock()
	if s.running || len(s.tokens) == 0 {
		s.mu.Unlock()
		return false
	}
	s.startLocked()
	s.mu.Unlock()
	s.active.Set(true)
	return true
}

// startLocked begins a new session. A session waits for the previous one to
// leave the radio before scanning.
func (s *Scanner) startLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	s.session++
	session := s.session
	s.cancel = cancel
	s.running = true
	previous := s.done
	done := make(chan struct{})
	s.done = done
	s.results.Clear()
	s.logger.Printf("Scanner: scan session %d started", session)

	go_func_utils.SafeGoWG(s.logger, &s.wg, func() {
		defer close(done)
		if previous != nil {
			<-previous
		}
		if s.cfg.StaleAfter > 0 {
			go_func_utils.SafeGoWG(s.logger, &s.wg, func() { s.pruneLoop(ctx) })
		}
		var err error
		if ctx.Err() == nil {
			err = s.radio.Scan(ctx, s.handle)
		}
		cancel()

		s.mu.Lock()
		current := s.session == session
		if current {
			s.running = false
		}
		s.mu.Unlock()
		if current {
			s.active.Set(false)
		}

		if err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Printf("Scanner: scan session %d failed: %v", session, err)
			var discoveryErr *bt.DiscoveryError
			if !errors.As(err, &discoveryErr) {
				err = &bt.DiscoveryError{Op: "scan", Err: err}
			}
			s.errorEvent.Notify(err)
			return
		}
		s.logger.Printf("Scanner: scan session %d stopped", session)
	})
}

func (s *Scanner) handle(adv bt.Advertisement) {
	if adv.SeenAt.IsZero() {
		adv.SeenAt = time.Now()
	}
	s.results.Store(adv.Address, adv)
	s.discoveryEvent.Notify(adv)
}

func (s *Scanner) pruneLoop(ctx context.Context) {
	interval := s.cfg.StaleAfter / 2
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.Prune(now)
		}
	}
}

// Prune drops advertisements older than StaleAfter and returns their addresses
func (s *Scanner) Prune(now time.Time) []string {
	if s.cfg.StaleAfter <= 0 {
		return nil
	}
	removed := s.results.DeleteFunc(func(_ string, adv bt.Advertisement) bool {
		return now.Sub(adv.SeenAt) > s.cfg.StaleAfter
	})
	if len(removed) > 0 {
		s.logger.Printf("Scanner: %d stale advertisements dropped", len(removed))
	}
	return removed
}

// Results returns the latest advertisement per device, strongest signal first
func (s *Scanner) Results() []bt.Advertisement {
	results := s.results.Values()
	sort.Slice(results, func(i, j int) bool {
		if results[i].RSSI != results[j].RSSI {
			return results[i].RSSI > results[j].RSSI
		}
		return results[i].Address < results[j].Address
	})
	return results
}

// Latest returns the most recent advertisement seen for address
func (s *Scanner) Latest(address string) (bt.Advertisement, bool) {
	return s.results.Load(address)
}

// Listen registers ch for every advertisement received
func (s *Scanner) Listen(ch chan<- bt.Advertisement) func() {
	return s.discoveryEvent.Listen(ch)
}

// ListenErrors registers ch for discovery failures
func (s *Scanner) ListenErrors(ch chan<- error) func() {
	return s.errorEvent.Listen(ch)
}

func (s *Scanner) Active() *events.Observable[bool] {
	return s.active
}

func (s *Scanner) IsScanning() bool {
	return s.active.Get()
}

// TokenCount returns how many scan requests are held
func (s *Scanner) TokenCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tokens)
}

// Close drops every token and waits for the scan to stop
func (s *Scanner) Close() {
	s.mu.Lock()
	s.tokens = make(map[Token]string)
	if s.running {
		s.running = false
		s.cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
}
