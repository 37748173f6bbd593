package connectivity

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"
)

// ChannelSource is a Source fed by Publish. Platform bindings and tests push
// events into it.
type ChannelSource struct {
	mu     sync.Mutex
	subs   map[chan Status]chan struct{}
	buffer int
}

// NewChannelSource creates a source whose subscriber channels hold up to
// buffer pending events.
func NewChannelSource(buffer int) *ChannelSource {
	if buffer < 0 {
		buffer = 0
	}
	return &ChannelSource{
		subs:   make(map[chan Status]chan struct{}),
		buffer: buffer,
	}
}

// Subscribe implements Source.
func (s *ChannelSource) Subscribe(ctx context.Context) (<-chan Status, func(), error) {
	ch := make(chan Status, s.buffer)
	gone := make(chan struct{})

	s.mu.Lock()
	s.subs[ch] = gone
	s.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, ch)
			s.mu.Unlock()
			close(gone)
		})
	}
	return ch, unsubscribe, nil
}

// Publish delivers s to every subscriber. It blocks until each subscriber has
// accepted the event, unsubscribed, or ctx is done.
func (s *ChannelSource) Publish(ctx context.Context, st Status) error {
	s.mu.Lock()
	targets := make(map[chan Status]chan struct{}, len(s.subs))
	for ch, gone := range s.subs {
		targets[ch] = gone
	}
	s.mu.Unlock()

	for ch, gone := range targets {
		select {
		case ch <- st:
		case <-gone:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribers returns the number of active subscriptions.
func (s *ChannelSource) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// DefaultProbeInterval is how often ProbeSource checks the network.
const DefaultProbeInterval = 5 * time.Second

// DefaultProbeTimeout bounds a single reachability check.
const DefaultProbeTimeout = 2 * time.Second

// ProbeConfig configures a ProbeSource.
type ProbeConfig struct {
	// Address is a host:port dialed over TCP to verify reachability.
	Address string

	// URL, when set, is requested with HEAD instead of dialing Address.
	// Any HTTP response counts as reachable.
	URL string

	// Interval between checks. Defaults to DefaultProbeInterval.
	Interval time.Duration

	// Timeout for one check. Defaults to DefaultProbeTimeout.
	Timeout time.Duration

	// LinkUp reports whether a non-loopback interface is up. Defaults to
	// inspecting net.Interfaces.
	LinkUp func() bool

	// HTTPClient is used for URL probes. Defaults to a client with Timeout.
	HTTPClient *http.Client
}

// ProbeSource derives connectivity events by periodically checking the link
// and dialing a well-known endpoint. It emits the first result and then only
// changes.
type ProbeSource struct {
	cfg    ProbeConfig
	dialer net.Dialer
}

// NewProbeSource validates cfg and creates a ProbeSource.
func NewProbeSource(cfg ProbeConfig) (*ProbeSource, error) {
	if cfg.Address == "" && cfg.URL == "" {
		return nil, errors.New("probe source needs an address or URL")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultProbeInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultProbeTimeout
	}
	if cfg.LinkUp == nil {
		cfg.LinkUp = interfacesUp
	}
	if cfg.URL != "" && cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &ProbeSource{cfg: cfg}, nil
}

// Subscribe implements Source. Each subscription runs its own probe loop.
func (p *ProbeSource) Subscribe(ctx context.Context) (<-chan Status, func(), error) {
	ctx, cancel := context.WithCancel(ctx)
	ch := make(chan Status, 1)

	go func() {
		defer close(ch)

		ticker := time.NewTicker(p.cfg.Interval)
		defer ticker.Stop()

		var last Status
		first := true
		for {
			st := p.Check(ctx)
			if ctx.Err() != nil {
				return
			}
			if first || st != last {
				select {
				case ch <- st:
				case <-ctx.Done():
					return
				}
				last, first = st, false
			}

			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch, cancel, nil
}

// Check runs one probe.
func (p *ProbeSource) Check(ctx context.Context) Status {
	if !p.cfg.LinkUp() {
		return Status{IsConnected: false, InternetReachable: Unreachable}
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	return Status{IsConnected: true, InternetReachable: ReachabilityFromBool(p.reach(ctx))}
}

func (p *ProbeSource) reach(ctx context.Context) bool {
	if p.cfg.URL != "" {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.cfg.URL, nil)
		if err != nil {
			return false
		}
		resp, err := p.cfg.HTTPClient.Do(req)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return true
	}

	conn, err := p.dialer.DialContext(ctx, "tcp", p.cfg.Address)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func interfacesUp() bool {
	ifaces, err := net.Interfaces()
	if err != nil {
		return false
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp != 0 && iface.Flags&net.FlagLoopback == 0 {
			return true
		}
	}
	return false
}
