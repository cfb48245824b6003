package hub

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"markethub/internal/domain"
	"markethub/internal/engine"
	"markethub/internal/feature"
	"markethub/internal/infra"
	"markethub/internal/transport"
)

// Route binds a feature to its listening ports.
type Route struct {
	Feature string
	Factory feature.Factory
	Port    int // TCP port; 0 picks a free one
	// WebSocket endpoint. WSPort 0 with WS set picks a free port.
	WS     bool
	WSPort int
}

// RoutesFromConfig resolves configured features against the feature catalog.
func RoutesFromConfig(features []infra.FeatureConfig) ([]Route, error) {
	routes := make([]Route, 0, len(features))
	for i, fc := range features {
		factory, err := feature.Lookup(fc.Name)
		if err != nil {
			return nil, domain.NewConfigError(fmt.Sprintf("features[%d].name", i), err)
		}
		routes = append(routes, Route{
			Feature: fc.Name,
			Factory: factory,
			Port:    fc.Port,
			WS:      fc.WSPort > 0,
			WSPort:  fc.WSPort,
		})
	}
	return routes, nil
}

// binding is the live state of one route: its publisher and consumer group.
type binding struct {
	route     Route
	tcpAddr   net.Addr
	wsAddr    net.Addr
	publisher *transport.Publisher
	group     *engine.ConsumerGroup
}

type acceptedConn struct {
	sub  transport.Subscriber
	port int
}

// DispatcherOptions configures a Dispatcher.
type DispatcherOptions struct {
	Host     string // bind host, empty means all interfaces
	Routes   []Route
	Feeds    *engine.FeedTable
	Hub      infra.HubConfig
	Metrics  *infra.Metrics
	Recorder domain.SessionRecorder
}

// Dispatcher accepts subscribers on every route's ports and wires each one
// into the route's consumer group.
//
// One goroutine per listener accepts connections and hands them to a single
// wiring loop, which resolves the bound port, registers the subscriber with
// the publisher, registers the feature's interests and starts the group once.
type Dispatcher struct {
	opts DispatcherOptions

	listeners   []net.Listener
	wsListeners []*transport.WSListener

	mu       sync.RWMutex
	byPort   map[int]*binding // bound TCP and WS ports
	bindings []*binding       // route order

	accepted  chan acceptedConn
	done      chan struct{}
	loops     sync.WaitGroup
	watchers  sync.WaitGroup
	closeOnce sync.Once

	// WebSocket handlers run outside loops; closed stops them queueing
	// once the wiring loop is gone.
	enqueueMu sync.RWMutex
	closed    bool
}

// NewDispatcher binds every port. On error nothing stays bound.
func NewDispatcher(opts DispatcherOptions) (*Dispatcher, error) {
	if opts.Feeds == nil {
		return nil, errors.New("dispatcher: feed table is required")
	}
	if opts.Metrics == nil {
		opts.Metrics = infra.GlobalMetrics
	}
	if opts.Recorder == nil {
		opts.Recorder = domain.NopRecorder{}
	}

	d := &Dispatcher{
		opts:     opts,
		byPort:   make(map[int]*binding),
		accepted: make(chan acceptedConn, 64),
		done:     make(chan struct{}),
	}
	if err := d.bind(); err != nil {
		d.closeListeners()
		return nil, err
	}
	return d, nil
}

func (d *Dispatcher) bind() error {
	for i, r := range d.opts.Routes {
		if r.Factory == nil {
			return domain.NewConfigError(fmt.Sprintf("routes[%d]", i), fmt.Errorf("%w: %q", domain.ErrUnknownFeature, r.Feature))
		}

		ln, err := net.Listen("tcp", net.JoinHostPort(d.opts.Host, strconv.Itoa(r.Port)))
		if err != nil {
			return domain.NewFatalNetworkError("listen "+r.Feature, err)
		}
		d.listeners = append(d.listeners, ln)

		b := &binding{route: r, tcpAddr: ln.Addr()}
		d.byPort[portOf(ln.Addr())] = b
		d.bindings = append(d.bindings, b)

		if r.WS {
			routePort := portOf(ln.Addr())
			wl, err := transport.ListenWebSocket(net.JoinHostPort(d.opts.Host, strconv.Itoa(r.WSPort)), d.opts.Hub.WriteTimeout,
				func(sub *transport.WSSubscriber) { d.enqueue(sub, routePort) })
			if err != nil {
				return err
			}
			d.wsListeners = append(d.wsListeners, wl)
			b.wsAddr = wl.Addr()
			d.byPort[portOf(wl.Addr())] = b
		}

		slog.Info("Feature listening", slog.String("feature", r.Feature),
			slog.String("addr", ln.Addr().String()), slog.Bool("websocket", r.WS))
	}
	return nil
}

func portOf(addr net.Addr) int {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.Port
	}
	return 0
}

// Serve starts accepting. It returns immediately.
func (d *Dispatcher) Serve() {
	for _, ln := range d.listeners {
		d.loops.Add(1)
		go d.acceptLoop(ln)
	}
	d.loops.Add(1)
	go d.wireLoop()
}

func (d *Dispatcher) acceptLoop(ln net.Listener) {
	defer d.loops.Done()
	port := portOf(ln.Addr())
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-d.done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			slog.Warn("Accept failed", slog.Int("port", port), slog.Any("error", err))
			time.Sleep(5 * time.Millisecond)
			continue
		}
		d.enqueue(transport.NewTCPSubscriber(conn, d.opts.Hub.WriteTimeout), port)
	}
}

// enqueue hands an accepted subscriber to the wiring loop. The port is
// the TCP port of the route for WebSocket subscribers.
func (d *Dispatcher) enqueue(sub transport.Subscriber, port int) {
	d.enqueueMu.RLock()
	defer d.enqueueMu.RUnlock()
	if d.closed {
		sub.Close()
		return
	}
	select {
	case d.accepted <- acceptedConn{sub: sub, port: port}:
	case <-d.done:
		sub.Close()
	}
}

// drainAccepted closes every subscriber still queued for wiring.
func (d *Dispatcher) drainAccepted() {
	for {
		select {
		case a := <-d.accepted:
			a.sub.Close()
		default:
			return
		}
	}
}

func (d *Dispatcher) wireLoop() {
	defer d.loops.Done()
	for {
		select {
		case <-d.done:
			d.drainAccepted()
			return
		case a := <-d.accepted:
			d.wire(a)
		}
	}
}

// wire never lets a single bad accept take the loop down.
func (d *Dispatcher) wire(a acceptedConn) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Panic while wiring subscriber", slog.Int("port", a.port), slog.Any("panic", r))
			a.sub.Close()
		}
	}()

	b, err := d.resolve(a.port)
	if err != nil {
		slog.Error("Rejecting subscriber", slog.Int("port", a.port),
			slog.String("remote", a.sub.RemoteAddr()), slog.Any("error", err))
		a.sub.Close()
		return
	}

	if b.group == nil {
		if err := d.startBinding(b); err != nil {
			slog.Error("Failed to create consumer group", slog.String("feature", b.route.Feature), slog.Any("error", err))
			a.sub.Close()
			return
		}
	}

	b.publisher.Add(a.sub)
	d.opts.Recorder.SubscriberConnected(domain.SubscriberSession{
		ID:          a.sub.ID(),
		Port:        a.port,
		Feature:     b.route.Feature,
		Transport:   a.sub.Transport(),
		RemoteAddr:  a.sub.RemoteAddr(),
		ConnectedAt: time.Now(),
	})

	d.watchers.Add(1)
	go func() {
		defer d.watchers.Done()
		a.sub.Watch(func(err error) {
			reason := "client disconnected"
			if err != nil {
				reason = "read failed: " + err.Error()
			}
			b.publisher.Remove(a.sub, reason)
		})
	}()

	if b.group.Start() {
		slog.Debug("Consumer group started lazily", slog.Int("port", a.port), slog.String("feature", b.route.Feature))
	}
}

func (d *Dispatcher) resolve(port int) (*binding, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	b, ok := d.byPort[port]
	if !ok {
		return nil, fmt.Errorf("%w: %d", domain.ErrUnregisteredPort, port)
	}
	return b, nil
}

// startBinding creates the publisher and group of b. Wiring loop only.
func (d *Dispatcher) startBinding(b *binding) error {
	port := portOf(b.tcpAddr)
	transform := b.route.Factory()

	pub := transport.NewPublisher(port, d.opts.Metrics)
	pub.OnRemove(func(sub transport.Subscriber, reason string) {
		d.opts.Recorder.SubscriberDisconnected(sub.ID(), reason)
	})

	group, err := engine.NewConsumerGroup(engine.GroupOptions{
		Port:        port,
		Feature:     b.route.Feature,
		Transform:   transform,
		Feeds:       d.opts.Feeds,
		Sink:        pub,
		Metrics:     d.opts.Metrics,
		IdleSpins:   d.opts.Hub.IdleSpins,
		IdleBackoff: d.opts.Hub.IdleBackoff,
	})
	if err != nil {
		return err
	}
	if err := group.RegisterInterest(transform.Interests()...); err != nil {
		return err
	}

	d.mu.Lock()
	b.publisher = pub
	b.group = group
	d.mu.Unlock()
	return nil
}

// TCPAddr returns the bound TCP address of feature.
func (d *Dispatcher) TCPAddr(feature string) (net.Addr, bool) {
	for _, b := range d.bindings {
		if b.route.Feature == feature {
			return b.tcpAddr, true
		}
	}
	return nil, false
}

// WSAddr returns the bound WebSocket address of feature.
func (d *Dispatcher) WSAddr(feature string) (net.Addr, bool) {
	for _, b := range d.bindings {
		if b.route.Feature == feature && b.wsAddr != nil {
			return b.wsAddr, true
		}
	}
	return nil, false
}

// Group returns the consumer group serving port, or nil before its first subscriber.
func (d *Dispatcher) Group(port int) *engine.ConsumerGroup {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if b, ok := d.byPort[port]; ok {
		return b.group
	}
	return nil
}

// Groups returns a snapshot of every started group.
func (d *Dispatcher) Groups() []engine.GroupStatus {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]engine.GroupStatus, 0, len(d.bindings))
	for _, b := range d.bindings {
		if b.group != nil {
			out = append(out, b.group.Status())
		}
	}
	return out
}

// Close stops accepting, stops every group and closes every subscriber.
// Groups get timeout to finish their current sweep. Idempotent.
func (d *Dispatcher) Close(timeout time.Duration) {
	d.closeOnce.Do(func() {
		close(d.done)
		d.closeListeners()
		d.loops.Wait()

		d.enqueueMu.Lock()
		d.closed = true
		d.enqueueMu.Unlock()
		d.drainAccepted()

		d.mu.RLock()
		bindings := append([]*binding(nil), d.bindings...)
		d.mu.RUnlock()

		for _, b := range bindings {
			if b.group == nil {
				continue
			}
			b.group.Stop(timeout)
			b.publisher.CloseAll("hub stopping")
		}
		d.watchers.Wait()
	})
}

func (d *Dispatcher) closeListeners() {
	for _, ln := range d.listeners {
		if err := ln.Close(); err != nil {
			slog.Debug("Listener already closed", slog.String("addr", ln.Addr().String()), slog.Any("error", err))
		}
	}
	for _, wl := range d.wsListeners {
		if err := wl.Close(); err != nil {
			slog.Debug("WebSocket listener already closed", slog.String("addr", wl.Addr().String()), slog.Any("error", err))
		}
	}
}
