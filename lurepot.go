// Package lurepot runs concurrent deception instances: each instance binds
// one address and impersonates one protocol, feeding every observation into
// the shared capture pipeline.
package lurepot

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/lurepot/lurepot/config"
	"github.com/lurepot/lurepot/connection"
	"github.com/lurepot/lurepot/event"
	"github.com/lurepot/lurepot/producer"
	"github.com/lurepot/lurepot/protocols"
)

// Supervisor owns the running instances, the connection table and the
// producer. It implements interfaces.Honeypot for the protocol handlers.
type Supervisor struct {
	sensorID  uuid.UUID
	conf      *viper.Viper
	logger    *slog.Logger
	producer  *producer.Producer
	conntable *connection.Table

	tcpHandlers map[config.Protocol]protocols.TCPHandlerFunc
	udpHandlers map[config.Protocol]protocols.UDPHandlerFunc

	mtx     sync.RWMutex
	running map[string]*runningInstance

	ctx    context.Context
	cancel context.CancelFunc
}

// runningInstance is one bound listener and the connections it spawned.
type runningInstance struct {
	id        string
	inst      config.Instance
	startedAt time.Time
	closer    func() error
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	connMtx sync.Mutex
	conns   map[net.Conn]struct{}
	sem     chan struct{}

	stateMtx sync.Mutex
	alive    bool
	lastErr  error
}

// Status is a point-in-time snapshot of one instance.
type Status struct {
	ID          string           `json:"id"`
	Protocol    config.Protocol  `json:"protocol"`
	Transport   config.Transport `json:"transport"`
	Address     string           `json:"address"`
	StartedAt   time.Time        `json:"started_at"`
	ActiveConns int              `json:"active_connections"`
	Alive       bool             `json:"alive"`
	LastError   string           `json:"last_error,omitempty"`
}

// New builds a supervisor. The sensor ID survives restarts via sensor_path.
func New(conf *viper.Viper, logger *slog.Logger) (*Supervisor, error) {
	s := &Supervisor{
		conf:        conf,
		logger:      logger,
		conntable:   connection.New(),
		tcpHandlers: protocols.MapTCPProtocolHandlers(),
		udpHandlers: protocols.MapUDPProtocolHandlers(),
		running:     map[string]*runningInstance{},
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	if err := s.makeID(); err != nil {
		return nil, err
	}
	s.logger = logger.With(slog.String("sensor_id", s.sensorID.String()))
	p, err := producer.New(s.sensorID.String(), s.logger, conf)
	if err != nil {
		return nil, err
	}
	s.producer = p

	go s.flushLoop()
	return s, nil
}

// makeID loads or creates the persistent sensor identity.
func (s *Supervisor) makeID() error {
	filePath := s.conf.GetString("sensor_path")
	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return err
	}
	buf, err := os.ReadFile(filePath)
	if os.IsNotExist(err) {
		s.sensorID = uuid.New()
		return os.WriteFile(filePath, []byte(s.sensorID.String()), 0o644)
	}
	if err != nil {
		return err
	}
	s.sensorID, err = uuid.ParseBytes(buf)
	return err
}

func (s *Supervisor) flushLoop() {
	interval := s.conf.GetDuration("conn_timeout") * time.Second
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.conntable.FlushOlderThan(interval)
		case <-s.ctx.Done():
			return
		}
	}
}

// ID returns the persistent sensor identity.
func (s *Supervisor) ID() string {
	return s.sensorID.String()
}

// Emit hands a capture to the producer queue. Never blocks.
func (s *Supervisor) Emit(ev event.Capture) {
	s.producer.Emit(ev)
}

// UpdateConnectionTimeout pushes the connection deadline forward. Handlers
// call it before every read so an active peer is never cut off mid-exchange
// while an idle one times out.
func (s *Supervisor) UpdateConnectionTimeout(ctx context.Context, conn net.Conn) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	timeout := s.conf.GetDuration("conn_timeout") * time.Second
	return conn.SetDeadline(time.Now().Add(timeout))
}

// Start validates and boots one instance, returning its handle.
func (s *Supervisor) Start(inst config.Instance) (string, error) {
	if inst.Port == 0 {
		inst.Port = inst.Protocol.DefaultPort()
	}
	if inst.MaxRetries == 0 {
		inst.MaxRetries = 3
	}
	if err := inst.Validate(); err != nil {
		return "", err
	}
	transport := inst.Protocol.Transport()
	if transport == config.TransportTCP {
		if _, ok := s.tcpHandlers[inst.Protocol]; !ok {
			return "", &config.Error{Field: "protocol", Reason: fmt.Sprintf("no handler for %s", inst.Protocol)}
		}
	} else {
		if _, ok := s.udpHandlers[inst.Protocol]; !ok {
			return "", &config.Error{Field: "protocol", Reason: fmt.Sprintf("no handler for %s", inst.Protocol)}
		}
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()
	for _, other := range s.running {
		if other.inst.Address() == inst.Address() && other.inst.Protocol.Transport() == transport {
			return "", &config.Error{
				Field:  "port",
				Reason: fmt.Sprintf("%s conflicts with running %s on %s", inst.Protocol, other.inst.Protocol, inst.Address()),
			}
		}
	}

	ri := &runningInstance{
		id:        uuid.New().String(),
		inst:      inst,
		startedAt: time.Now(),
		conns:     map[net.Conn]struct{}{},
		sem:       make(chan struct{}, s.conf.GetInt("max_connections")),
		alive:     true,
	}
	ctx, cancel := context.WithCancel(s.ctx)
	ri.cancel = cancel

	var err error
	if transport == config.TransportTCP {
		err = s.startTCP(ctx, ri)
	} else {
		err = s.startUDP(ctx, ri)
	}
	if err != nil {
		cancel()
		return "", err
	}

	s.running[ri.id] = ri
	s.logger.Info("instance started",
		slog.String("id", ri.id),
		slog.String("protocol", string(inst.Protocol)),
		slog.String("address", inst.Address()),
	)
	return ri.id, nil
}

// StartAll boots a whole instance set. The set is validated as a unit first,
// so a conflicting pair is rejected before any socket is bound.
func (s *Supervisor) StartAll(instances []config.Instance) error {
	for i := range instances {
		if instances[i].Port == 0 {
			instances[i].Port = instances[i].Protocol.DefaultPort()
		}
		if instances[i].MaxRetries == 0 {
			instances[i].MaxRetries = 3
		}
	}
	if err := config.ValidateSet(instances); err != nil {
		return err
	}
	var g errgroup.Group
	for _, inst := range instances {
		inst := inst
		g.Go(func() error {
			_, err := s.Start(inst)
			return err
		})
	}
	return g.Wait()
}

// Stop shuts one instance down: the listener closes immediately, in-flight
// handshakes get the grace period, stragglers are cut off.
func (s *Supervisor) Stop(id string) error {
	s.mtx.Lock()
	ri, ok := s.running[id]
	if ok {
		delete(s.running, id)
	}
	s.mtx.Unlock()
	if !ok {
		return &NotFoundError{ID: id}
	}

	if err := ri.closer(); err != nil {
		s.logger.Debug("failed to close listener", slog.String("id", id), producer.ErrAttr(err))
	}
	ri.cancel()

	done := make(chan struct{})
	go func() {
		ri.wg.Wait()
		close(done)
	}()
	grace := s.conf.GetDuration("grace_period") * time.Second
	select {
	case <-done:
	case <-time.After(grace):
		ri.connMtx.Lock()
		for conn := range ri.conns {
			conn.Close()
		}
		ri.connMtx.Unlock()
		<-done
	}
	s.logger.Info("instance stopped", slog.String("id", id), slog.String("protocol", string(ri.inst.Protocol)))
	return nil
}

// StopAll stops every running instance and shuts the pipeline down.
func (s *Supervisor) StopAll() error {
	s.mtx.RLock()
	ids := make([]string, 0, len(s.running))
	for id := range s.running {
		ids = append(ids, id)
	}
	s.mtx.RUnlock()

	var g errgroup.Group
	for _, id := range ids {
		id := id
		g.Go(func() error { return s.Stop(id) })
	}
	err := g.Wait()
	s.cancel()
	if perr := s.producer.Close(); perr != nil && err == nil {
		err = perr
	}
	return err
}

// Status reports one instance.
func (s *Supervisor) Status(id string) (Status, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	ri, ok := s.running[id]
	if !ok {
		return Status{}, &NotFoundError{ID: id}
	}
	return ri.status(), nil
}

// List reports all running instances.
func (s *Supervisor) List() []Status {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	out := make([]Status, 0, len(s.running))
	for _, ri := range s.running {
		out = append(out, ri.status())
	}
	return out
}

// markFailed records a listener fault. The instance stays in the registry so
// Status exposes what happened, but its socket is closed and its connections
// are cancelled.
func (s *Supervisor) markFailed(ri *runningInstance, err error) {
	ri.stateMtx.Lock()
	ri.alive = false
	ri.lastErr = err
	ri.stateMtx.Unlock()

	if cerr := ri.closer(); cerr != nil {
		s.logger.Debug("failed to close listener", slog.String("id", ri.id), producer.ErrAttr(cerr))
	}
	ri.cancel()
}

func (ri *runningInstance) status() Status {
	ri.connMtx.Lock()
	active := len(ri.conns)
	ri.connMtx.Unlock()
	ri.stateMtx.Lock()
	alive, lastErr := ri.alive, ri.lastErr
	ri.stateMtx.Unlock()

	st := Status{
		ID:          ri.id,
		Protocol:    ri.inst.Protocol,
		Transport:   ri.inst.Protocol.Transport(),
		Address:     ri.inst.Address(),
		StartedAt:   ri.startedAt,
		ActiveConns: active,
		Alive:       alive,
	}
	if lastErr != nil {
		st.LastError = lastErr.Error()
	}
	return st
}

func (ri *runningInstance) track(conn net.Conn) {
	ri.connMtx.Lock()
	ri.conns[conn] = struct{}{}
	ri.connMtx.Unlock()
}

func (ri *runningInstance) untrack(conn net.Conn) {
	ri.connMtx.Lock()
	delete(ri.conns, conn)
	ri.connMtx.Unlock()
}
