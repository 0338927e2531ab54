// Package producer fans captured events out to the configured sinks. The
// queue between the handlers and the sinks is bounded: a slow broker drops
// events instead of stalling a handshake.
package producer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/d1str0/hpfeeds"
	"github.com/spf13/viper"

	"github.com/lurepot/lurepot/event"
)

// Sink delivers events somewhere. Produce is called from the single queue
// worker, so implementations need no locking of their own.
type Sink interface {
	Name() string
	Produce(ev event.Capture) error
	Close() error
}

// Producer owns the capture queue and the sinks behind it.
type Producer struct {
	sensorID string
	logger   *slog.Logger
	queue    chan event.Capture
	sinks    []Sink
	dropped  atomic.Uint64
	wg       sync.WaitGroup
	once     sync.Once
}

// New builds a producer from the producers.* config tree and starts the
// queue worker.
func New(sensorID string, logger *slog.Logger, v *viper.Viper) (*Producer, error) {
	p := &Producer{
		sensorID: sensorID,
		logger:   logger,
		queue:    make(chan event.Capture, v.GetInt("event_queue_size")),
	}
	if v.GetBool("producers.hpfeeds.enabled") {
		sink, err := newHPFeedsSink(v)
		if err != nil {
			return nil, fmt.Errorf("hpfeeds sink: %w", err)
		}
		p.sinks = append(p.sinks, sink)
	}
	if v.GetBool("producers.http.enabled") {
		sink, err := newHTTPSink(v.GetString("producers.http.remote"))
		if err != nil {
			return nil, fmt.Errorf("http sink: %w", err)
		}
		p.sinks = append(p.sinks, sink)
	}
	if v.GetBool("producers.sqlite.enabled") {
		sink, err := newSQLiteSink(v.GetString("producers.sqlite.path"))
		if err != nil {
			return nil, fmt.Errorf("sqlite sink: %w", err)
		}
		p.sinks = append(p.sinks, sink)
	}

	p.wg.Add(1)
	go p.work()
	return p, nil
}

// Emit queues one capture. It never blocks: when the queue is full the event
// is counted as dropped and lost.
func (p *Producer) Emit(ev event.Capture) {
	ev.SensorID = p.sensorID
	select {
	case p.queue <- ev:
	default:
		if n := p.dropped.Add(1); n%100 == 1 {
			p.logger.Warn("event queue full, dropping captures", slog.Uint64("dropped_total", n))
		}
	}
}

// Dropped returns how many events were lost to a full queue.
func (p *Producer) Dropped() uint64 {
	return p.dropped.Load()
}

func (p *Producer) work() {
	defer p.wg.Done()
	for ev := range p.queue {
		p.logger.Info("capture",
			slog.String("id", ev.ID),
			slog.String("protocol", ev.Protocol),
			slog.String("outcome", string(ev.Outcome)),
			slog.String("src_ip", ev.SourceIP),
			slog.String("src_port", ev.SourcePort),
			slog.Any("fields", ev.Fields),
		)
		for _, sink := range p.sinks {
			if err := sink.Produce(ev); err != nil {
				p.logger.Error("failed to produce event", slog.String("sink", sink.Name()), ErrAttr(err))
			}
		}
	}
}

// Close drains the queue and shuts the sinks down. Safe to call twice.
func (p *Producer) Close() error {
	var errs []error
	p.once.Do(func() {
		close(p.queue)
		p.wg.Wait()
		for _, sink := range p.sinks {
			if err := sink.Close(); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", sink.Name(), err))
			}
		}
	})
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

type hpfeedsSink struct {
	client  hpfeeds.Client
	channel chan []byte
}

// hpfeedsBuffer absorbs broker hiccups; hpfeedsStall is the most time one
// event may hold the shared queue worker when the broker is truly stuck.
const (
	hpfeedsBuffer = 128
	hpfeedsStall  = time.Second
)

func newHPFeedsSink(v *viper.Viper) (*hpfeedsSink, error) {
	client := hpfeeds.NewClient(
		v.GetString("producers.hpfeeds.host"),
		v.GetInt("producers.hpfeeds.port"),
		v.GetString("producers.hpfeeds.ident"),
		v.GetString("producers.hpfeeds.auth"),
	)
	if err := client.Connect(); err != nil {
		return nil, err
	}
	s := &hpfeedsSink{client: client, channel: make(chan []byte, hpfeedsBuffer)}
	client.Publish(v.GetString("producers.hpfeeds.channel"), s.channel)
	return s, nil
}

func (s *hpfeedsSink) Name() string { return "hpfeeds" }

func (s *hpfeedsSink) Produce(ev event.Capture) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	select {
	case s.channel <- data:
		return nil
	case <-time.After(hpfeedsStall):
		return fmt.Errorf("hpfeeds publish timed out")
	}
}

func (s *hpfeedsSink) Close() error {
	close(s.channel)
	return nil
}

type httpSink struct {
	client *http.Client
	remote *url.URL
}

func newHTTPSink(remote string) (*httpSink, error) {
	u, err := url.Parse(remote)
	if err != nil {
		return nil, err
	}
	return &httpSink{client: &http.Client{Timeout: 10 * time.Second}, remote: u}, nil
}

func (s *httpSink) Name() string { return "http" }

func (s *httpSink) Produce(ev event.Capture) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, s.remote.String(), bytes.NewBuffer(data))
	if err != nil {
		return err
	}
	if s.remote.User != nil {
		password, _ := s.remote.User.Password()
		req.SetBasicAuth(s.remote.User.Username(), password)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("remote returned %s", resp.Status)
	}
	return nil
}

func (s *httpSink) Close() error { return nil }
