// Package httpts carries protocol frames as the bodies of HTTP POST requests.
//
// Every interface runs an http.Server whose /mams handler decodes the frame
// and pushes it onto the owner's event queue. Endpoint names are host:port
// pairs; a peer at "cs1.example.net:2357" is reached at
// http://cs1.example.net:2357/mams.
package httpts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/amsd/internal/event"
	"github.com/dreamware/amsd/internal/mams"
	"github.com/dreamware/amsd/internal/transport"
)

// Path is the URL path frames are posted to.
const Path = "/mams"

const contentType = "application/x-mams"

// Config tunes the HTTP transport.
type Config struct {
	// SendTimeout bounds each delivery attempt.
	SendTimeout time.Duration
	// Attempts is how many times a failed delivery is tried.
	Attempts int
	// RetryDelay separates attempts.
	RetryDelay time.Duration
	Logger     *zap.Logger
}

// Service is a transport.Service over HTTP.
type Service struct {
	client *http.Client
	log    *zap.Logger
	cfg    Config
}

// New returns an HTTP transport. Zero Config fields take defaults of a 2s
// timeout, 2 attempts and 100ms between them.
func New(cfg Config) *Service {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 2 * time.Second
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 2
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 100 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Service{
		cfg:    cfg,
		log:    cfg.Logger.Named("httpts"),
		client: &http.Client{Timeout: cfg.SendTimeout},
	}
}

// ParseEndpoint validates a host:port name and derives its URL.
func (s *Service) ParseEndpoint(name string) (*mams.Endpoint, error) {
	if len(name) > mams.MaxStringLen {
		return nil, fmt.Errorf("httpts: endpoint name of %d bytes is too long", len(name))
	}
	host, port, err := net.SplitHostPort(name)
	if err != nil {
		return nil, fmt.Errorf("httpts: endpoint %q: %w", name, err)
	}
	if host == "" {
		return nil, fmt.Errorf("httpts: endpoint %q has no host", name)
	}
	if p, err := strconv.Atoi(port); err != nil || p < 1 || p > 65535 {
		return nil, fmt.Errorf("httpts: endpoint %q has invalid port", name)
	}
	return &mams.Endpoint{Name: name, Addr: "http://" + name + Path}, nil
}

// Open listens at spec and serves inbound frames into q. A spec with port 0
// takes an ephemeral port; an empty host is replaced by the hostname in the
// advertised endpoint name. An empty spec means "127.0.0.1:0".
func (s *Service) Open(spec string, id transport.Identity, q *event.Queue) (transport.Interface, error) {
	if spec == "" {
		spec = "127.0.0.1:0"
	}
	host, port, err := net.SplitHostPort(spec)
	if err != nil {
		return nil, fmt.Errorf("httpts: endpoint %q: %w", spec, err)
	}
	ln, err := net.Listen("tcp", spec)
	if err != nil {
		return nil, fmt.Errorf("httpts: listen %s: %w", spec, err)
	}
	if port == "0" {
		port = strconv.Itoa(ln.Addr().(*net.TCPAddr).Port)
	}
	if host == "" {
		if host, err = os.Hostname(); err != nil {
			ln.Close()
			return nil, fmt.Errorf("httpts: hostname: %w", err)
		}
	}

	ifc := &Interface{
		svc:  s,
		id:   id,
		name: net.JoinHostPort(host, port),
		srv: &http.Server{
			Handler:           Handler(q, s.log),
			ReadHeaderTimeout: 5 * time.Second,
		},
		done: make(chan struct{}),
	}
	go func() {
		defer close(ifc.done)
		if err := ifc.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("receiver failed", zap.String("endpoint", ifc.name), zap.Error(err))
		}
	}()
	s.log.Debug("interface open", zap.String("endpoint", ifc.name))
	return ifc, nil
}

// Handler decodes posted frames onto q.
//
// Responses:
//   - 204 when the frame was queued
//   - 400 for a malformed frame
//   - 405 for anything but POST
//   - 503 when the queue is full or closed
func Handler(q *event.Queue, log *zap.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(Path, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		frame, err := io.ReadAll(io.LimitReader(r.Body, mams.HeaderLen+mams.MaxSupplementLen+1))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		msg, err := mams.Decode(frame)
		if err != nil {
			log.Debug("dropping malformed frame", zap.String("remote", r.RemoteAddr), zap.Error(err))
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := q.PushMsg(msg); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

// Interface is one listening HTTP binding.
type Interface struct {
	svc    *Service
	srv    *http.Server
	done   chan struct{}
	name   string
	id     transport.Identity
	mu     sync.Mutex
	closed bool
}

// Endpoint returns the advertised host:port.
func (i *Interface) Endpoint() string {
	return i.name
}

// Send posts one frame to ep, retrying a bounded number of times.
func (i *Interface) Send(ep *mams.Endpoint, t mams.PduType, memo int32, supplement []byte) error {
	i.mu.Lock()
	closed := i.closed
	i.mu.Unlock()
	if closed {
		return transport.ErrClosed
	}
	if ep == nil {
		return fmt.Errorf("%w: nil endpoint", transport.ErrUnknownEndpoint)
	}
	url, ok := ep.Addr.(string)
	if !ok {
		parsed, err := i.svc.ParseEndpoint(ep.Name)
		if err != nil {
			return err
		}
		url = parsed.Addr.(string)
	}
	frame, err := mams.Encode(&mams.Message{
		Type:       t,
		VentureNbr: i.id.VentureNbr,
		UnitNbr:    i.id.UnitNbr,
		RoleNbr:    i.id.RoleNbr,
		Memo:       memo,
		Supplement: supplement,
	})
	if err != nil {
		return err
	}

	for attempt := 1; ; attempt++ {
		err = i.post(url, frame)
		if err == nil || attempt >= i.svc.cfg.Attempts {
			return err
		}
		i.svc.log.Debug("send failed, retrying",
			zap.String("to", ep.Name), zap.Stringer("pdu", t), zap.Int("attempt", attempt), zap.Error(err))
		time.Sleep(i.svc.cfg.RetryDelay)
	}
}

func (i *Interface) post(url string, frame []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), i.svc.cfg.SendTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(frame))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	resp, err := i.svc.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %d", url, resp.StatusCode)
	}
	return nil
}

// Close shuts the receiver down and waits for it to exit.
func (i *Interface) Close() error {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return nil
	}
	i.closed = true
	i.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := i.srv.Shutdown(ctx)
	<-i.done
	return err
}
