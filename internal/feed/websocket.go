package feed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"newsalert/internal/news"
	"newsalert/internal/observability/metrics"
	logx "newsalert/pkg/logx"
)

const (
	EventRequest  = "get_breaking_news"
	EventSnapshot = "got_breaking_news"

	wsWriteTimeout = 10 * time.Second

	connectPacket = "40"
	pongPacket    = "3"
	eventPrefix   = "42"
)

// Engine.IO v4 packet types.
const (
	eioOpen    = '0'
	eioClose   = '1'
	eioPing    = '2'
	eioMessage = '4'
)

// Socket.IO packet types, carried in an Engine.IO message.
const (
	sioConnect      = '0'
	sioDisconnect   = '1'
	sioEvent        = '2'
	sioConnectError = '4'
)

type WebsocketConfig struct {
	// URL is the Socket.IO server, e.g. https://news.example.com. The
	// /socket.io/ path and Engine.IO query are added when missing.
	URL string
	// RequestInterval re-sends the snapshot request on a live connection.
	// Zero asks once per connection.
	RequestInterval time.Duration
	ReconnectMin    time.Duration
	ReconnectMax    time.Duration
	// ReadTimeout drops a connection that stays silent this long. Zero uses
	// the server's pingInterval + pingTimeout.
	ReadTimeout time.Duration
	Header      http.Header
}

// Websocket subscribes to the breaking-news snapshot stream of a Socket.IO
// server over the websocket transport.
type Websocket struct {
	cfg     WebsocketConfig
	log     logx.Logger
	metrics *metrics.Metrics
	dialer  websocket.Dialer
}

func NewWebsocket(cfg WebsocketConfig, log logx.Logger, m *metrics.Metrics) *Websocket {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = time.Second
	}
	if cfg.ReconnectMax < cfg.ReconnectMin {
		cfg.ReconnectMax = cfg.ReconnectMin
	}
	return &Websocket{
		cfg:     cfg,
		log:     log.With(logx.Comp("feed.websocket")),
		metrics: m,
		dialer: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 30 * time.Second,
			NetDialContext:   (&net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
			ReadBufferSize:   64 * 1024,
		},
	}
}

func (w *Websocket) Name() string { return "websocket" }

// SocketURL turns a Socket.IO server address into its websocket endpoint.
// Existing query parameters are kept.
func SocketURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", errors.New("missing host")
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/socket.io/"
	}
	q := u.Query()
	q.Set("EIO", "4")
	q.Set("transport", "websocket")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Run keeps a connection open, reconnecting with jittered backoff. The delay
// resets after a connection that delivered at least one message.
func (w *Websocket) Run(ctx context.Context, h Handler) error {
	endpoint, err := SocketURL(w.cfg.URL)
	if err != nil {
		return fmt.Errorf("feed url %q: %w", w.cfg.URL, err)
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = w.cfg.ReconnectMin
	eb.MaxInterval = w.cfg.ReconnectMax
	eb.Multiplier = 1.5
	eb.MaxElapsedTime = 0

	op := func() error {
		healthy, err := w.session(ctx, endpoint, h)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if healthy {
			eb.Reset()
		}
		if err == nil {
			err = errors.New("connection closed")
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		w.metrics.FeedReconnect(w.Name())
		w.log.Warn("feed disconnected; reconnecting", logx.Duration("backoff", wait), logx.Err(err))
	}
	err = backoff.RetryNotify(op, backoff.WithContext(eb, ctx), notify)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

type handshake struct {
	SID          string `json:"sid"`
	PingInterval int    `json:"pingInterval"`
	PingTimeout  int    `json:"pingTimeout"`
}

type snapshotData struct {
	Snapshot struct {
		Articles []article `json:"articles"`
	} `json:"snapshot"`
}

type article struct {
	ArticleID json.RawMessage `json:"article_id"`
	Headline  string          `json:"headline"`
	URL       string          `json:"url"`
	Visits    json.Number     `json:"visits"`
}

// socketConn serializes writes; gorilla allows one writer at a time.
type socketConn struct {
	mu sync.Mutex
	c  *websocket.Conn
}

func (s *socketConn) send(p string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.c.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return s.c.WriteMessage(websocket.TextMessage, []byte(p))
}

// session runs one connection. healthy reports whether the namespace
// connect succeeded.
func (w *Websocket) session(ctx context.Context, endpoint string, h Handler) (healthy bool, err error) {
	conn, resp, err := w.dialer.DialContext(ctx, endpoint, w.cfg.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", endpoint, err)
	}
	defer func() { _ = conn.Close() }()
	sc := &socketConn{c: conn}

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	readTimeout := w.cfg.ReadTimeout
	extend := func() {
		if readTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		}
	}
	extend()

	connected := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.requestLoop(sctx, sc, connected)
	}()
	defer wg.Wait()
	// Unblock ReadMessage when ctx ends.
	go func() {
		<-sctx.Done()
		_ = conn.SetReadDeadline(time.Now())
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			cancel()
			if ctx.Err() != nil {
				return healthy, ctx.Err()
			}
			return healthy, err
		}
		extend()

		p, err := decodePacket(data)
		if err != nil {
			w.log.Warn("bad feed packet", logx.Err(err), logx.Int("bytes", len(data)))
			continue
		}
		switch p.kind {
		case packetOpen:
			var hs handshake
			_ = json.Unmarshal(p.data, &hs)
			if w.cfg.ReadTimeout <= 0 && hs.PingInterval > 0 {
				readTimeout = time.Duration(hs.PingInterval+hs.PingTimeout) * time.Millisecond
				extend()
			}
			if err := sc.send(connectPacket); err != nil {
				cancel()
				return healthy, fmt.Errorf("namespace connect: %w", err)
			}
		case packetConnected:
			if !healthy {
				healthy = true
				w.metrics.FeedUp(w.Name(), true)
				defer w.metrics.FeedUp(w.Name(), false)
				w.log.Info("feed connected", logx.String("url", endpoint))
				close(connected)
			}
		case packetPing:
			if err := sc.send(pongPacket); err != nil {
				cancel()
				return healthy, fmt.Errorf("pong: %w", err)
			}
		case packetConnectError:
			cancel()
			return healthy, fmt.Errorf("namespace connect refused: %s", p.data)
		case packetClose:
			cancel()
			return healthy, errors.New("server closed the session")
		case packetEvent:
			if p.event != EventSnapshot {
				continue
			}
			batch, err := snapshotItems(p.args)
			if err != nil {
				w.log.Warn("bad snapshot", logx.Err(err), logx.Int("bytes", len(data)))
				continue
			}
			if err := h(ctx, batch); err != nil {
				w.log.Warn("batch handler failed", logx.Int("items", len(batch)), logx.Err(err))
			}
		}
	}
}

// requestLoop asks for the snapshot once the namespace is connected, then on
// RequestInterval.
func (w *Websocket) requestLoop(ctx context.Context, sc *socketConn, connected <-chan struct{}) {
	defer func() {
		sc.mu.Lock()
		_ = sc.c.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		sc.mu.Unlock()
	}()
	select {
	case <-ctx.Done():
		return
	case <-connected:
	}

	req := EncodeEvent(EventRequest)
	if err := sc.send(req); err != nil {
		w.log.Debug("request write failed", logx.Err(err))
		_ = sc.c.Close()
		return
	}
	if w.cfg.RequestInterval <= 0 {
		<-ctx.Done()
		return
	}
	t := time.NewTicker(w.cfg.RequestInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := sc.send(req); err != nil {
				w.log.Debug("request write failed", logx.Err(err))
				_ = sc.c.Close()
				return
			}
		}
	}
}

type packetKind int

const (
	packetIgnored packetKind = iota
	packetOpen
	packetClose
	packetPing
	packetConnected
	packetConnectError
	packetEvent
)

type packet struct {
	kind  packetKind
	data  []byte
	event string
	args  []json.RawMessage
}

// EncodeEvent builds a Socket.IO event packet for the default namespace.
func EncodeEvent(name string, args ...any) string {
	payload := append([]any{name}, args...)
	b, _ := json.Marshal(payload)
	return eventPrefix + string(b)
}

// decodePacket splits one websocket text frame into its Engine.IO and
// Socket.IO parts. Namespaces other than "/" and unknown types are ignored.
func decodePacket(data []byte) (packet, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return packet{}, errors.New("empty packet")
	}
	switch data[0] {
	case eioOpen:
		return packet{kind: packetOpen, data: data[1:]}, nil
	case eioClose:
		return packet{kind: packetClose}, nil
	case eioPing:
		return packet{kind: packetPing}, nil
	case eioMessage:
	default:
		return packet{}, nil
	}

	body := data[1:]
	if len(body) == 0 {
		return packet{}, errors.New("empty message packet")
	}
	typ, rest := body[0], body[1:]
	if len(rest) > 0 && rest[0] == '/' {
		ns := rest
		if i := bytes.IndexByte(rest, ','); i >= 0 {
			ns, rest = rest[:i], rest[i+1:]
		} else {
			rest = nil
		}
		if string(ns) != "/" {
			return packet{}, nil
		}
	}
	switch typ {
	case sioConnect:
		return packet{kind: packetConnected, data: rest}, nil
	case sioDisconnect:
		return packet{kind: packetClose}, nil
	case sioConnectError:
		return packet{kind: packetConnectError, data: rest}, nil
	case sioEvent:
	default:
		return packet{}, nil
	}

	// Optional ack id before the argument array.
	i := 0
	for i < len(rest) && rest[i] >= '0' && rest[i] <= '9' {
		i++
	}
	var arr []json.RawMessage
	if err := json.Unmarshal(rest[i:], &arr); err != nil {
		return packet{}, fmt.Errorf("decode event: %w", err)
	}
	if len(arr) == 0 {
		return packet{}, errors.New("event without name")
	}
	var name string
	if err := json.Unmarshal(arr[0], &name); err != nil {
		return packet{}, fmt.Errorf("event name: %w", err)
	}
	return packet{kind: packetEvent, event: name, args: arr[1:]}, nil
}

// ParseMessage decodes one Socket.IO frame such as
// 42["got_breaking_news",{"snapshot":{"articles":[...]}}]. ok is false for
// frames that are not snapshots. Articles keep their upstream order; an
// article without a usable id is passed through with an empty ID so
// ingestion rejects it.
func ParseMessage(data []byte) (batch []news.Item, ok bool, err error) {
	p, err := decodePacket(data)
	if err != nil {
		return nil, false, err
	}
	if p.kind != packetEvent || p.event != EventSnapshot {
		return nil, false, nil
	}
	batch, err = snapshotItems(p.args)
	if err != nil {
		return nil, false, err
	}
	return batch, true, nil
}

func snapshotItems(args []json.RawMessage) ([]news.Item, error) {
	if len(args) == 0 {
		return nil, errors.New("snapshot without data")
	}
	var sd snapshotData
	if err := json.Unmarshal(args[0], &sd); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	batch := make([]news.Item, 0, len(sd.Snapshot.Articles))
	for _, a := range sd.Snapshot.Articles {
		it := news.Item{
			ID:       articleID(a.ArticleID),
			Headline: strings.TrimSpace(a.Headline),
			URL:      strings.TrimSpace(a.URL),
			Extra:    map[string]string{"source": "websocket"},
		}
		if v, err := a.Visits.Int64(); err == nil {
			it.Visits = v
		} else if f, err := a.Visits.Float64(); err == nil {
			it.Visits = int64(f)
		}
		batch = append(batch, it)
	}
	return batch, nil
}

// articleID accepts a JSON number or string. 0 and null mean no id.
func articleID(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return ""
		}
		return strings.TrimSpace(s)
	}
	n := json.Number(raw)
	if i, err := n.Int64(); err == nil {
		if i == 0 {
			return ""
		}
		return strconv.FormatInt(i, 10)
	}
	if f, err := n.Float64(); err == nil && f != 0 && f == float64(int64(f)) {
		return strconv.FormatInt(int64(f), 10)
	}
	return ""
}
