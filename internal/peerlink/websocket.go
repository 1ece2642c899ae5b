package peerlink

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// WSConfig configures a websocket link.
type WSConfig struct {
	Logger zerolog.Logger
	// CompressThreshold is the frame size from which frames are zstd
	// compressed (default 16 KiB, negative disables).
	CompressThreshold int
	// RateLimit bounds inbound messages per second (default 50000).
	RateLimit int
	// RateBurst is the limiter burst (default 1000).
	RateBurst int
	// WriteTimeout bounds a single frame write (default 10s).
	WriteTimeout time.Duration
	// Header is sent with the handshake: as request headers by Dial and as
	// response headers by Accept.
	Header http.Header
}

func (c *WSConfig) applyDefaults() {
	if c.CompressThreshold == 0 {
		c.CompressThreshold = 16 * 1024
	}
	if c.RateLimit == 0 {
		c.RateLimit = 50000
	}
	if c.RateBurst == 0 {
		c.RateBurst = 1000
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 10 * time.Second
	}
}

// WSLink is a Link over a websocket connection carrying one binary frame
// per message.
type WSLink struct {
	conn    *websocket.Conn
	peerHdr http.Header
	codec   *Codec
	limiter *rate.Limiter
	cfg     WSConfig
	logger  zerolog.Logger

	writeMu sync.Mutex
	corked  bool
	held    [][]byte

	mu      sync.Mutex
	handler Handler
	onClose func(error)
	closed  bool
	started bool

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	codecOnce sync.Once
}

// Dial connects to a peer listening at url (ws:// or wss://).
func Dial(ctx context.Context, url string, cfg WSConfig) (*WSLink, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 30 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, url, cfg.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("peer link handshake failed: %s", resp.Status)
		}
		return nil, fmt.Errorf("dial peer: %w", err)
	}
	return newWSLink(conn, resp.Header, cfg)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
}

// Accept upgrades an inbound HTTP request to a peer link.
func Accept(w http.ResponseWriter, r *http.Request, cfg WSConfig) (*WSLink, error) {
	conn, err := upgrader.Upgrade(w, r, cfg.Header)
	if err != nil {
		return nil, fmt.Errorf("upgrade peer link: %w", err)
	}
	return newWSLink(conn, r.Header, cfg)
}

func newWSLink(conn *websocket.Conn, peerHdr http.Header, cfg WSConfig) (*WSLink, error) {
	cfg.applyDefaults()
	codec, err := NewCodec(cfg.CompressThreshold)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &WSLink{
		conn:    conn,
		peerHdr: peerHdr.Clone(),
		codec:   codec,
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst),
		cfg:     cfg,
		logger:  cfg.Logger.With().Str("component", "peerlink").Str("remote", conn.RemoteAddr().String()).Logger(),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// PeerHeader returns the handshake headers the peer sent.
func (l *WSLink) PeerHeader() http.Header { return l.peerHdr }

// SetHandler implements Link. The reader starts with the first handler.
func (l *WSLink) SetHandler(h Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handler = h
	if !l.started && !l.closed {
		l.started = true
		l.wg.Add(1)
		go l.readLoop()
	}
}

// SetCloseHandler implements Link.
func (l *WSLink) SetCloseHandler(f func(err error)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onClose = f
}

func (l *WSLink) readLoop() {
	defer l.wg.Done()
	for {
		mt, frame, err := l.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				err = ErrClosed
			}
			l.fail(fmt.Errorf("read frame: %w", err))
			return
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		if err := l.limiter.Wait(l.ctx); err != nil {
			return
		}
		m, err := l.codec.Decode(frame)
		if err != nil {
			l.logger.Warn().Err(err).Msg("Dropping malformed frame")
			continue
		}

		l.mu.Lock()
		h := l.handler
		l.mu.Unlock()
		if h != nil {
			h(m)
		}
	}
}

// Send implements Link.
func (l *WSLink) Send(m *Message) error {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		m.Done()
		return ErrClosed
	}

	frame, err := l.codec.Encode(m)
	m.Done()
	if err != nil {
		return err
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if l.corked {
		l.held = append(l.held, frame)
		return nil
	}
	return l.writeLocked(frame)
}

func (l *WSLink) writeLocked(frame []byte) error {
	_ = l.conn.SetWriteDeadline(time.Now().Add(l.cfg.WriteTimeout))
	if err := l.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	return nil
}

// Cork holds outbound frames until Uncork.
func (l *WSLink) Cork() {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	l.corked = true
}

// Uncork writes held frames.
func (l *WSLink) Uncork() {
	l.writeMu.Lock()
	l.corked = false
	held := l.held
	l.held = nil
	var err error
	for _, f := range held {
		if err = l.writeLocked(f); err != nil {
			break
		}
	}
	l.writeMu.Unlock()

	if err != nil {
		l.fail(err)
	}
}

func (l *WSLink) fail(err error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	f := l.onClose
	l.mu.Unlock()

	l.cancel()
	_ = l.conn.Close()
	if !errors.Is(err, ErrClosed) {
		l.logger.Warn().Err(err).Msg("Peer link failed")
	}
	if f != nil {
		f(err)
	}
}

// Close implements Link. It must not be called from the message handler.
func (l *WSLink) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		l.codecOnce.Do(l.codec.Close)
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	l.cancel()
	l.writeMu.Lock()
	_ = l.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(5*time.Second),
	)
	l.writeMu.Unlock()
	err := l.conn.Close()
	l.wg.Wait()
	l.codecOnce.Do(l.codec.Close)
	l.logger.Debug().Msg("Peer link closed")
	return err
}
