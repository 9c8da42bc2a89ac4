package ws

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"outpost/netcode/internal/telemetry"
	"outpost/netcode/wire"
)

// Client is the dialing half of the transport. Reads land in its own
// intake ring; the embedding engine drains it once per tick. Outbound
// frames that find the writer queue full are dropped and counted, the
// uplink carries too little traffic to be worth closing over.
type Client struct {
	cfg     Config
	conn    *websocket.Conn
	welcome Welcome
	intake  *Intake
	out     chan []byte
	done    chan struct{}
	once    sync.Once
	logger  telemetry.Logger
	metrics telemetry.Metrics
}

// Dial connects to url, performs the handshake and starts both pumps.
func Dial(ctx context.Context, url, name string, cfg Config, logger telemetry.Logger, metrics telemetry.Metrics) (*Client, error) {
	cfg = cfg.withDefaults()
	if metrics == nil {
		metrics = telemetry.NopMetrics()
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	conn.SetReadLimit(cfg.MaxFrameBytes)

	hello, err := wire.Marshal(Hello{Protocol: ProtocolVersion, Name: name})
	if err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
	if err := conn.WriteMessage(websocket.BinaryMessage, hello); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send hello: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(cfg.HandshakeTimeout))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read welcome: %w", err)
	}
	var welcome Welcome
	if err := wire.Unmarshal(raw, &welcome); err != nil {
		conn.Close()
		return nil, fmt.Errorf("decode welcome: %w", err)
	}
	if welcome.Protocol != ProtocolVersion {
		conn.Close()
		return nil, fmt.Errorf("protocol mismatch: server speaks %d, client speaks %d", welcome.Protocol, ProtocolVersion)
	}

	c := &Client{
		cfg:     cfg,
		conn:    conn,
		welcome: welcome,
		intake:  NewIntake(cfg.IntakeCapacity, metrics),
		out:     make(chan []byte, cfg.MaxPending),
		done:    make(chan struct{}),
		logger:  logger,
		metrics: metrics,
	}
	go c.writePump()
	go c.readLoop()
	return c, nil
}

// Welcome returns the server's handshake answer.
func (c *Client) Welcome() Welcome {
	return c.welcome
}

// ConnID returns the identity the server assigned this connection.
func (c *Client) ConnID() wire.ConnID {
	return c.welcome.Conn
}

// Done closes when the connection is gone for any reason.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Drain returns the frames received since the last drain.
func (c *Client) Drain() []Inbound {
	return c.intake.Drain()
}

// Flush queues every outbound frame onto the writer.
func (c *Client) Flush(out *wire.Outbox) {
	out.Flush(func(q wire.Queued) {
		select {
		case c.out <- q.Frame:
		default:
			c.metrics.Add("transport_frames_dropped", 1)
			if c.logger != nil {
				c.logger.Printf("[backpressure] uplink full, dropping frame channel=%d", q.Channel)
			}
		}
	})
}

// Close tears the connection down.
func (c *Client) Close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (c *Client) writePump() {
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.out:
			c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				c.Close()
				return
			}
		}
	}
}

func (c *Client) readLoop() {
	defer c.Close()
	for {
		c.conn.SetReadDeadline(time.Now().Add(c.cfg.IdleTimeout))
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		ch, env, err := wire.DecodeFrame(raw)
		if err != nil {
			c.metrics.Add("transport_malformed_frames", 1)
			if c.logger != nil {
				c.logger.Printf("[transport] malformed frame from server: %v", err)
			}
			continue
		}
		if !c.intake.Push(Inbound{Conn: c.welcome.Conn, Channel: ch, Env: env}) {
			if c.logger != nil {
				c.logger.Printf("[backpressure] intake full, dropping frame channel=%d", ch)
			}
		}
	}
}
