// Package gateway forwards progress updates to live WebSocket connections.
// A connection sees updates for its owner's jobs, or for every job when the
// owner is an admin.
package gateway

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jupark12/go-extract-queue/logger"
	"github.com/jupark12/go-extract-queue/metrics"
	"github.com/jupark12/go-extract-queue/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	lookupTimeout  = 2 * time.Second
	sendBufferSize = 64
)

// OwnerLookup resolves the owner of a job the gateway has not seen yet.
type OwnerLookup interface {
	Get(ctx context.Context, id string) (*models.ExtractionJob, error)
}

// Identity is the authenticated principal of a connection.
type Identity struct {
	OwnerID string
	Admin   bool
}

// Client is one live connection.
type Client struct {
	conn     *websocket.Conn
	identity Identity
	send     chan models.ProgressUpdate
	once     sync.Once
}

func (c *Client) entitled(ownerID string) bool {
	return c.identity.Admin || (ownerID != "" && ownerID == c.identity.OwnerID)
}

func (c *Client) close() {
	c.once.Do(func() { close(c.send) })
}

// Gateway owns every connection. A single loop forwards updates, so updates of
// one job reach a connection in the order they were received.
type Gateway struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	connected  atomic.Int32

	ownersMu sync.RWMutex
	owners   map[string]string

	lookup  OwnerLookup
	metrics *metrics.Metrics
	log     logger.Logger
}

// New creates a gateway. m may be nil.
func New(lookup OwnerLookup, m *metrics.Metrics, log logger.Logger) *Gateway {
	return &Gateway{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		owners:     make(map[string]string),
		lookup:     lookup,
		metrics:    m,
		log:        log,
	}
}

// Watch records the owner of a job so its updates can be routed without a
// store lookup.
func (g *Gateway) Watch(jobID, ownerID string) {
	g.ownersMu.Lock()
	g.owners[jobID] = ownerID
	g.ownersMu.Unlock()
}

// Forget drops a job from the routing cache.
func (g *Gateway) Forget(jobID string) {
	g.ownersMu.Lock()
	delete(g.owners, jobID)
	g.ownersMu.Unlock()
}

// Run forwards updates until ctx ends or updates is closed, then closes every
// connection.
func (g *Gateway) Run(ctx context.Context, updates <-chan models.ProgressUpdate) {
	defer func() {
		close(g.done)
		for client := range g.clients {
			g.drop(client)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case client := <-g.register:
			g.clients[client] = true
			g.connected.Add(1)
			g.metrics.ConnectionOpened()
			g.log.Debug("Live client connected",
				logger.String("owner_id", client.identity.OwnerID),
				logger.Int("clients", len(g.clients)),
			)
		case client := <-g.unregister:
			if g.clients[client] {
				g.drop(client)
			}
		case u, ok := <-updates:
			if !ok {
				return
			}
			g.forward(ctx, u)
		}
	}
}

func (g *Gateway) forward(ctx context.Context, u models.ProgressUpdate) {
	if len(g.clients) == 0 {
		return
	}

	ownerID := g.ownerOf(ctx, u.JobID)
	for client := range g.clients {
		if !client.entitled(ownerID) {
			continue
		}
		select {
		case client.send <- u:
			g.metrics.UpdateForwarded()
		default:
			// a stalled reader must not hold up everyone else
			g.log.Warn("Dropping slow live client", logger.String("owner_id", client.identity.OwnerID))
			g.drop(client)
		}
	}

	if u.Status == models.StatusExpired {
		g.Forget(u.JobID)
	}
}

func (g *Gateway) ownerOf(ctx context.Context, jobID string) string {
	g.ownersMu.RLock()
	ownerID, ok := g.owners[jobID]
	g.ownersMu.RUnlock()
	if ok || g.lookup == nil {
		return ownerID
	}

	lookupCtx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()
	job, err := g.lookup.Get(lookupCtx, jobID)
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			g.log.Warn("Failed to resolve job owner", logger.String("job_id", jobID), logger.Error(err))
		}
		return ""
	}
	g.Watch(jobID, job.OwnerID)
	return job.OwnerID
}

// drop must only be called from the Run loop.
func (g *Gateway) drop(client *Client) {
	delete(g.clients, client)
	g.connected.Add(-1)
	client.close()
	g.metrics.ConnectionClosed()
}

// Connected reports the number of registered connections.
func (g *Gateway) Connected() int {
	return int(g.connected.Load())
}

// Serve attaches conn to the gateway and blocks until the peer disconnects or
// the gateway stops. Clients never send anything meaningful; reads only detect
// disconnection and answer pings.
func (g *Gateway) Serve(conn *websocket.Conn, id Identity) {
	client := &Client{
		conn:     conn,
		identity: id,
		send:     make(chan models.ProgressUpdate, sendBufferSize),
	}

	select {
	case g.register <- client:
	case <-g.done:
		_ = conn.Close()
		return
	}

	go g.writePump(client)
	g.readPump(client)
}

func (g *Gateway) readPump(client *Client) {
	defer func() {
		select {
		case g.unregister <- client:
		case <-g.done:
		}
		_ = client.conn.Close()
	}()

	client.conn.SetReadLimit(512)
	_ = client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				g.log.Debug("Live client read failed", logger.Error(err))
			}
			return
		}
	}
}

func (g *Gateway) writePump(client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = client.conn.Close()
	}()

	for {
		select {
		case u, ok := <-client.send:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.conn.WriteJSON(u); err != nil {
				g.log.Debug("Error sending update to live client", logger.Error(err))
				return
			}
		case <-ticker.C:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
