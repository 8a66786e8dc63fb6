package mq

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
)

// Broker is the top-level MQTT server: it owns the router, the session
// table, and every configured listener. Broker is the broker-side
// counterpart to the teacher's Client — where Client dialed out to one
// server and ran one session, Broker accepts from many clients and runs
// one Session actor per ClientID.
type Broker struct {
	opts   *BrokerOptions
	router *Router
	logger *Logger

	sessionsMu sync.RWMutex
	sessions   map[string]*Session

	listeners []*frontendListener
}

// NewBroker builds a Broker from the given options, applied over
// defaultOptions(). The broker does not bind any listener until Serve is
// called.
func NewBroker(options ...Option) *Broker {
	opts := defaultOptions()
	for _, o := range options {
		o(opts)
	}
	if opts.NodeID == "" {
		opts.NodeID = randomNodeID()
	}
	b := &Broker{
		opts:     opts,
		logger:   opts.Logger.With("node_id", opts.NodeID),
		sessions: make(map[string]*Session),
	}
	b.router = newRouter(opts)
	if opts.Cluster != nil {
		if err := opts.Cluster.Subscribe(b.onClusterMessage); err != nil {
			b.logger.Error("failed to subscribe to cluster bus", "error", err)
		}
	}
	return b
}

func randomNodeID() string {
	var buf [8]byte
	_, _ = rand.Read(buf[:])
	return hex.EncodeToString(buf[:])
}

// onClusterMessage is invoked by the cluster bus for a message published
// by another node; it skips the retained/archive/cluster steps already
// performed by the originating node and fans out locally only.
func (b *Broker) onClusterMessage(msg *Message) {
	b.router.fanOut(nil, msg)
}

// getOrCreateSession returns the persistent Session for clientID, creating
// one (and opening and restoring its SessionStore, if configured) if this
// is the first time clientID has connected. isNew reports whether a new
// Session was created on this call.
func (b *Broker) getOrCreateSession(clientID string) (sess *Session, isNew bool, err error) {
	b.sessionsMu.Lock()
	if existing, ok := b.sessions[clientID]; ok {
		b.sessionsMu.Unlock()
		return existing, false, nil
	}
	b.sessionsMu.Unlock()

	sess = newSession(b, clientID)
	if b.opts.SessionStoreFactory != nil {
		store, serr := b.opts.SessionStoreFactory(clientID)
		if serr != nil {
			return nil, false, &StorageTransientError{Message: "failed to open session store for " + clientID, Parent: serr}
		}
		sess.store = store
		b.restorePersisted(sess)
	}

	b.sessionsMu.Lock()
	defer b.sessionsMu.Unlock()
	if existing, ok := b.sessions[clientID]; ok {
		return existing, false, nil
	}
	b.sessions[clientID] = sess
	return sess, true, nil
}

func (b *Broker) removeSession(clientID string) {
	b.sessionsMu.Lock()
	defer b.sessionsMu.Unlock()
	delete(b.sessions, clientID)
}

// Stats is a point-in-time snapshot of broker state, returned by
// Broker.Stats for management/observability purposes. It is intentionally
// not exposed over any network surface — scraping it is the embedder's
// job, matching the supplemented management feature's scope.
type Stats struct {
	ConnectedSessions int
	TotalSessions     int
	RetainedMessages  int
	NodeID            string
}

// Stats returns a snapshot of the broker's current state.
func (b *Broker) Stats() Stats {
	b.sessionsMu.RLock()
	total := len(b.sessions)
	connected := 0
	for _, sess := range b.sessions {
		if sess.IsOnline() {
			connected++
		}
	}
	b.sessionsMu.RUnlock()

	retained, err := b.router.retained.Len()
	if err != nil {
		b.logger.Warn("failed to read retained store length for stats", "error", err)
	}

	return Stats{
		ConnectedSessions: connected,
		TotalSessions:     total,
		RetainedMessages:  retained,
		NodeID:            b.opts.NodeID,
	}
}

// Close shuts down every listener and terminates every session.
func (b *Broker) Close() error {
	for _, l := range b.listeners {
		_ = l.close()
	}

	b.sessionsMu.Lock()
	sessions := make([]*Session, 0, len(b.sessions))
	for _, sess := range b.sessions {
		sessions = append(sessions, sess)
	}
	b.sessionsMu.Unlock()

	for _, sess := range sessions {
		sess.Close()
	}

	if b.opts.Cluster != nil {
		_ = b.opts.Cluster.Close()
	}
	if b.opts.Archive != nil {
		_ = b.opts.Archive.Close()
	}
	return nil
}
