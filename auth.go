package mq

import (
	"strings"
	"sync"

	"github.com/matthewhartstonge/argon2"
	"golang.org/x/crypto/bcrypt"
)

// AuthBackend decides whether a session may connect and whether an
// already-connected session may publish or subscribe to a given topic.
// Implementations are called from the broker's front-end (MayConnect) and
// from each Session's PUBLISH and SUBSCRIBE handlers in its run loop
// (MayAct), for many sessions at once, so they must be safe for concurrent
// use.
type AuthBackend interface {
	// MayConnect authenticates a CONNECT attempt. username/password are
	// empty strings when the client supplied none.
	MayConnect(clientID, username, password string) error

	// MayAct authorizes a publish (forPublish=true) or subscribe
	// (forPublish=false) against topic, for the already-authenticated
	// clientID.
	MayAct(clientID, topic string, forPublish bool) error
}

// aclRule is one entry of a StaticACLBackend's rule list.
type aclRule struct {
	filter    string
	allowPub  bool
	allowSub  bool
}

// StaticACLBackend is a bcrypt-password, topic-pattern ACL backend
// suitable for single-node deployments and tests. Credentials and ACL
// rules are added with AddCredential/AddRule after construction; nothing
// reloads them from an external source.
type StaticACLBackend struct {
	mu          sync.RWMutex
	credentials map[string]string // clientID -> bcrypt hash; absent = anonymous allowed
	rules       map[string][]aclRule
	defaultAllow bool
}

// NewStaticACLBackend creates an AuthBackend with no credentials or rules
// configured. By default every client may connect and every topic
// operation is permitted; call AddCredential/AddRule to restrict it.
func NewStaticACLBackend() *StaticACLBackend {
	return &StaticACLBackend{
		credentials:  make(map[string]string),
		rules:        make(map[string][]aclRule),
		defaultAllow: true,
	}
}

// SetDefaultAllow controls whether MayAct permits an operation that
// matches no rule for the client. Defaults to true (open).
func (b *StaticACLBackend) SetDefaultAllow(allow bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.defaultAllow = allow
}

// AddCredential registers a required password (bcrypt-hashed) for clientID.
// Once any credential is registered, CONNECT attempts for that clientID
// without a matching password are refused.
func (b *StaticACLBackend) AddCredential(clientID, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return &InternalError{Message: "failed to hash password", Parent: err}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.credentials[clientID] = string(hash)
	return nil
}

// AddRule grants clientID publish and/or subscribe access to topics
// matching filter (ordinary MQTT wildcard syntax, via matchTopic).
func (b *StaticACLBackend) AddRule(clientID, filter string, allowPublish, allowSubscribe bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rules[clientID] = append(b.rules[clientID], aclRule{filter: filter, allowPub: allowPublish, allowSub: allowSubscribe})
}

func (b *StaticACLBackend) MayConnect(clientID, username, password string) error {
	b.mu.RLock()
	hash, required := b.credentials[clientID]
	b.mu.RUnlock()

	if !required {
		return nil
	}
	if password == "" {
		return &AuthError{Reason: uint8(ReasonCodeNotAuthorized), Message: "password required for " + clientID}
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return &AuthError{Reason: uint8(ReasonCodeNotAuthorized), Message: "bad username or password"}
	}
	return nil
}

func (b *StaticACLBackend) MayAct(clientID, topic string, forPublish bool) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	rules, ok := b.rules[clientID]
	if !ok {
		if b.defaultAllow {
			return nil
		}
		return &AuthError{Reason: uint8(ReasonCodeNotAuthorized), Message: "no ACL rules for " + clientID}
	}

	for _, r := range rules {
		if !matchTopic(r.filter, topic) {
			continue
		}
		if forPublish && r.allowPub {
			return nil
		}
		if !forPublish && r.allowSub {
			return nil
		}
	}

	if b.defaultAllow {
		return nil
	}
	return &AuthError{Reason: uint8(ReasonCodeNotAuthorized), Message: "not authorized on " + topic}
}

// DeviceCredentialHasher hashes and verifies credentials for bridge/
// connector device identities (§4.6 pseudo-sessions), kept separate from
// the bcrypt path MayConnect uses for ordinary MQTT clients since
// connector credentials are typically long-lived and provisioned
// out-of-band rather than chosen by an end user.
type DeviceCredentialHasher struct {
	cfg argon2.Config
}

// NewDeviceCredentialHasher builds a hasher using argon2's default,
// memory-hard configuration.
func NewDeviceCredentialHasher() *DeviceCredentialHasher {
	return &DeviceCredentialHasher{cfg: argon2.DefaultConfig()}
}

// Hash produces an encoded argon2 hash suitable for long-term storage.
func (h *DeviceCredentialHasher) Hash(secret []byte) (string, error) {
	encoded, err := h.cfg.HashEncoded(secret)
	if err != nil {
		return "", &InternalError{Message: "failed to hash device credential", Parent: err}
	}
	return string(encoded), nil
}

// Verify reports whether secret matches encodedHash.
func (h *DeviceCredentialHasher) Verify(secret []byte, encodedHash string) (bool, error) {
	ok, err := argon2.VerifyEncoded(secret, []byte(encodedHash))
	if err != nil {
		return false, &InternalError{Message: "failed to verify device credential", Parent: err}
	}
	return ok, nil
}

// systemTopicGuard rejects publishes to the broker's own reserved
// "$SYS/" namespace from ordinary sessions; only the broker itself
// publishes there.
func systemTopicGuard(topic string) error {
	if strings.HasPrefix(topic, "$SYS/") {
		return &AuthError{Reason: uint8(ReasonCodeNotAuthorized), Message: "$SYS topics are broker-internal"}
	}
	return nil
}
