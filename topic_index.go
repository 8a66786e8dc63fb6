package mq

import (
	"strings"
	"sync"
)

// subscriber is one registration against a topic filter in the index.
type subscriber struct {
	session *Session
	qos     uint8
	options SubscriptionOptions
	// group is non-empty for a shared subscription ($share/<group>/<filter>):
	// members of the same group round-robin instead of all receiving the
	// message.
	group string
}

// topicNode is one level of the trie. children are keyed by the literal
// level name, or "+"/"#" for wildcard levels.
type topicNode struct {
	mu          sync.RWMutex
	children    map[string]*topicNode
	subscribers map[*Session]*subscriber        // plain subscribers at this exact node
	sharedGroup map[string][]*subscriber        // group name -> round-robin members

	sharedNextMu sync.Mutex     // guards sharedNext independently of mu's RLock readers
	sharedNext   map[string]int // group name -> next index to deliver to
}

func newTopicNode() *topicNode {
	return &topicNode{
		children:    make(map[string]*topicNode),
		subscribers: make(map[*Session]*subscriber),
		sharedGroup: make(map[string][]*subscriber),
		sharedNext:  make(map[string]int),
	}
}

// pickShared returns the next round-robin member of group out of members,
// advancing the cursor. Safe to call while only n.mu's read lock is held,
// since it serializes through its own mutex instead of mu.
func (n *topicNode) pickShared(group string, members []*subscriber) *subscriber {
	n.sharedNextMu.Lock()
	i := n.sharedNext[group] % len(members)
	n.sharedNext[group] = (i + 1) % len(members)
	n.sharedNextMu.Unlock()
	return members[i]
}

// TopicIndex is the broker's subscription trie. One node per level of a
// topic filter, wildcard levels ("+", "#") stored as ordinary children
// keyed by their literal character. Concurrency favors readers: each node
// has its own RWMutex, so a publish walking the trie only ever blocks a
// concurrent subscribe/unsubscribe at the exact nodes it visits, never the
// whole tree.
type TopicIndex struct {
	root *topicNode
}

// NewTopicIndex creates an empty topic index.
func NewTopicIndex() *TopicIndex {
	return &TopicIndex{root: newTopicNode()}
}

func splitFilter(filter string) []string {
	return strings.Split(filter, "/")
}

// parseShared extracts the group name and underlying filter from a
// "$share/<group>/<filter>" subscription, per the shared-subscriptions
// supplement. Returns ok=false for ordinary (non-shared) filters.
func parseShared(filter string) (group, rest string, ok bool) {
	const prefix = "$share/"
	if !strings.HasPrefix(filter, prefix) {
		return "", "", false
	}
	remainder := filter[len(prefix):]
	idx := strings.IndexByte(remainder, '/')
	if idx <= 0 {
		return "", "", false
	}
	return remainder[:idx], remainder[idx+1:], true
}

// Subscribe registers sess for filter. For shared subscriptions
// ("$share/<group>/<filter>") sess joins the named group's round-robin
// rotation instead of receiving every matching publication individually.
func (ti *TopicIndex) Subscribe(sess *Session, filter string, qos uint8, opts SubscriptionOptions) {
	group, underlying, shared := parseShared(filter)
	target := filter
	if shared {
		target = underlying
	}

	levels := splitFilter(target)
	node := ti.root
	for _, level := range levels {
		node = node.child(level)
	}

	sub := &subscriber{session: sess, qos: qos, options: opts, group: group}

	node.mu.Lock()
	defer node.mu.Unlock()
	if shared {
		node.sharedGroup[group] = appendReplacing(node.sharedGroup[group], sub)
	} else {
		node.subscribers[sess] = sub
	}
}

// appendReplacing appends sub to a group's member list, replacing any
// existing entry for the same session (re-subscribe with new options).
func appendReplacing(members []*subscriber, sub *subscriber) []*subscriber {
	for i, m := range members {
		if m.session == sub.session {
			members[i] = sub
			return members
		}
	}
	return append(members, sub)
}

// Unsubscribe removes sess's registration for filter, descending the trie
// and pruning now-empty nodes on the way back up.
func (ti *TopicIndex) Unsubscribe(sess *Session, filter string) {
	group, underlying, shared := parseShared(filter)
	target := filter
	if shared {
		target = underlying
	}

	levels := splitFilter(target)
	path := make([]*topicNode, 0, len(levels)+1)
	path = append(path, ti.root)
	node := ti.root
	for _, level := range levels {
		node = node.childNoCreate(level)
		if node == nil {
			return
		}
		path = append(path, node)
	}

	leaf := path[len(path)-1]
	leaf.mu.Lock()
	if shared {
		members := leaf.sharedGroup[group]
		for i, m := range members {
			if m.session == sess {
				leaf.sharedGroup[group] = append(members[:i], members[i+1:]...)
				break
			}
		}
		if len(leaf.sharedGroup[group]) == 0 {
			delete(leaf.sharedGroup, group)
			delete(leaf.sharedNext, group)
		}
	} else {
		delete(leaf.subscribers, sess)
	}
	leaf.mu.Unlock()

	ti.pruneEmpty(path, levels)
}

// pruneEmpty walks path from the leaf back to the root, removing any node
// that no longer has subscribers or children.
func (ti *TopicIndex) pruneEmpty(path []*topicNode, levels []string) {
	for i := len(path) - 1; i > 0; i-- {
		node := path[i]
		node.mu.RLock()
		empty := len(node.subscribers) == 0 && len(node.sharedGroup) == 0 && len(node.children) == 0
		node.mu.RUnlock()
		if !empty {
			return
		}
		parent := path[i-1]
		parent.mu.Lock()
		delete(parent.children, levels[i-1])
		parent.mu.Unlock()
	}
}

// UnsubscribeAll removes every registration belonging to sess, used by
// Session.terminate when a session ends. It is a full trie walk over the
// index rather than a walk of the session's own subscription set.
func (ti *TopicIndex) UnsubscribeAll(sess *Session) {
	ti.root.removeSessionRecursive(sess)
}

func (n *topicNode) removeSessionRecursive(sess *Session) bool {
	n.mu.Lock()
	delete(n.subscribers, sess)
	for group, members := range n.sharedGroup {
		for i, m := range members {
			if m.session == sess {
				n.sharedGroup[group] = append(members[:i], members[i+1:]...)
				break
			}
		}
		if len(n.sharedGroup[group]) == 0 {
			delete(n.sharedGroup, group)
			delete(n.sharedNext, group)
		}
	}
	children := make([]string, 0, len(n.children))
	for k := range n.children {
		children = append(children, k)
	}
	n.mu.Unlock()

	for _, k := range children {
		n.mu.RLock()
		child := n.children[k]
		n.mu.RUnlock()
		if child == nil {
			continue
		}
		if child.removeSessionRecursive(sess) {
			n.mu.Lock()
			delete(n.children, k)
			n.mu.Unlock()
		}
	}

	n.mu.RLock()
	empty := len(n.subscribers) == 0 && len(n.sharedGroup) == 0 && len(n.children) == 0
	n.mu.RUnlock()
	return empty
}

func (n *topicNode) child(level string) *topicNode {
	n.mu.RLock()
	c, ok := n.children[level]
	n.mu.RUnlock()
	if ok {
		return c
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if c, ok := n.children[level]; ok {
		return c
	}
	c = newTopicNode()
	n.children[level] = c
	return c
}

func (n *topicNode) childNoCreate(level string) *topicNode {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.children[level]
}

// FindMatching walks the trie for topic (a concrete topic name, never a
// filter) and returns one *subscriber per matching registration: every
// plain subscriber whose filter matches, plus one representative per
// matching shared-subscription group (chosen round-robin). $-prefixed
// topic names never match a filter rooted in "+" or "#", per
// MQTT-4.7.2-1.
func (ti *TopicIndex) FindMatching(topic string) []*subscriber {
	levels := splitFilter(topic)
	var out []*subscriber
	rootedInDollar := len(topic) > 0 && topic[0] == '$'
	ti.root.collectMatches(levels, 0, rootedInDollar, &out)
	return out
}

func (n *topicNode) collectMatches(levels []string, idx int, rootedInDollar bool, out *[]*subscriber) {
	if idx == len(levels) {
		n.mu.RLock()
		for _, sub := range n.subscribers {
			*out = append(*out, sub)
		}
		for group, members := range n.sharedGroup {
			if len(members) == 0 {
				continue
			}
			*out = append(*out, n.pickShared(group, members))
		}
		n.mu.RUnlock()

		// "#" also matches the parent level itself (zero remaining levels).
		n.mu.RLock()
		hashChild := n.children["#"]
		n.mu.RUnlock()
		if hashChild != nil {
			hashChild.collectMatches(levels, len(levels), rootedInDollar, out)
		}
		return
	}

	level := levels[idx]

	n.mu.RLock()
	literalChild := n.children[level]
	plusChild := n.children["+"]
	hashChild := n.children["#"]
	n.mu.RUnlock()

	if literalChild != nil {
		literalChild.collectMatches(levels, idx+1, rootedInDollar, out)
	}
	if plusChild != nil && !(idx == 0 && rootedInDollar) {
		plusChild.collectMatches(levels, idx+1, rootedInDollar, out)
	}
	if hashChild != nil && !(idx == 0 && rootedInDollar) {
		// "#" matches this level and everything beneath it.
		hashChild.mu.RLock()
		for _, sub := range hashChild.subscribers {
			*out = append(*out, sub)
		}
		for group, members := range hashChild.sharedGroup {
			if len(members) == 0 {
				continue
			}
			*out = append(*out, hashChild.pickShared(group, members))
		}
		hashChild.mu.RUnlock()
	}
}
