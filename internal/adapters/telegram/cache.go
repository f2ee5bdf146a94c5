package telegram

import "sync"

// messageCache tracks recently seen message IDs per chat so the bridge can
// answer "does this message exist" without a network round trip. Bounded; the
// oldest entry per chat is evicted first.
type messageCache struct {
	mu      sync.Mutex
	perChat int
	chats   map[int64]*ring
}

type ring struct {
	ids  []int
	next int
	full bool
	set  map[int]struct{}
}

func newMessageCache(perChat int) *messageCache {
	if perChat <= 0 {
		perChat = 512
	}
	return &messageCache{perChat: perChat, chats: map[int64]*ring{}}
}

func (c *messageCache) remember(chatID int64, msgID int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := c.chats[chatID]
	if r == nil {
		r = &ring{ids: make([]int, c.perChat), set: map[int]struct{}{}}
		c.chats[chatID] = r
	}
	if _, ok := r.set[msgID]; ok {
		return
	}
	if r.full {
		delete(r.set, r.ids[r.next])
	}
	r.ids[r.next] = msgID
	r.set[msgID] = struct{}{}
	r.next++
	if r.next == len(r.ids) {
		r.next = 0
		r.full = true
	}
}

func (c *messageCache) has(chatID int64, msgID int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := c.chats[chatID]
	if r == nil {
		return false
	}
	_, ok := r.set[msgID]
	return ok
}
