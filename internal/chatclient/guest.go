package chatclient

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const guestReply = "This is a preview. Sign in to chat with a real model."

// guestStore keeps the whole guest experience in memory. Nothing here ever
// touches the network; sends answer with a canned reply.
type guestStore struct {
	mu    sync.Mutex
	chats map[string]*Chat
}

func newGuestStore() *guestStore {
	return &guestStore{chats: make(map[string]*Chat)}
}

func (g *guestStore) listChats() []Chat {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]Chat, 0, len(g.chats))
	for _, chat := range g.chats {
		summary := *chat
		summary.Messages = nil
		out = append(out, summary)
	}
	sortChatsByActivity(out)
	return out
}

func (g *guestStore) getChat(chatID string) (Chat, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	chat, ok := g.chats[chatID]
	if !ok {
		return Chat{}, ErrChatNotFound
	}
	return *chat, nil
}

func (g *guestStore) createChat(title string) Chat {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	chat := &Chat{
		ID:        uuid.NewString(),
		Title:     strings.TrimSpace(title),
		CreatedAt: now,
		UpdatedAt: now,
		Messages:  []Message{},
	}
	g.chats[chat.ID] = chat
	return *chat
}

func (g *guestStore) deleteChat(chatID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.chats[chatID]; !ok {
		return ErrChatNotFound
	}
	delete(g.chats, chatID)
	return nil
}

func (g *guestStore) send(chatID, content string, onDelta func(string)) (Chat, error) {
	g.mu.Lock()
	chat, ok := g.chats[chatID]
	if !ok {
		g.mu.Unlock()
		return Chat{}, ErrChatNotFound
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	chat.Messages = append(chat.Messages,
		Message{ID: uuid.NewString(), ChatID: chatID, Role: "user", Content: content, CreatedAt: now},
		Message{ID: uuid.NewString(), ChatID: chatID, Role: "assistant", Content: guestReply, CreatedAt: now},
	)
	if chat.Title == "" {
		chat.Title = deriveGuestTitle(content)
	}
	chat.UpdatedAt = now
	out := *chat
	g.mu.Unlock()

	if onDelta != nil {
		onDelta(guestReply)
	}
	return out, nil
}

func deriveGuestTitle(content string) string {
	trimmed := strings.TrimSpace(content)
	runes := []rune(trimmed)
	if len(runes) > 40 {
		return string(runes[:40])
	}
	return trimmed
}
