// Package chatclient is a Go consumer of the chat API with the same
// reconciliation behavior the web client has: sends are applied to the local
// view optimistically, confirmed by the server stream, and rolled back by an
// authoritative refetch when the send fails.
package chatclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// SendState tracks one chat's in-flight send.
type SendState string

const (
	SendStateIdle       SendState = "idle"
	SendStatePending    SendState = "pending"
	SendStateCommitted  SendState = "committed"
	SendStateRolledBack SendState = "rolled_back"
)

var (
	ErrSendInFlight   = errors.New("a send is already in flight for this chat")
	ErrChatNotFound   = errors.New("chat not found")
	ErrNotFound       = errors.New("not found")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrGuestReadOnly  = errors.New("operation requires an account")
	errUnexpectedBody = errors.New("unexpected response body")
)

type Chat struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt string    `json:"createdAt"`
	UpdatedAt string    `json:"updatedAt"`
	Messages  []Message `json:"messages,omitempty"`
}

type Message struct {
	ID        string `json:"id"`
	ChatID    string `json:"chatId"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	CreatedAt string `json:"createdAt"`
}

// Client talks to one chat backend on behalf of one signed-in user, or runs
// entirely locally in guest mode.
type Client struct {
	baseURL    string
	httpClient *http.Client
	selection  SelectionStore
	guest      *guestStore

	mu        sync.Mutex
	chats     map[string]*Chat
	listDirty bool
	sendState map[string]SendState
}

type Option func(*Client)

// WithHTTPClient replaces the transport. The client still installs its own
// cookie jar when the given client has none, since sessions ride on cookies.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithSelectionStore persists the active chat id across runs.
func WithSelectionStore(store SelectionStore) Option {
	return func(c *Client) {
		c.selection = store
	}
}

// WithGuestMode runs the client without a backend: chats live in memory and
// every send gets a canned reply. No network calls are made.
func WithGuestMode() Option {
	return func(c *Client) {
		c.guest = newGuestStore()
	}
}

func New(baseURL string, opts ...Option) (*Client, error) {
	c := &Client{
		baseURL:   strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		chats:     make(map[string]*Chat),
		listDirty: true,
		sendState: make(map[string]SendState),
		selection: NewMemorySelectionStore(),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.guest == nil && c.baseURL == "" {
		return nil, errors.New("base url is required")
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{}
	}
	if c.httpClient.Jar == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, fmt.Errorf("create cookie jar: %w", err)
		}
		c.httpClient.Jar = jar
	}
	return c, nil
}

func (c *Client) Guest() bool {
	return c.guest != nil
}

// SendStateFor reports the last known send state of a chat.
func (c *Client) SendStateFor(chatID string) SendState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if state, ok := c.sendState[chatID]; ok {
		return state
	}
	return SendStateIdle
}

type credentials struct {
	Name     string `json:"name,omitempty"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (c *Client) Register(ctx context.Context, name, email, password string) error {
	if c.Guest() {
		return ErrGuestReadOnly
	}
	return c.postJSON(ctx, "/api/register", credentials{Name: name, Email: email, Password: password}, nil)
}

func (c *Client) Login(ctx context.Context, email, password string) error {
	if c.Guest() {
		return ErrGuestReadOnly
	}
	return c.postJSON(ctx, "/api/auth/login", credentials{Email: email, Password: password}, nil)
}

func (c *Client) Logout(ctx context.Context) error {
	if c.Guest() {
		return ErrGuestReadOnly
	}
	return c.postJSON(ctx, "/api/auth/logout", nil, nil)
}

// ListChats returns the chat list, most recently active first. The cached
// list is reused until a send or create invalidates it.
func (c *Client) ListChats(ctx context.Context) ([]Chat, error) {
	if c.Guest() {
		return c.guest.listChats(), nil
	}

	c.mu.Lock()
	dirty := c.listDirty
	c.mu.Unlock()

	if !dirty {
		return c.cachedChatList(), nil
	}

	var listed []Chat
	if err := c.getJSON(ctx, "/api/chat", &listed); err != nil {
		return nil, err
	}

	c.mu.Lock()
	for i := range listed {
		chat := listed[i]
		if cached, ok := c.chats[chat.ID]; ok {
			chat.Messages = cached.Messages
		}
		c.chats[chat.ID] = &chat
	}
	c.listDirty = false
	c.mu.Unlock()

	return listed, nil
}

func (c *Client) GetChat(ctx context.Context, chatID string) (Chat, error) {
	if c.Guest() {
		return c.guest.getChat(chatID)
	}
	return c.refetchChat(ctx, chatID)
}

func (c *Client) CreateChat(ctx context.Context, title string) (Chat, error) {
	if c.Guest() {
		return c.guest.createChat(title), nil
	}

	var created Chat
	if err := c.postJSON(ctx, "/api/chat", map[string]string{"title": title}, &created); err != nil {
		return Chat{}, err
	}

	c.mu.Lock()
	c.chats[created.ID] = &created
	c.listDirty = true
	c.mu.Unlock()

	if err := c.selection.Save(created.ID); err != nil {
		return created, fmt.Errorf("remember active chat: %w", err)
	}
	return created, nil
}

func (c *Client) DeleteChat(ctx context.Context, chatID string) error {
	if c.Guest() {
		return c.guest.deleteChat(chatID)
	}

	if err := c.do(ctx, http.MethodDelete, "/api/chat/"+chatID, nil, nil); err != nil {
		return err
	}

	c.mu.Lock()
	delete(c.chats, chatID)
	delete(c.sendState, chatID)
	c.listDirty = true
	c.mu.Unlock()
	return nil
}

// ActiveChat resolves the chat the user last worked in. A remembered id that
// no longer exists falls back to the most recently updated chat.
func (c *Client) ActiveChat(ctx context.Context) (Chat, error) {
	chats, err := c.ListChats(ctx)
	if err != nil {
		return Chat{}, err
	}
	if len(chats) == 0 {
		return Chat{}, ErrChatNotFound
	}

	remembered, err := c.selection.Load()
	if err == nil && remembered != "" {
		for _, chat := range chats {
			if chat.ID == remembered {
				return chat, nil
			}
		}
	}

	// list order is most recently updated first
	return chats[0], nil
}

type sendRequest struct {
	ChatID   string        `json:"chatId"`
	Model    string        `json:"model,omitempty"`
	Messages []sendMessage `json:"messages"`
	FileIDs  []string      `json:"fileIds,omitempty"`
}

type sendMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Send runs one optimistic round trip: the user message is appended locally
// and on the server, the assistant stream is relayed through onDelta, and a
// mid-stream failure rolls the local view back to the server's state. With
// no chat selected, an untitled chat is created first and becomes the
// remembered selection.
func (c *Client) Send(ctx context.Context, chatID, model, content string, onDelta func(string)) (Chat, error) {
	chatID = strings.TrimSpace(chatID)

	if c.Guest() {
		if chatID == "" {
			chatID = c.guest.createChat("").ID
		}
		return c.guest.send(chatID, content, onDelta)
	}

	if chatID == "" {
		created, err := c.CreateChat(ctx, "")
		if err != nil {
			return Chat{}, err
		}
		chatID = created.ID
	}

	c.mu.Lock()
	if c.sendState[chatID] == SendStatePending {
		c.mu.Unlock()
		return Chat{}, ErrSendInFlight
	}
	c.sendState[chatID] = SendStatePending
	chat, ok := c.chats[chatID]
	if !ok {
		chat = &Chat{ID: chatID}
		c.chats[chatID] = chat
	}
	optimistic := Message{
		ID:      "optimistic-" + uuid.NewString(),
		ChatID:  chatID,
		Role:    "user",
		Content: content,
	}
	chat.Messages = append(chat.Messages, optimistic)
	history := make([]sendMessage, 0, len(chat.Messages))
	for _, message := range chat.Messages {
		history = append(history, sendMessage{Role: message.Role, Content: message.Content})
	}
	c.mu.Unlock()

	if err := c.appendUserMessage(ctx, chatID, content); err != nil {
		return c.rollback(ctx, chatID, err)
	}

	if _, err := c.stream(ctx, sendRequest{ChatID: chatID, Model: model, Messages: history}, onDelta); err != nil {
		return c.rollback(ctx, chatID, err)
	}

	// refetch rather than splicing locally: the server assigned ids,
	// timestamps and possibly a derived title
	refreshed, err := c.refetchChat(ctx, chatID)
	if err != nil {
		return c.rollback(ctx, chatID, err)
	}

	c.mu.Lock()
	c.sendState[chatID] = SendStateCommitted
	c.listDirty = true
	c.mu.Unlock()

	if err := c.selection.Save(chatID); err != nil {
		return refreshed, fmt.Errorf("remember active chat: %w", err)
	}
	return refreshed, nil
}

func (c *Client) rollback(ctx context.Context, chatID string, cause error) (Chat, error) {
	refreshed, refetchErr := c.refetchChat(ctx, chatID)

	c.mu.Lock()
	c.sendState[chatID] = SendStateRolledBack
	c.listDirty = true
	if refetchErr != nil {
		// could not reconcile with the server; drop the optimistic tail so
		// the local view never shows a message the server may not have
		if chat, ok := c.chats[chatID]; ok {
			chat.Messages = withoutOptimisticTail(chat.Messages)
			refreshed = *chat
		}
	}
	c.mu.Unlock()

	return refreshed, cause
}

func (c *Client) appendUserMessage(ctx context.Context, chatID, content string) error {
	payload := map[string]any{"role": "user", "content": content}
	return c.postJSON(ctx, "/api/chat/"+chatID, payload, nil)
}

func (c *Client) stream(ctx context.Context, req sendRequest, onDelta func(string)) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("encode stream request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat/stream", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build stream request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("stream request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", apiErrorFromResponse(resp)
	}

	var assistantText strings.Builder
	buf := make([]byte, 4096)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			chunk := string(buf[:n])
			assistantText.WriteString(chunk)
			if onDelta != nil {
				onDelta(chunk)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return assistantText.String(), fmt.Errorf("read stream: %w", readErr)
		}
	}
	return assistantText.String(), nil
}

func (c *Client) refetchChat(ctx context.Context, chatID string) (Chat, error) {
	var chat Chat
	if err := c.getJSON(ctx, "/api/chat/"+chatID, &chat); err != nil {
		return Chat{}, err
	}

	c.mu.Lock()
	c.chats[chat.ID] = &chat
	c.mu.Unlock()
	return chat, nil
}

func (c *Client) cachedChatList() []Chat {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Chat, 0, len(c.chats))
	for _, chat := range c.chats {
		summary := *chat
		summary.Messages = nil
		out = append(out, summary)
	}
	sortChatsByActivity(out)
	return out
}

func (c *Client) getJSON(ctx context.Context, path string, target any) error {
	return c.do(ctx, http.MethodGet, path, nil, target)
}

func (c *Client) postJSON(ctx context.Context, path string, payload, target any) error {
	return c.do(ctx, http.MethodPost, path, payload, target)
}

func (c *Client) do(ctx context.Context, method, path string, payload, target any) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return apiErrorFromResponse(resp)
	}

	if target == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		return fmt.Errorf("%s %s: %w: %v", method, path, errUnexpectedBody, err)
	}
	return nil
}

// APIError carries the backend's {error:{code,message}} payload.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e APIError) Error() string {
	return fmt.Sprintf("api returned %d: %s (%s)", e.StatusCode, e.Message, e.Code)
}

func (e APIError) Is(target error) bool {
	switch target {
	case ErrNotFound, ErrChatNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrUnauthorized:
		return e.StatusCode == http.StatusUnauthorized
	}
	return false
}

func apiErrorFromResponse(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 8*1024))

	var payload struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &payload); err == nil && payload.Error.Code != "" {
		return APIError{StatusCode: resp.StatusCode, Code: payload.Error.Code, Message: payload.Error.Message}
	}
	return APIError{StatusCode: resp.StatusCode, Code: "unknown", Message: strings.TrimSpace(string(raw))}
}

func withoutOptimisticTail(messages []Message) []Message {
	for len(messages) > 0 {
		last := messages[len(messages)-1]
		if !strings.HasPrefix(last.ID, "optimistic-") {
			break
		}
		messages = messages[:len(messages)-1]
	}
	return messages
}

func sortChatsByActivity(chats []Chat) {
	// RFC3339 timestamps sort lexically
	for i := 1; i < len(chats); i++ {
		for j := i; j > 0 && chats[j].UpdatedAt > chats[j-1].UpdatedAt; j-- {
			chats[j], chats[j-1] = chats[j-1], chats[j]
		}
	}
}
