// Package adapter provides the Matrix client-server transport for callbridge.
// It delivers inbound room events over a channel and sends signaling events
// into rooms; call semantics live in pkg/call, not here.
package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/haos/callbridge/pkg/logger"
)

// Event represents a Matrix room event delivered from /sync
type Event struct {
	Type     string          `json:"type"`
	RoomID   string          `json:"room_id"`
	Sender   string          `json:"sender"`
	EventID  string          `json:"event_id"`
	StateKey string          `json:"state_key,omitempty"`
	Content  json.RawMessage `json:"content"`
}

// UserProfile holds display metadata for a user
type UserProfile struct {
	DisplayName string `json:"displayname"`
	AvatarURL   string `json:"avatar_url"`
}

// PowerLevels holds the room's power-level assignments
type PowerLevels struct {
	Users        map[string]int `json:"users"`
	UsersDefault int            `json:"users_default"`
}

// Level returns the power level for a user, falling back to the room default
func (p PowerLevels) Level(userID string) int {
	if lvl, ok := p.Users[userID]; ok {
		return lvl
	}
	return p.UsersDefault
}

// RoomInfo holds display metadata and power-level state for a room
type RoomInfo struct {
	Name        string
	PowerLevels PowerLevels
}

// MatrixError represents a Matrix API error response
type MatrixError struct {
	ErrCode string `json:"errcode"`
	Err     string `json:"error"`
}

func (e *MatrixError) Error() string {
	return fmt.Sprintf("%s: %s", e.ErrCode, e.Err)
}

// Config holds Matrix adapter configuration
type Config struct {
	HomeserverURL string
	Username      string
	Password      string
	DeviceID      string
	SyncTimeoutMS int

	// EventBuffer is the inbound event channel depth
	EventBuffer int
}

// MatrixAdapter implements the Matrix client-server protocol over HTTP
type MatrixAdapter struct {
	homeserverURL string
	userID        string
	accessToken   string
	deviceID      string
	syncToken     string
	syncTimeout   int
	httpClient    *http.Client
	eventQueue    chan *Event
	limiter       *rate.Limiter
	log           *logger.Logger

	profileCache map[string]*UserProfile
	roomCache    map[string]*RoomInfo

	mu     sync.RWMutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new Matrix adapter
func New(cfg Config) (*MatrixAdapter, error) {
	if cfg.HomeserverURL == "" {
		return nil, fmt.Errorf("homeserver URL is required")
	}
	if cfg.SyncTimeoutMS <= 0 {
		cfg.SyncTimeoutMS = 30000
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 100
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &MatrixAdapter{
		homeserverURL: cfg.HomeserverURL,
		deviceID:      cfg.DeviceID,
		syncTimeout:   cfg.SyncTimeoutMS,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.SyncTimeoutMS)*time.Millisecond + 15*time.Second,
		},
		eventQueue: make(chan *Event, cfg.EventBuffer),
		// Cap request rate against the shared homeserver: one long-poll
		// plus occasional sends should never exceed this.
		limiter:      rate.NewLimiter(rate.Limit(5), 10),
		log:          logger.Global().WithComponent("adapter"),
		profileCache: make(map[string]*UserProfile),
		roomCache:    make(map[string]*RoomInfo),
		ctx:          ctx,
		cancel:       cancel,
	}, nil
}

// Login authenticates with the Matrix homeserver
func (m *MatrixAdapter) Login(username, password string) error {
	payload := map[string]interface{}{
		"type":      "m.login.password",
		"user":      username,
		"password":  password,
		"device_id": m.deviceID,
	}

	var result struct {
		AccessToken string `json:"access_token"`
		DeviceID    string `json:"device_id"`
		UserID      string `json:"user_id"`
	}

	if err := m.doJSON("POST", "/_matrix/client/v3/login", payload, &result, false); err != nil {
		return fmt.Errorf("login failed: %w", err)
	}

	m.mu.Lock()
	m.accessToken = result.AccessToken
	m.userID = result.UserID
	if result.DeviceID != "" {
		m.deviceID = result.DeviceID
	}
	m.mu.Unlock()

	m.log.Info("logged in", "user_id", result.UserID, "device_id", m.deviceID)
	return nil
}

// UserID returns the authenticated user's Matrix ID
func (m *MatrixAdapter) UserID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.userID
}

// SendEvent sends an event into a room and returns the event ID
func (m *MatrixAdapter) SendEvent(ctx context.Context, roomID, eventType string, content any) (string, error) {
	txnID := uuid.NewString()
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/send/%s/%s",
		url.PathEscape(roomID), url.PathEscape(eventType), txnID)

	body, err := json.Marshal(content)
	if err != nil {
		return "", fmt.Errorf("failed to marshal event content: %w", err)
	}

	if err := m.limiter.Wait(ctx); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, "PUT", m.homeserverURL+path, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+m.token())

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("send event request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", m.apiError(resp)
	}

	var result struct {
		EventID string `json:"event_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to decode send response: %w", err)
	}

	return result.EventID, nil
}

// GetUser resolves display metadata for a user. Returns nil when the
// profile cannot be resolved; callers fall back to the bare user ID.
func (m *MatrixAdapter) GetUser(userID string) *UserProfile {
	m.mu.RLock()
	cached, ok := m.profileCache[userID]
	m.mu.RUnlock()
	if ok {
		return cached
	}

	var profile UserProfile
	path := "/_matrix/client/v3/profile/" + url.PathEscape(userID)
	if err := m.doJSON("GET", path, nil, &profile, true); err != nil {
		m.log.Debug("profile lookup failed", "user_id", userID, "error", err)
		return nil
	}

	m.mu.Lock()
	m.profileCache[userID] = &profile
	m.mu.Unlock()

	return &profile
}

// GetRoom resolves a room's display name and power-level state. Returns
// nil when the room state cannot be resolved.
func (m *MatrixAdapter) GetRoom(roomID string) *RoomInfo {
	m.mu.RLock()
	cached, ok := m.roomCache[roomID]
	m.mu.RUnlock()
	if ok {
		return cached
	}

	info := &RoomInfo{}
	base := "/_matrix/client/v3/rooms/" + url.PathEscape(roomID) + "/state/"

	var nameContent struct {
		Name string `json:"name"`
	}
	if err := m.doJSON("GET", base+"m.room.name", nil, &nameContent, true); err == nil {
		info.Name = nameContent.Name
	}

	var levels PowerLevels
	if err := m.doJSON("GET", base+"m.room.power_levels", nil, &levels, true); err != nil {
		m.log.Debug("power level lookup failed", "room_id", roomID, "error", err)
	}
	info.PowerLevels = levels

	if info.Name == "" && len(levels.Users) == 0 {
		return nil
	}

	m.mu.Lock()
	m.roomCache[roomID] = info
	m.mu.Unlock()

	return info
}

// ReceiveEvents returns the inbound event channel. The channel is closed
// when the adapter shuts down.
func (m *MatrixAdapter) ReceiveEvents() <-chan *Event {
	return m.eventQueue
}

// StartSync starts the background sync loop
func (m *MatrixAdapter) StartSync() {
	m.wg.Add(1)
	go m.syncLoop()
}

// syncLoop long-polls /sync until the adapter is closed
func (m *MatrixAdapter) syncLoop() {
	defer m.wg.Done()
	defer close(m.eventQueue)

	backoff := time.Second
	for {
		select {
		case <-m.ctx.Done():
			return
		default:
		}

		if err := m.limiter.Wait(m.ctx); err != nil {
			return
		}

		if err := m.sync(); err != nil {
			if m.ctx.Err() != nil {
				return
			}
			m.log.Warn("sync failed, backing off", "error", err, "backoff", backoff)
			select {
			case <-time.After(backoff):
			case <-m.ctx.Done():
				return
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second
	}
}

// syncResponse represents the subset of /sync we consume
type syncResponse struct {
	NextBatch string `json:"next_batch"`
	Rooms     struct {
		Join map[string]struct {
			Timeline struct {
				Events []json.RawMessage `json:"events"`
			} `json:"timeline"`
			State struct {
				Events []json.RawMessage `json:"events"`
			} `json:"state"`
		} `json:"join"`
	} `json:"rooms"`
}

// sync performs a single /sync request and queues the resulting events
func (m *MatrixAdapter) sync() error {
	q := url.Values{}
	q.Set("timeout", fmt.Sprintf("%d", m.syncTimeout))
	m.mu.RLock()
	if m.syncToken != "" {
		q.Set("since", m.syncToken)
	}
	m.mu.RUnlock()

	var resp syncResponse
	if err := m.doJSON("GET", "/_matrix/client/v3/sync?"+q.Encode(), nil, &resp, true); err != nil {
		return err
	}

	m.mu.Lock()
	m.syncToken = resp.NextBatch
	m.mu.Unlock()

	for roomID, room := range resp.Rooms.Join {
		for _, raw := range room.State.Events {
			m.queueEvent(roomID, raw)
		}
		for _, raw := range room.Timeline.Events {
			m.queueEvent(roomID, raw)
		}
	}

	return nil
}

// queueEvent parses a raw event and pushes it onto the event channel
// without blocking the sync loop
func (m *MatrixAdapter) queueEvent(roomID string, raw json.RawMessage) {
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		m.log.Debug("dropping unparseable event", "room_id", roomID, "error", err)
		return
	}
	ev.RoomID = roomID

	select {
	case m.eventQueue <- &ev:
	default:
		m.log.Warn("event queue full, dropping event",
			"room_id", roomID, "type", ev.Type, "event_id", ev.EventID)
	}
}

// Close shuts down the adapter and waits for the sync loop to exit
func (m *MatrixAdapter) Close() error {
	m.cancel()
	m.wg.Wait()
	return nil
}

// token returns the current access token
func (m *MatrixAdapter) token() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.accessToken
}

// doJSON performs a JSON request against the homeserver
func (m *MatrixAdapter) doJSON(method, path string, payload, result any, authed bool) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(m.ctx, method, m.homeserverURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authed {
		req.Header.Set("Authorization", "Bearer "+m.token())
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return m.apiError(resp)
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}

	return nil
}

// apiError decodes a Matrix error response
func (m *MatrixAdapter) apiError(resp *http.Response) error {
	data, _ := io.ReadAll(resp.Body)
	var matrixErr MatrixError
	if err := json.Unmarshal(data, &matrixErr); err == nil && matrixErr.ErrCode != "" {
		return &matrixErr
	}
	return fmt.Errorf("status %d: %s", resp.StatusCode, string(data))
}
