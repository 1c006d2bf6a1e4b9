// Package rest is the thin client for the backend's video-room records. The
// realtime core does not need it; surrounding UI orchestration does.
package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/agora-collab/realtime/internal/auth"
	"github.com/agora-collab/realtime/internal/domain"
)

// Room mirrors the backend's room record.
type Room struct {
	RoomID       json.Number `json:"room_id"`
	ChannelID    string      `json:"channel_id"`
	JanusURL     *string     `json:"janus_url"`
	Signaling    string      `json:"signaling,omitempty"`
	CreatedBy    string      `json:"created_by"`
	Participants []string    `json:"participants"`
	Note         string      `json:"note,omitempty"`
}

type RoomsClient struct {
	Base   string
	Auth   auth.Provider
	Client *http.Client
}

func (c *RoomsClient) httpClient() *http.Client {
	if c.Client != nil {
		return c.Client
	}
	return &http.Client{Timeout: 10 * time.Second}
}

func (c *RoomsClient) do(ctx context.Context, method, path string, out any) error {
	token, err := c.Auth.GetToken(ctx)
	if err != nil {
		return fmt.Errorf("get token: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.Base+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// CreateRoom creates (or returns) the room record for a channel.
func (c *RoomsClient) CreateRoom(ctx context.Context, channelID domain.ChannelID) (*Room, error) {
	var room Room
	if err := c.do(ctx, http.MethodPost, "/api/video/rooms?channel_id="+string(channelID), &room); err != nil {
		return nil, err
	}
	return &room, nil
}

func (c *RoomsClient) GetRoom(ctx context.Context, channelID domain.ChannelID) (*Room, error) {
	var room Room
	if err := c.do(ctx, http.MethodGet, "/api/video/rooms/"+string(channelID), &room); err != nil {
		return nil, err
	}
	return &room, nil
}

func (c *RoomsClient) CloseRoom(ctx context.Context, channelID domain.ChannelID) error {
	return c.do(ctx, http.MethodDelete, "/api/video/rooms/"+string(channelID), nil)
}

func (c *RoomsClient) JoinRoom(ctx context.Context, channelID domain.ChannelID) (*Room, error) {
	var room Room
	if err := c.do(ctx, http.MethodPost, "/api/video/rooms/"+string(channelID)+"/join", &room); err != nil {
		return nil, err
	}
	return &room, nil
}

// LeaveRoom departs the room; the backend closes an emptied room itself.
func (c *RoomsClient) LeaveRoom(ctx context.Context, channelID domain.ChannelID) error {
	return c.do(ctx, http.MethodPost, "/api/video/rooms/"+string(channelID)+"/leave", nil)
}
