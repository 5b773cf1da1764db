package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"reconciler-service/models"
)

// ChatGateway is the chat-platform collaborator. Rendering, invite tracking
// and the rest of the chat surface live behind this interface; the engine
// only grants/revokes roles, sends content, and opens channels.
type ChatGateway interface {
	GrantRole(ctx context.Context, identityID, roleID string) error
	RevokeRole(ctx context.Context, identityID, roleID string) error
	Send(ctx context.Context, channelID, content string) error
	GetOrCreateChannel(ctx context.Context, name, categoryID string) (string, error)
	// RoleHolders lists every chat identity currently holding a role, the
	// reconciliation job's audit population.
	RoleHolders(ctx context.Context, roleID string) ([]string, error)
}

// ChatRecordSource exposes recent chat-platform records that may embed
// provider identifiers, the input of the resolver's bounded scan. Kept
// separate from ChatGateway so resolver tests can fake it narrowly.
type ChatRecordSource interface {
	RecentRecords(ctx context.Context, limit int) ([]models.ChatRecord, error)
}

// ChatBridgeGateway talks to the chat bridge's internal REST API.
type ChatBridgeGateway struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

func NewChatBridgeGateway(baseURL, token string) *ChatBridgeGateway {
	return &ChatBridgeGateway{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    baseURL,
		token:      token,
	}
}

func (g *ChatBridgeGateway) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal chat request: %w", err)
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, rdr)
	if err != nil {
		return fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+g.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("chat %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("chat %s %s: status %d: %s", method, path, resp.StatusCode, string(b))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (g *ChatBridgeGateway) GrantRole(ctx context.Context, identityID, roleID string) error {
	path := "/roles/" + url.PathEscape(roleID) + "/members/" + url.PathEscape(identityID)
	return g.do(ctx, http.MethodPut, path, nil, nil)
}

func (g *ChatBridgeGateway) RevokeRole(ctx context.Context, identityID, roleID string) error {
	path := "/roles/" + url.PathEscape(roleID) + "/members/" + url.PathEscape(identityID)
	return g.do(ctx, http.MethodDelete, path, nil, nil)
}

func (g *ChatBridgeGateway) Send(ctx context.Context, channelID, content string) error {
	path := "/channels/" + url.PathEscape(channelID) + "/messages"
	return g.do(ctx, http.MethodPost, path, map[string]string{"content": content}, nil)
}

func (g *ChatBridgeGateway) GetOrCreateChannel(ctx context.Context, name, categoryID string) (string, error) {
	var out struct {
		ChannelID string `json:"channel_id"`
	}
	body := map[string]string{"name": name, "category_id": categoryID}
	if err := g.do(ctx, http.MethodPost, "/channels", body, &out); err != nil {
		return "", err
	}
	return out.ChannelID, nil
}

func (g *ChatBridgeGateway) RoleHolders(ctx context.Context, roleID string) ([]string, error) {
	var out struct {
		IdentityIDs []string `json:"identity_ids"`
	}
	path := "/roles/" + url.PathEscape(roleID) + "/members"
	if err := g.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.IdentityIDs, nil
}

func (g *ChatBridgeGateway) RecentRecords(ctx context.Context, limit int) ([]models.ChatRecord, error) {
	var out struct {
		Records []struct {
			ChatIdentityID string    `json:"chat_identity_id"`
			MembershipID   string    `json:"membership_id"`
			Email          string    `json:"email"`
			Text           string    `json:"text"`
			SeenAt         time.Time `json:"seen_at"`
		} `json:"records"`
	}
	if err := g.do(ctx, http.MethodGet, "/records/recent?limit="+strconv.Itoa(limit), nil, &out); err != nil {
		return nil, err
	}
	records := make([]models.ChatRecord, 0, len(out.Records))
	for _, r := range out.Records {
		records = append(records, models.ChatRecord{
			ChatIdentityID: r.ChatIdentityID,
			MembershipID:   r.MembershipID,
			Email:          r.Email,
			Text:           r.Text,
			SeenAt:         r.SeenAt,
		})
	}
	return records, nil
}
