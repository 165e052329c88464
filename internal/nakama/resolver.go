package nakama

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/annel0/sector-sync/internal/auth"
)

// SectorMatchRPC: серверная функция, возвращающая матч сектора
const SectorMatchRPC = "get_sector_match_id"

var ErrNoMatch = errors.New("nakama: sector has no match")

// RPCMatchResolver находит матч сектора через RPC get_sector_match_id
type RPCMatchResolver struct {
	Client *Client
	RPCID  string
}

// NewMatchResolver создаёт резолвер поверх клиента
func NewMatchResolver(c *Client) *RPCMatchResolver {
	return &RPCMatchResolver{Client: c, RPCID: SectorMatchRPC}
}

// ResolveMatch возвращает идентификатор матча сектора zone
func (r *RPCMatchResolver) ResolveMatch(ctx context.Context, session *auth.Session, zone string) (string, error) {
	req, err := json.Marshal(map[string]string{"sector": zone})
	if err != nil {
		return "", err
	}

	id := r.RPCID
	if id == "" {
		id = SectorMatchRPC
	}
	payload, err := r.Client.RPC(ctx, session, id, string(req))
	if err != nil {
		return "", fmt.Errorf("resolve sector %q: %w", zone, err)
	}

	var resp struct {
		MatchID string `json:"match_id"`
	}
	if err := json.Unmarshal([]byte(payload), &resp); err != nil {
		return "", fmt.Errorf("resolve sector %q: decode: %w", zone, err)
	}
	if resp.MatchID == "" {
		return "", fmt.Errorf("%w: %s", ErrNoMatch, zone)
	}
	return resp.MatchID, nil
}
