// Package spam screens submissions before they reach the pipeline.
package spam

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ErrBlocked is returned for every blocked submission. Callers surface it
// with one generic message regardless of which rule matched.
var ErrBlocked = errors.New("address or submission blocked")

// TrapFields are decoy input names a legitimate client never populates.
var TrapFields = []string{"summary", "age", "lastname", "address", "zip"}

const blocklistKey = "murmur:blocklist"

// ReputationChecker consults a spam-reputation database for an address.
type ReputationChecker interface {
	CheckAddress(ctx context.Context, ip string) (bool, error)
}

// Request carries the inputs the gate inspects.
type Request struct {
	IP   string
	Mode string            // transport mode of this request: "api" or "form"
	Trap map[string]string // submitted values for the trap field names
}

// Gate applies the screening rules in order, short-circuiting on the
// first match.
type Gate struct {
	client    *redis.Client
	checker   ReputationChecker
	mode      string // which request modes run the reputation check
	database  string // "local" or "remote"
	blocklist []string
	log       zerolog.Logger
}

func NewGate(client *redis.Client, checker ReputationChecker, mode, database string, blocklist []string, log zerolog.Logger) *Gate {
	return &Gate{
		client:    client,
		checker:   checker,
		mode:      mode,
		database:  database,
		blocklist: blocklist,
		log:       log,
	}
}

// Check returns nil for a clean request, ErrBlocked when any rule
// matches, or a transport error when a reputation lookup fails. The
// reputation service's internals are never reflected to the client.
func (g *Gate) Check(ctx context.Context, req Request) error {
	for _, name := range TrapFields {
		if req.Trap[name] != "" {
			g.log.Info().Str("field", name).Str("ip", req.IP).Msg("trap field filled")
			return ErrBlocked
		}
	}

	for _, blocked := range g.blocklist {
		if blocked == req.IP {
			g.log.Info().Str("ip", req.IP).Msg("configured blocklist match")
			return ErrBlocked
		}
	}

	if g.mode != "both" && g.mode != req.Mode {
		return nil
	}

	switch g.database {
	case "remote":
		if g.checker == nil {
			return nil
		}
		listed, err := g.checker.CheckAddress(ctx, req.IP)
		if err != nil {
			return fmt.Errorf("reputation check: %w", err)
		}
		if listed {
			g.log.Info().Str("ip", req.IP).Msg("remote reputation match")
			return ErrBlocked
		}
	default:
		listed, err := g.checkLocal(ctx, req.IP)
		if err != nil {
			return fmt.Errorf("local blocklist check: %w", err)
		}
		if listed {
			g.log.Info().Str("ip", req.IP).Msg("local blocklist match")
			return ErrBlocked
		}
	}

	return nil
}

func (g *Gate) checkLocal(ctx context.Context, ip string) (bool, error) {
	if g.client == nil || ip == "" {
		return false, nil
	}
	return g.client.SIsMember(ctx, blocklistKey, ip).Result()
}

// BlockAddress adds an address to the locally maintained blocklist.
func (g *Gate) BlockAddress(ctx context.Context, ip string) error {
	if err := g.client.SAdd(ctx, blocklistKey, ip).Err(); err != nil {
		return fmt.Errorf("block address: %w", err)
	}
	return nil
}

// UnblockAddress removes an address from the locally maintained blocklist.
func (g *Gate) UnblockAddress(ctx context.Context, ip string) error {
	if err := g.client.SRem(ctx, blocklistKey, ip).Err(); err != nil {
		return fmt.Errorf("unblock address: %w", err)
	}
	return nil
}

// HTTPChecker queries a remote reputation endpoint. The endpoint receives
// the address as a query parameter and answers {"blocked": bool}.
type HTTPChecker struct {
	endpoint string
	client   *http.Client
}

func NewHTTPChecker(endpoint string) *HTTPChecker {
	return &HTTPChecker{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *HTTPChecker) CheckAddress(ctx context.Context, ip string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.endpoint+"?ip="+url.QueryEscape(ip), nil)
	if err != nil {
		return false, fmt.Errorf("build reputation request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("query reputation service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("reputation service returned %d", resp.StatusCode)
	}

	var payload struct {
		Blocked bool `json:"blocked"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return false, fmt.Errorf("decode reputation response: %w", err)
	}
	return payload.Blocked, nil
}
