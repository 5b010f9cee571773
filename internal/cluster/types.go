package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Tier is the category of a backing data store.
type Tier string

const (
	TierPrimary   Tier = "primary"
	TierReplica   Tier = "replica"
	TierWarehouse Tier = "warehouse"
)

// Tiers lists every known tier, most authoritative first.
var Tiers = []Tier{TierPrimary, TierReplica, TierWarehouse}

// ParseTier converts a configuration string into a Tier.
func ParseTier(s string) (Tier, error) {
	switch t := Tier(strings.ToLower(strings.TrimSpace(s))); t {
	case TierPrimary, TierReplica, TierWarehouse:
		return t, nil
	default:
		return "", fmt.Errorf("unknown tier %q", s)
	}
}

func (t Tier) Valid() bool {
	_, err := ParseTier(string(t))
	return err == nil
}

// BackendID uniquely names a backend within one router.
type BackendID string

// Backend describes one data store the router may select.
// Handle is owned by the caller; the router only hands it back.
type Backend struct {
	ID     BackendID `json:"id"`
	Tier   Tier      `json:"tier"`
	Handle any       `json:"-"`
}

// HealthState is the externally visible availability of a backend.
type HealthState string

const (
	HealthUp       HealthState = "up"
	HealthDegraded HealthState = "degraded"
	HealthDown     HealthState = "down"
)

var httpClient = &http.Client{Timeout: 5 * time.Second}

// GetJSON issues a GET and decodes a JSON response body into out.
// Any status >= 300 is returned as an error.
func GetJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
