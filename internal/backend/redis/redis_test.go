package redis

import (
	"encoding/json"
	"testing"

	"github.com/quotagate/quotagate/internal/backend"
)

func TestKeyNamingUsesConfiguredPrefix(t *testing.T) {
	b := &Backend{cfg: Config{KeyPrefix: "myapp"}.withDefaults()}
	if got := b.instancesKey(); got != "myapp:instances" {
		t.Fatalf("instancesKey = %q", got)
	}
	if got := b.allocationsKey(); got != "myapp:allocations" {
		t.Fatalf("allocationsKey = %q", got)
	}
	if got := b.inflightKey("gpt-4", "chat"); got != "myapp:inflight:gpt-4:chat" {
		t.Fatalf("inflightKey = %q", got)
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	if cfg.KeyPrefix != "quotagate" {
		t.Fatalf("prefix = %q, want quotagate", cfg.KeyPrefix)
	}
	if cfg.HeartbeatIntervalMs != 5000 || cfg.InstanceTimeoutMs != 30000 || cfg.ReapIntervalMs != 10000 {
		t.Fatalf("unexpected default timings: %+v", cfg)
	}
}

func TestModelPoolWireFormatRoundTrips(t *testing.T) {
	slots := int64(10)
	pools := map[string]backend.ModelPool{
		"gpt-4": {Slots: &slots},
	}
	data, err := json.Marshal(pools)
	if err != nil {
		t.Fatal(err)
	}
	var out map[string]backend.ModelPool
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	if out["gpt-4"].Slots == nil || *out["gpt-4"].Slots != 10 {
		t.Fatalf("round trip mismatch: %+v", out)
	}
}
