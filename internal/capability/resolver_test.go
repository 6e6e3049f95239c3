package capability

import (
	"context"
	"testing"

	"storefront-sync/internal/models"
	"storefront-sync/internal/store/memory"
)

func TestResolve(t *testing.T) {
	mem := memory.New()
	mem.PutContract(models.PluginContract{
		PluginID: "shopify", Capability: "publish_product",
		Level: models.LevelNative, Description: "direct product API",
	})
	mem.PutContract(models.PluginContract{
		PluginID: "etsy", Capability: "publish_product",
		Level: models.LevelWorkaround, Description: "listing draft plus manual activation",
	})
	mem.PutContract(models.PluginContract{
		PluginID: "amazon", Capability: "publish_product",
		Level: models.LevelUnsupported, Description: "seller central only",
	})

	r := NewResolver(mem)
	ctx := context.Background()

	cases := []struct {
		platform string
		want     string
	}{
		{"shopify", models.LevelNative},
		{"etsy", models.LevelWorkaround},
		{"amazon", models.LevelUnsupported},
	}
	for _, tc := range cases {
		s, err := r.Resolve(ctx, tc.platform, "publish_product")
		if err != nil {
			t.Fatalf("resolve %s: %v", tc.platform, err)
		}
		if s.Level != tc.want {
			t.Fatalf("platform %s: expected %s, got %s", tc.platform, tc.want, s.Level)
		}
	}
}

func TestResolveFailsClosed(t *testing.T) {
	r := NewResolver(memory.New())

	// Unknown platform.
	s, err := r.Resolve(context.Background(), "no-such-platform", "publish_product")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if s.Level != models.LevelUnsupported {
		t.Fatalf("missing contract must resolve unsupported, got %s", s.Level)
	}

	// Known platform, undeclared capability.
	mem := memory.New()
	mem.PutContract(models.PluginContract{
		PluginID: "shopify", Capability: "publish_product", Level: models.LevelNative,
	})
	s, err = NewResolver(mem).Resolve(context.Background(), "shopify", "bulk_inventory_sync")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if s.Level != models.LevelUnsupported {
		t.Fatalf("undeclared capability must resolve unsupported, got %s", s.Level)
	}
}
