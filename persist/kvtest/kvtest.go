// Package kvtest holds a contract test that every persist.KV implementation must pass.
package kvtest

import (
	"context"
	"testing"

	"github.com/johnsiilver/asxwatch/persist"
)

// Run exercises kv. kv must start without the keys "kvtest-a" and "kvtest-b".
func Run(t *testing.T, kv persist.KV) {
	t.Helper()
	ctx := context.Background()

	if _, ok, err := kv.Get(ctx, "kvtest-a"); err != nil || ok {
		t.Fatalf("Get(missing): got ok == %v, err == %v, want false, nil", ok, err)
	}

	if err := kv.Set(ctx, "kvtest-a", `["CBA"]`); err != nil {
		t.Fatalf("Set(): got err == %s", err)
	}
	if err := kv.Set(ctx, "kvtest-b", "other"); err != nil {
		t.Fatalf("Set(): got err == %s", err)
	}
	if err := kv.Set(ctx, "kvtest-a", `["CBA","BHP"]`); err != nil {
		t.Fatalf("Set(overwrite): got err == %s", err)
	}

	v, ok, err := kv.Get(ctx, "kvtest-a")
	if err != nil || !ok || v != `["CBA","BHP"]` {
		t.Errorf("Get(): got %q, %v, %v, want %q, true, nil", v, ok, err, `["CBA","BHP"]`)
	}

	if err := kv.Remove(ctx, "kvtest-a"); err != nil {
		t.Fatalf("Remove(): got err == %s", err)
	}
	if err := kv.Remove(ctx, "kvtest-a"); err != nil {
		t.Errorf("Remove(missing): got err == %s, want nil", err)
	}
	if _, ok, _ := kv.Get(ctx, "kvtest-a"); ok {
		t.Errorf("Get(after remove): key still exists")
	}
	if v, ok, _ := kv.Get(ctx, "kvtest-b"); !ok || v != "other" {
		t.Errorf("Get(kvtest-b): got %q, %v, want %q, true", v, ok, "other")
	}
	kv.Remove(ctx, "kvtest-b")

	// The Set wrapper must round trip through the backend.
	s := persist.NewSet(kv)
	s.Save(ctx, "kvtest-a", []string{"CBA", "WTC"})
	got := s.Load(ctx, "kvtest-a")
	if len(got) != 2 || got[0] != "CBA" || got[1] != "WTC" {
		t.Errorf("Set.Load(): got %v, want [CBA WTC]", got)
	}
	kv.Remove(ctx, "kvtest-a")
}
