package runtime

import (
	"errors"
	"testing"
)

func TestHeadersOrderAndCasePreservation(t *testing.T) {
	var h Headers
	if err := h.Set("X-First", "1"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := h.Set("Authorization", "Bearer t"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := h.Set("x-first", "replaced"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	var keys []string
	h.Range(func(key, value string) bool {
		keys = append(keys, key)
		return true
	})
	if len(keys) != 2 || keys[0] != "x-first" || keys[1] != "Authorization" {
		t.Errorf("header order = %v, want replacement in place", keys)
	}
	if v, ok := h.Get("X-FIRST"); !ok || v != "replaced" {
		t.Errorf("Get(X-FIRST) = %q, %v", v, ok)
	}
}

func TestHeadersRejectEmptyKey(t *testing.T) {
	var h Headers
	if err := h.Set("  ", "x"); !errors.Is(err, ErrEmptyHeaderKey) {
		t.Errorf("Set(empty) error = %v, want ErrEmptyHeaderKey", err)
	}
}

func TestStoreGlobalUpdateOutcome(t *testing.T) {
	store := NewStore(Args{Env: map[string]string{"KEEP": "1"}})

	tests := []struct {
		name   string
		update ArgsUpdate
		want   UpdateOutcome
	}{
		{
			name:   "header add",
			update: ArgsUpdate{SetHeaders: map[string]string{"X-New": "v"}},
			want:   UpdateOutcome{HeadersChanged: true},
		},
		{
			name:   "env change requires restart",
			update: ArgsUpdate{SetEnv: map[string]string{"API_KEY": "secret"}},
			want:   UpdateOutcome{RestartNeeded: true},
		},
		{
			name:   "env no-op",
			update: ArgsUpdate{SetEnv: map[string]string{"KEEP": "1"}},
			want:   UpdateOutcome{},
		},
		{
			name:   "args replacement requires restart",
			update: ArgsUpdate{ReplaceArgs: &[]string{"--verbose"}},
			want:   UpdateOutcome{RestartNeeded: true},
		},
		{
			name:   "header remove of unknown key is a no-op",
			update: ArgsUpdate{RemoveHeaders: []string{"Missing"}},
			want:   UpdateOutcome{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := store.UpdateGlobal(tt.update); got != tt.want {
				t.Errorf("UpdateGlobal() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestStoreSessionOverridesLayerOnGlobal(t *testing.T) {
	store := NewStore(Args{Headers: NewHeaders([2]string{"X-Env", "prod"})})

	store.UpdateSession("sess-1", ArgsUpdate{SetHeaders: map[string]string{"X-Env": "staging"}})

	if v, _ := store.GetEffective("sess-1").Headers.Get("X-Env"); v != "staging" {
		t.Errorf("session effective X-Env = %q, want staging", v)
	}
	if v, _ := store.GetEffective("").Headers.Get("X-Env"); v != "prod" {
		t.Errorf("global X-Env = %q, want prod untouched", v)
	}
	if v, _ := store.GetEffective("other").Headers.Get("X-Env"); v != "prod" {
		t.Errorf("unknown session X-Env = %q, want global fallback", v)
	}
}

func TestStoreSessionUpdatesAccumulate(t *testing.T) {
	store := NewStore(Args{})
	store.UpdateSession("s", ArgsUpdate{SetHeaders: map[string]string{"A": "1"}})
	store.UpdateSession("s", ArgsUpdate{SetHeaders: map[string]string{"B": "2"}})

	effective := store.GetEffective("s")
	if _, ok := effective.Headers.Get("A"); !ok {
		t.Error("first session delta was lost")
	}
	if _, ok := effective.Headers.Get("B"); !ok {
		t.Error("second session delta missing")
	}

	store.DropSession("s")
	if store.GetEffective("s").Headers.Len() != 0 {
		t.Error("dropped session still carries overrides")
	}
}

func TestDecodeUpdatePayload(t *testing.T) {
	update, err := DecodeUpdatePayload([]byte(`{"headers":{"X-A":"1"},"remove_env":["OLD"],"args":["--flag"]}`))
	if err != nil {
		t.Fatalf("DecodeUpdatePayload() error = %v", err)
	}
	if update.SetHeaders["X-A"] != "1" {
		t.Errorf("SetHeaders = %v", update.SetHeaders)
	}
	if update.ReplaceArgs == nil || (*update.ReplaceArgs)[0] != "--flag" {
		t.Errorf("ReplaceArgs = %v", update.ReplaceArgs)
	}

	if _, err := DecodeUpdatePayload([]byte(`{"headers":{"":"x"}}`)); !errors.Is(err, ErrEmptyHeaderKey) {
		t.Errorf("empty header key error = %v, want ErrEmptyHeaderKey", err)
	}
	if _, err := DecodeUpdatePayload([]byte(`nope`)); err == nil {
		t.Error("invalid JSON accepted")
	}
}
