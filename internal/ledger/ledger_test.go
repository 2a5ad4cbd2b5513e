package ledger

import (
	"errors"
	"testing"
)

func TestCheckOwner(t *testing.T) {
	m := Mutation{UserID: "alice", RequestID: "k1", Kind: KindAI, Qty: 1, Effect: EffectDebit}
	if err := CheckOwner(nil, m); err != nil {
		t.Fatalf("nil event: %v", err)
	}
	if err := CheckOwner(&UsageEvent{UserID: "alice"}, m); err != nil {
		t.Fatalf("own event: %v", err)
	}
	if err := CheckOwner(&UsageEvent{UserID: "bob"}, m); !errors.Is(err, ErrRequestConflict) {
		t.Fatalf("expected ErrRequestConflict, got %v", err)
	}
}

func TestLikePrefix(t *testing.T) {
	cases := map[string]string{
		"session:u/s1:": "session:u/s1:%",
		"s_1%":          `s\_1\%%`,
		`a\b`:           `a\\b%`,
	}
	for in, want := range cases {
		if got := LikePrefix(in); got != want {
			t.Fatalf("LikePrefix(%q) = %q, want %q", in, got, want)
		}
	}
}
