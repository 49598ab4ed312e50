package kyc

import (
	"strings"
	"testing"

	"icreserve/crypto"
)

func account(b byte) string {
	raw := make([]byte, 20)
	raw[19] = b
	return crypto.NewAddress(crypto.AccountPrefix, raw).String()
}

func TestAllowlistApproveRevoke(t *testing.T) {
	alice := account(1)
	bob := account(2)
	list, err := NewAllowlist(Config{Approved: []string{" " + strings.ToUpper(alice) + " ", alice}})
	if err != nil {
		t.Fatalf("new allowlist: %v", err)
	}
	if !list.IsApproved(alice) {
		t.Fatalf("alice should be approved")
	}
	if list.IsApproved(bob) {
		t.Fatalf("bob should not be approved")
	}
	if err := list.Approve(bob); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if got := list.Approved(); len(got) != 2 {
		t.Fatalf("unexpected approved set %v", got)
	}
	if err := list.Revoke(alice); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if list.IsApproved(alice) {
		t.Fatalf("alice should be revoked")
	}
}

func TestAllowlistRejectsMalformedEntries(t *testing.T) {
	if _, err := NewAllowlist(Config{Approved: []string{"not-an-address"}}); err == nil {
		t.Fatalf("expected malformed entry rejection")
	}
	list, _ := NewAllowlist(Config{})
	if list.IsApproved("garbage") {
		t.Fatalf("garbage must never be approved")
	}
	if DenyAll.IsApproved(account(3)) {
		t.Fatalf("deny-all approved an account")
	}
}
