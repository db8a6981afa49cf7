package netctl

import (
	"bytes"
	"net/netip"
	"os"
	"testing"

	"github.com/google/nftables/expr"
	"golang.org/x/sys/unix"
)

func TestOifnameExprPadsToIFNAMSIZ(t *testing.T) {
	exprs := oifnameExpr("veth-abc123")

	meta, ok := exprs[0].(*expr.Meta)
	if !ok || meta.Key != expr.MetaKeyOIFNAME {
		t.Fatalf("exprs[0] = %#v, want a MetaKeyOIFNAME meta expression", exprs[0])
	}

	cmp, ok := exprs[1].(*expr.Cmp)
	if !ok {
		t.Fatalf("exprs[1] = %#v, want *expr.Cmp", exprs[1])
	}
	if len(cmp.Data) != unix.IFNAMSIZ {
		t.Fatalf("cmp.Data length = %d, want %d", len(cmp.Data), unix.IFNAMSIZ)
	}
	want := make([]byte, unix.IFNAMSIZ)
	copy(want, "veth-abc123\x00")
	if !bytes.Equal(cmp.Data, want) {
		t.Errorf("cmp.Data = %v, want %v", cmp.Data, want)
	}
}

func TestOifnameExprTruncatesNameLongerThanIFNAMSIZ(t *testing.T) {
	// veth names this long can't occur in practice (vethNames keeps
	// them to a short prefix plus at most 10 machine ID characters) but the padding must not
	// panic on oversized input.
	exprs := oifnameExpr("this-interface-name-is-far-too-long")
	cmp := exprs[1].(*expr.Cmp)
	if len(cmp.Data) != unix.IFNAMSIZ {
		t.Fatalf("cmp.Data length = %d, want %d", len(cmp.Data), unix.IFNAMSIZ)
	}
}

// TestFirewallLifecycle exercises Install/Remove/Close against a real
// nftables netlink socket. It requires CAP_NET_ADMIN (root, typically),
// which sandboxed test runners don't grant, so it self-skips rather than
// failing the suite.
func TestFirewallLifecycle(t *testing.T) {
	if os.Getuid() != 0 {
		t.Skip("requires CAP_NET_ADMIN to open an nftables netlink socket")
	}

	fw, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer fw.Close()

	sink := netip.MustParseAddr("10.0.0.53")
	if err := fw.Install("veth-test0", sink); err != nil {
		t.Fatalf("Install: %v", err)
	}
	if err := fw.Install("veth-test0", sink); err == nil {
		t.Error("expected second Install for the same veth to fail")
	}
	if err := fw.Remove("veth-test0"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := fw.Remove("veth-test0"); err != nil {
		t.Errorf("Remove should be idempotent, got: %v", err)
	}
}
