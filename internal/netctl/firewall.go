// Package netctl owns the host firewall lifecycle spec.md §2 step 4
// requires: egress DROP by default on every container's veth, with an
// explicit allow-list for DNAT reply traffic and the declared log sink.
// It is deliberately the only component that touches nftables state, so
// Controller can install/remove rules without any other package needing
// to know the table/chain layout.
package netctl

import (
	"fmt"
	"net/netip"
	"sync"

	"github.com/google/nftables"
	"github.com/google/nftables/expr"
	"golang.org/x/sys/unix"
)

const (
	tableName = "miel"
	chainName = "egress"
)

// Firewall installs and tears down per-veth egress rules in a single
// nftables table shared by every service's containers.
type Firewall struct {
	mu    sync.Mutex
	conn  *nftables.Conn
	table *nftables.Table
	chain *nftables.Chain

	// rules tracks the handles installed for each veth so Remove can
	// delete exactly what Install added, nothing more.
	rules map[string][]*nftables.Rule
}

// New opens a netlink connection to the kernel's nftables subsystem and
// ensures the miel/egress table and base chain exist. It does not
// require the caller to run as root itself, but the underlying netlink
// socket does (CAP_NET_ADMIN).
func New() (*Firewall, error) {
	conn, err := nftables.New()
	if err != nil {
		return nil, fmt.Errorf("netctl: connect to nftables: %w", err)
	}

	table := conn.AddTable(&nftables.Table{
		Name:   tableName,
		Family: nftables.TableFamilyIPv4,
	})

	chain := conn.AddChain(&nftables.Chain{
		Name:     chainName,
		Table:    table,
		Type:     nftables.ChainTypeFilter,
		Hooknum:  nftables.ChainHookForward,
		Priority: nftables.ChainPriorityFilter,
	})

	if err := conn.Flush(); err != nil {
		return nil, fmt.Errorf("netctl: create table/chain: %w", err)
	}

	return &Firewall{
		conn:  conn,
		table: table,
		chain: chain,
		rules: make(map[string][]*nftables.Rule),
	}, nil
}

// Install adds the egress-DROP-by-default rule set for one container's
// host-side veth: established/related connections pass (DNAT replies to
// the attacker), traffic to logSink passes (so the container can reach
// wherever transcripts/pcaps are shipped), everything else is dropped.
// Rules are evaluated in the order added, so the drop is appended last.
func (f *Firewall) Install(vethName string, logSink netip.Addr) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, exists := f.rules[vethName]; exists {
		return fmt.Errorf("netctl: veth %s already has installed rules", vethName)
	}

	var installed []*nftables.Rule

	established := f.conn.AddRule(&nftables.Rule{
		Table: f.table,
		Chain: f.chain,
		Exprs: []expr.Any{
			oifnameExpr(vethName)[0],
			oifnameExpr(vethName)[1],
			&expr.Ct{Key: expr.CtKeySTATE, Register: 2},
			&expr.Bitwise{
				SourceRegister: 2,
				DestRegister:   2,
				Len:            4,
				Mask:           []byte{0x06, 0x00, 0x00, 0x00}, // ESTABLISHED|RELATED
				Xor:            []byte{0x00, 0x00, 0x00, 0x00},
			},
			&expr.Cmp{
				Op:       expr.CmpOpNeq,
				Register: 2,
				Data:     []byte{0x00, 0x00, 0x00, 0x00},
			},
			&expr.Verdict{Kind: expr.VerdictAccept},
		},
	})
	installed = append(installed, established)

	if logSink.IsValid() && logSink.Is4() {
		addr := logSink.As4()
		logSinkRule := f.conn.AddRule(&nftables.Rule{
			Table: f.table,
			Chain: f.chain,
			Exprs: []expr.Any{
				oifnameExpr(vethName)[0],
				oifnameExpr(vethName)[1],
				&expr.Payload{
					DestRegister: 2,
					Base:         expr.PayloadBaseNetworkHeader,
					Offset:       16, // IPv4 destination address
					Len:          4,
				},
				&expr.Cmp{
					Op:       expr.CmpOpEq,
					Register: 2,
					Data:     addr[:],
				},
				&expr.Verdict{Kind: expr.VerdictAccept},
			},
		})
		installed = append(installed, logSinkRule)
	}

	drop := f.conn.AddRule(&nftables.Rule{
		Table: f.table,
		Chain: f.chain,
		Exprs: []expr.Any{
			oifnameExpr(vethName)[0],
			oifnameExpr(vethName)[1],
			&expr.Verdict{Kind: expr.VerdictDrop},
		},
	})
	installed = append(installed, drop)

	if err := f.conn.Flush(); err != nil {
		return fmt.Errorf("netctl: install egress rules for %s: %w", vethName, err)
	}

	f.rules[vethName] = installed
	return nil
}

// Remove deletes the rule set previously installed for vethName. It is
// idempotent: removing a veth with no installed rules is a no-op, which
// matters when Pool's Destroy path races Controller's own cleanup sweep.
func (f *Firewall) Remove(vethName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	rules, ok := f.rules[vethName]
	if !ok {
		return nil
	}
	for _, r := range rules {
		if err := f.conn.DelRule(r); err != nil {
			return fmt.Errorf("netctl: delete rule for %s: %w", vethName, err)
		}
	}
	if err := f.conn.Flush(); err != nil {
		return fmt.Errorf("netctl: flush rule removal for %s: %w", vethName, err)
	}
	delete(f.rules, vethName)
	return nil
}

// Close tears down the entire miel table, removing every rule this
// process installed. Controller calls this once during shutdown, after
// every Session has drained and every container has been destroyed.
func (f *Firewall) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.conn.DelTable(f.table)
	if err := f.conn.Flush(); err != nil {
		return fmt.Errorf("netctl: remove table: %w", err)
	}
	f.rules = make(map[string][]*nftables.Rule)
	return nil
}

// oifnameExpr returns the meta+cmp expression pair that matches packets
// leaving via the named interface, padded to IFNAMSIZ the way the
// kernel's netlink attribute expects.
func oifnameExpr(name string) [2]expr.Any {
	padded := make([]byte, unix.IFNAMSIZ)
	copy(padded, name+"\x00")
	return [2]expr.Any{
		&expr.Meta{Key: expr.MetaKeyOIFNAME, Register: 1},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: padded},
	}
}
