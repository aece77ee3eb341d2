package query

import (
	"fmt"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/skupperproject/flowcache/pkg/flowcache"
)

// RecordEnv is the environment expressions are evaluated against.
type RecordEnv struct {
	Switch   string   `expr:"switch"`
	Cookie   uint64   `expr:"cookie"`
	Priority int      `expr:"priority"`
	Status   string   `expr:"status"`
	HasPath  bool     `expr:"has_path"`
	PathID   int      `expr:"path_id"`
	Actions  []string `expr:"actions"`
	// Age is the number of seconds since the record was last updated.
	Age float64 `expr:"age"`

	// Unset match fields hold their zero value.
	Match struct {
		InPort      int    `expr:"in_port"`
		EthSrc      string `expr:"dl_src"`
		EthDst      string `expr:"dl_dst"`
		EthType     int    `expr:"dl_type"`
		EthTypeName string `expr:"dl_type_name"`
		VLAN        int    `expr:"dl_vlan"`
		IPSrc       string `expr:"nw_src"`
		IPDst       string `expr:"nw_dst"`
		IPProto     int    `expr:"nw_proto"`
		IPProtoName string `expr:"nw_proto_name"`
		TPSrc       int    `expr:"tp_src"`
		TPDst       int    `expr:"tp_dst"`
		Wildcard    bool   `expr:"wildcard"`
	} `expr:"match"`
}

func newRecordEnv(r flowcache.Record, now time.Time) RecordEnv {
	env := RecordEnv{
		Switch:   r.Switch.String(),
		Cookie:   r.Cookie,
		Priority: int(r.Priority),
		Status:   r.Status.String(),
		Actions:  make([]string, len(r.Actions)),
		Age:      now.Sub(r.Timestamp).Seconds(),
	}
	if r.PathID != nil {
		env.HasPath = true
		env.PathID = int(*r.PathID)
	}
	for i, a := range r.Actions {
		env.Actions[i] = a.String()
	}
	m := r.Match
	env.Match.Wildcard = m.IsWildcard()
	if m.Has(flowcache.FieldInPort) {
		env.Match.InPort = int(m.InPort)
	}
	if m.Has(flowcache.FieldEthSrc) {
		env.Match.EthSrc = m.EthSrc.String()
	}
	if m.Has(flowcache.FieldEthDst) {
		env.Match.EthDst = m.EthDst.String()
	}
	if m.Has(flowcache.FieldEthType) {
		env.Match.EthType = int(m.EthType)
		env.Match.EthTypeName = m.EthType.String()
	}
	if m.Has(flowcache.FieldVLAN) {
		env.Match.VLAN = int(m.VLAN)
	}
	if m.Has(flowcache.FieldIPSrc) {
		env.Match.IPSrc = m.IPSrc.String()
	}
	if m.Has(flowcache.FieldIPDst) {
		env.Match.IPDst = m.IPDst.String()
	}
	if m.Has(flowcache.FieldIPProto) {
		env.Match.IPProto = int(m.IPProto)
		env.Match.IPProtoName = m.IPProto.String()
	}
	if m.Has(flowcache.FieldTPSrc) {
		env.Match.TPSrc = int(m.TPSrc)
	}
	if m.Has(flowcache.FieldTPDst) {
		env.Match.TPDst = int(m.TPDst)
	}
	return env
}

// CompileExpression checks that s is a valid boolean record expression.
func CompileExpression(s string) (*vm.Program, error) {
	program, err := expr.Compile(s, expr.Env(RecordEnv{}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("%w: expression %q: %s", flowcache.ErrInvalidArgument, s, err)
	}
	return program, nil
}

// filter is the compiled form of the predicates in a Query.
type filter struct {
	q       Query
	program *vm.Program
}

func newFilter(q Query) (filter, error) {
	f := filter{q: q}
	if q.Match != nil {
		m := q.Match.Normalize()
		f.q.Match = &m
	}
	if q.Expression != "" {
		program, err := CompileExpression(q.Expression)
		if err != nil {
			return f, err
		}
		f.program = program
	}
	return f, nil
}

func (f filter) matches(r flowcache.Record, now time.Time) (bool, error) {
	q := f.q
	switch {
	case q.Switch != 0 && r.Switch != q.Switch:
		return false, nil
	case q.Cookie != nil && r.Cookie != *q.Cookie:
		return false, nil
	case q.Priority != nil && r.Priority != *q.Priority:
		return false, nil
	case q.Status != nil && r.Status != *q.Status:
		return false, nil
	case q.PathID != nil && (r.PathID == nil || *r.PathID != *q.PathID):
		return false, nil
	case q.Match != nil && !q.Match.Covers(r.Match):
		return false, nil
	case len(q.Actions) > 0 && !flowcache.ContainsActions(r.Actions, q.Actions):
		return false, nil
	}
	if f.program == nil {
		return true, nil
	}
	out, err := expr.Run(f.program, newRecordEnv(r, now))
	if err != nil {
		return false, fmt.Errorf("evaluating expression: %w", err)
	}
	ok, _ := out.(bool)
	return ok, nil
}
