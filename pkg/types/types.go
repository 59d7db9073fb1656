// Package types defines the closed set of record shapes shared across the
// analyzer: parsed router facts, runs, services, and DSCP allocations.
// Parsers and stores exchange these values directly; nothing here is
// represented as map[string]any.
package types

import "time"

// Router is immutable once loaded by the facts loader.
type Router struct {
	Name       string
	Role       string
	Location   string
	Interfaces []*Interface
	Routes     []*Route
	Rules      []*Rule
	IPTablesSave []byte
	IPSetSave    []byte
}

// Interface describes one network interface on a Router.
type Interface struct {
	Name      string
	Parent    string // for name@parent form
	Up        bool
	MTU       int
	MAC       string
	Addresses []*Address
}

// Address is one IP address assigned to an Interface.
type Address struct {
	IP        string
	Prefix    int
	Broadcast string
	Scope     string
	Secondary bool
	Family    string // "inet" or "inet6"
}

// Route is one parsed (but not reinterpreted) routing table entry.
//
// Raw preserves the verbatim line as collected, because routing_table_<t>
// sections carry vendor-specific syntax the loader never interprets beyond
// table tagging.
type Route struct {
	Table       string
	Destination string // CIDR, "default" normalized to 0.0.0.0/0
	Gateway     string
	Device      string
	Source      string
	Metric      int
	Protocol    string // kernel, unreachable, blackhole, prohibit, throw
	Raw         string
}

// Rule is one parsed policy routing rule.
type Rule struct {
	Priority int
	From     string
	To       string
	IIF      string
	OIF      string
	FWMark   string
	SPort    string
	DPort    string
	TOS      string
	Table    string
}

// ReservedRulePriorities are kernel default priorities never materialized.
var ReservedRulePriorities = map[int]bool{0: true, 32766: true, 32767: true}

// Protocol enumerates probe service protocols.
type Protocol string

const (
	ProtocolTCP Protocol = "tcp"
	ProtocolUDP Protocol = "udp"
)

// Service is one requested (port, protocol) to probe for a run.
type Service struct {
	Port     int
	Protocol Protocol
}

// Verdict is the per-service reachability outcome.
type Verdict string

const (
	VerdictPass    Verdict = "pass"
	VerdictBlocked Verdict = "blocked"
	VerdictUnreached Verdict = "not_reached"
)

// ServiceResult is the analyzed outcome of one probed service.
type ServiceResult struct {
	Service   Service
	Verdict   Verdict
	BlockedAt string // router short name, if Verdict == blocked
	Rule      string // matching iptables rule text, if blocked
	Hops      []HopCounter
}

// HopCounter is the per-hop packet-count delta observed for one service.
type HopCounter struct {
	Router      string
	Chain       string
	AcceptDelta int64
	DropDelta   int64
}

// RunState is a run's position in its monotonic state machine.
type RunState string

const (
	RunQueued    RunState = "queued"
	RunRunning   RunState = "running"
	RunSucceeded RunState = "succeeded"
	RunFailed    RunState = "failed"
	RunCancelled RunState = "cancelled"
)

// Phase names a step of the Executor pipeline, in declared order.
type Phase string

const (
	PhaseTrace         Phase = "TRACE"
	PhaseSetupHosts    Phase = "SETUP_HOSTS"
	PhaseStartServices Phase = "START_SERVICES"
	PhaseProbe         Phase = "PROBE"
	PhaseAnalyze       Phase = "ANALYZE"
	PhaseRenderPDF     Phase = "RENDER_PDF"
	PhaseCleanup       Phase = "CLEANUP"
	PhaseDone          Phase = "DONE"
)

// PhaseOrder is the declared ordering used to validate progress event
// sequences.
var PhaseOrder = []Phase{
	PhaseTrace, PhaseSetupHosts, PhaseStartServices, PhaseProbe,
	PhaseAnalyze, PhaseRenderPDF, PhaseCleanup, PhaseDone,
}

// Hop is one router traversed by a computed or user-supplied trace.
type Hop struct {
	Router  string
	InIface string
	OutIface string
}

// Run is one submitted reachability analysis job.
type Run struct {
	ID          string
	Owner       string // session user
	Source      string
	Destination string
	Services    []Service
	UserTrace   []Hop // optional, user-supplied
	DSCP        int   // -1 when unallocated
	State       RunState
	Results     []ServiceResult
	FailPhase   Phase
	FailReason  string
	CreatedAt   time.Time
	FinishedAt  time.Time
	ProgressPath string
	ResultPath   string
	PDFPath      string
	TracePath    string
}

// ProgressEvent is one append-only record in a run's progress log.
type ProgressEvent struct {
	Seq       int64
	Phase     Phase
	Message   string
	Timestamp time.Time
}

// DSCPAllocation records ownership of one DSCP code point.
type DSCPAllocation struct {
	Code       int
	RunID      string
	OwnerPID   int
	AcquiredAt time.Time
}

// OwnerTag identifies the process that created a Registry record, used by
// the Reconciler to detect resources abandoned by a dead owner.
type OwnerTag struct {
	Kind string // "executor", "scheduler"
	PID  int
}

// HostRecord is a dynamic host entry in the Registry.
type HostRecord struct {
	Name      string
	AddrCIDR  string
	Router    string // router/bridge this host attaches to
	CreatedBy OwnerTag
}

// ServiceRecord is a running probe-target listener entry in the Registry.
type ServiceRecord struct {
	Namespace string
	Name      string
	IP        string
	Port      int
	Protocol  Protocol
	CreatedBy OwnerTag
}

// BridgeRecord is one hidden-mesh bridge entry in the Registry.
type BridgeRecord struct {
	Name    string
	Subnet  string
	Prefix  int
	Created bool
	Members []string
}
