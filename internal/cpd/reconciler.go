package cpd

import (
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/zsiec/vidclock/internal/h264"
)

// Result is the outcome of reconciling one access unit.
type Result struct {
	// NALUs are the units to emit, in original order, parameter sets removed.
	NALUs []h264.NALU
	// Changed is set when the CPD was replaced or filled in, so it must be
	// emitted again ahead of this unit.
	Changed bool

	Duplicates int // bitstream parameter sets equal to the CPD
	Mismatches int // bitstream parameter sets that differed from the CPD
	Dropped    int // units outside the accepted set
}

// Reconciler owns a session's CPD and filters access units against it.
// It is not safe for concurrent use.
type Reconciler struct {
	log    *slog.Logger
	policy Policy
	cpd    *Set
	warn   rate.Sometimes
}

// NewReconciler returns a Reconciler that maintains set, normally seeded
// from extradata and owned by the session. If log is nil, slog.Default()
// is used.
func NewReconciler(set *Set, policy Policy, log *slog.Logger) *Reconciler {
	if log == nil {
		log = slog.Default()
	}
	return &Reconciler{
		log:    log.With("component", "cpd", "policy", policy.String()),
		policy: policy,
		cpd:    set,
		warn:   rate.Sometimes{First: 5, Interval: 10 * time.Second},
	}
}

// CPD returns the current parameter sets.
func (r *Reconciler) CPD() *Set {
	return r.cpd
}

// Policy returns the configured policy.
func (r *Reconciler) Policy() Policy {
	return r.policy
}

// Reconcile applies the policy to the parameter sets in nalus and drops
// every unit that is not AUD, SEI, IDR or non-IDR slice data.
func (r *Reconciler) Reconcile(nalus []h264.NALU) Result {
	var res Result
	res.NALUs = make([]h264.NALU, 0, len(nalus))

	for _, n := range nalus {
		switch n.Type {
		case h264.KindSPS, h264.KindPPS:
			r.reconcileParameterSet(n, &res)
		case h264.KindAUD, h264.KindSEI, h264.KindIDR, h264.KindNIDR:
			res.NALUs = append(res.NALUs, n)
		default:
			res.Dropped++
			r.warn.Do(func() {
				r.log.Warn("dropping unsupported NAL unit", "type", n.RawType(), "size", len(n.Payload))
			})
		}
	}
	return res
}

func (r *Reconciler) reconcileParameterSet(n h264.NALU, res *Result) {
	cur, ok := r.cpd.Get(n.Type)
	switch {
	case !ok:
		r.cpd.Put(n)
		res.Changed = true
		r.log.Info("adopted parameter set from bitstream", "type", n.Type.String(), "size", len(n.Payload))
	case cur.Equal(n):
		res.Duplicates++
	case r.policy == BitstreamCanonical:
		r.cpd.Put(n)
		res.Changed = true
		res.Mismatches++
		r.log.Warn("replaced CPD entry with bitstream version",
			"type", n.Type.String(), "cpd_size", len(cur.Payload), "bitstream_size", len(n.Payload))
	default:
		res.Mismatches++
		r.warn.Do(func() {
			r.log.Warn("bitstream parameter set differs from CPD, keeping CPD",
				"type", n.Type.String(), "cpd_size", len(cur.Payload), "bitstream_size", len(n.Payload))
		})
	}
}
