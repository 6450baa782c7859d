package transport

import (
	"sync/atomic"

	"code.hybscloud.com/atomix"
	"github.com/juju/ratelimit"
)

// Valve meters the bytes a connection sends and receives. Sending is
// additionally limited by a token bucket: once it runs dry every exchange
// stops being write ready until it refills. One Valve may be shared by
// several connections to give them a common budget.
type Valve struct {
	// nil when sending is unlimited
	txtb atomic.Pointer[ratelimit.Bucket]

	// rx is what the peer sent us, tx is what we sent the peer

	rx atomix.Uint64
	tx atomix.Uint64
}

// MakeValve creates a Valve letting through txRate bytes per second, with
// bursts of up to one second's worth.
func MakeValve(txRate int64) *Valve {
	v := &Valve{}
	v.SetTxRate(txRate)
	return v
}

// UnlimitedValve never holds back a write.
func UnlimitedValve() *Valve { return &Valve{} }

// SetTxRate replaces the send limit. A rate of zero or less lifts it.
func (v *Valve) SetTxRate(rate int64) {
	if rate <= 0 {
		v.txtb.Store(nil)
		return
	}
	v.txtb.Store(ratelimit.NewBucketWithRate(float64(rate), rate))
}

// TxReady reports whether the bucket has any tokens left.
func (v *Valve) TxReady() bool {
	tb := v.txtb.Load()
	return tb == nil || tb.Available() > 0
}

// spend takes n tokens if they are there. A write already accepted is never
// refused; the bucket just runs dry and the next writes wait.
func (v *Valve) spend(n int) {
	if tb := v.txtb.Load(); tb != nil {
		tb.TakeAvailable(int64(n))
	}
}

func (v *Valve) AddRx(n int64) { v.rx.Add(uint64(n)) }
func (v *Valve) AddTx(n int64) { v.tx.Add(uint64(n)) }
func (v *Valve) GetRx() int64  { return int64(v.rx.Load()) }
func (v *Valve) GetTx() int64  { return int64(v.tx.Load()) }
