package recording

import (
	"io"
	"sort"
)

// Assembler writes chunks to out in sequence order. Out-of-order chunks
// are held until the gap fills or more than maxPending are waiting, in
// which case the missing sequence is skipped.
type Assembler struct {
	out        io.Writer
	maxPending int
	next       uint64
	pending    map[uint64][]byte
	written    int64
	gaps       int
}

func NewAssembler(out io.Writer, maxPending int) *Assembler {
	if maxPending <= 0 {
		maxPending = 32
	}
	return &Assembler{out: out, maxPending: maxPending, pending: make(map[uint64][]byte)}
}

// Add accepts one chunk. A nil sequence is appended in arrival order.
func (a *Assembler) Add(seq *uint64, payload []byte) error {
	if seq == nil {
		return a.write(payload)
	}
	if *seq < a.next {
		// duplicate or too late
		return nil
	}
	a.pending[*seq] = payload
	if err := a.drain(); err != nil {
		return err
	}
	for len(a.pending) > a.maxPending {
		a.next = a.lowest()
		a.gaps++
		if err := a.drain(); err != nil {
			return err
		}
	}
	return nil
}

// Finish writes whatever is still pending, skipping gaps.
func (a *Assembler) Finish() error {
	keys := make([]uint64, 0, len(a.pending))
	for k := range a.pending {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	for _, k := range keys {
		if k != a.next {
			a.gaps++
		}
		if err := a.write(a.pending[k]); err != nil {
			return err
		}
		delete(a.pending, k)
		a.next = k + 1
	}
	return nil
}

func (a *Assembler) Written() int64 { return a.written }

func (a *Assembler) Gaps() int { return a.gaps }

func (a *Assembler) drain() error {
	for {
		payload, ok := a.pending[a.next]
		if !ok {
			return nil
		}
		delete(a.pending, a.next)
		a.next++
		if err := a.write(payload); err != nil {
			return err
		}
	}
}

func (a *Assembler) lowest() uint64 {
	first := true
	var low uint64
	for k := range a.pending {
		if first || k < low {
			low = k
			first = false
		}
	}
	return low
}

func (a *Assembler) write(p []byte) error {
	n, err := a.out.Write(p)
	a.written += int64(n)
	return err
}
