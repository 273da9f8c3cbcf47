package writer

import (
	"time"

	"github.com/cartridge/reverb/internal/chunker"
	"github.com/cartridge/reverb/internal/wire"
	"github.com/cartridge/reverb/internal/xerrors"
)

// run owns the insert stream for the writer's lifetime, reconnecting with
// exponential backoff on transient failures.
func (w *Writer) run() {
	defer w.wg.Done()

	backoff := backoffInitial
	for {
		if w.ctx.Err() != nil {
			return
		}
		stream, err := w.opener(w.ctx)
		if err != nil {
			if w.ctx.Err() != nil {
				return
			}
			if xerrors.IsTransient(xerrors.FromStatus(err)) {
				w.log.Warn().Err(err).Dur("backoff", backoff).Msg("insert stream open failed, retrying")
				if !w.sleep(backoff) {
					return
				}
				backoff = nextBackoff(backoff)
				continue
			}
			w.fail(xerrors.FromStatus(err))
			return
		}
		backoff = backoffInitial

		err = w.runStream(stream)
		if err == nil || w.ctx.Err() != nil {
			return
		}
		cause := xerrors.FromStatus(err)
		if xerrors.IsTransient(cause) {
			w.log.Warn().Err(cause).Dur("backoff", backoff).Msg("insert stream broke, reconnecting")
			w.requeueSent()
			if !w.sleep(backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}
		w.fail(cause)
		return
	}
}

// runStream pumps items onto one stream until it breaks or the writer
// closes. It returns nil only on writer shutdown.
func (w *Writer) runStream(stream wire.InsertStreamClient) error {
	recvErr := make(chan error, 1)
	go func() {
		for {
			resp, err := stream.Recv()
			if err != nil {
				recvErr <- err
				return
			}
			w.confirm(resp.ConfirmedKeys)
		}
	}()

	// Chunk keys already transmitted on this stream; never re-sent.
	sent := make(map[uint64]bool)
	for {
		pi := w.popResend()
		if pi == nil {
			select {
			case <-w.ctx.Done():
				_ = stream.CloseSend()
				return nil
			case err := <-recvErr:
				return err
			case pi = <-w.queue:
			}
		}

		req := w.buildRequest(pi, sent)
		if err := stream.Send(req); err != nil {
			// The send may or may not have reached the server; treat it as
			// sent so the reconnect path re-offers it. Re-inserting an item
			// key is an assign server-side. The real status surfaces on
			// Recv.
			w.markSent(pi)
			select {
			case rerr := <-recvErr:
				return rerr
			case <-w.ctx.Done():
				return nil
			}
		}
		for _, cd := range req.Chunks {
			sent[cd.Key] = true
		}
		w.markSent(pi)
	}
}

func (w *Writer) buildRequest(pi *pendingItem, sent map[uint64]bool) *wire.InsertRequest {
	req := &wire.InsertRequest{Item: pi.item, SendConfirmation: true}
	for key, chunk := range pi.chunks {
		if !sent[key] {
			req.Chunks = append(req.Chunks, wire.ChunkToWire(chunk))
		}
	}
	req.KeepChunkKeys = w.keepChunkKeys()
	return req
}

// keepChunkKeys is the retention set the server must hold for this stream:
// every chunk still referenced by an unconfirmed item plus the columns'
// keep-alive windows.
func (w *Writer) keepChunkKeys() []uint64 {
	keep := make(map[uint64]bool)

	w.mu.Lock()
	cols := append([]*chunker.Chunker(nil), w.columns...)
	for _, key := range w.order {
		for chunkKey := range w.unconfirmed[key].chunks {
			keep[chunkKey] = true
		}
	}
	w.mu.Unlock()

	for _, col := range cols {
		for _, key := range col.KeepAliveChunkKeys() {
			keep[key] = true
		}
	}

	out := make([]uint64, 0, len(keep))
	for key := range keep {
		out = append(out, key)
	}
	return out
}

func (w *Writer) confirm(confirmedKeys []uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	confirmed := make(map[uint64]bool, len(confirmedKeys))
	for _, key := range confirmedKeys {
		if _, ok := w.unconfirmed[key]; !ok {
			continue
		}
		delete(w.unconfirmed, key)
		confirmed[key] = true
		w.outstanding--
		w.sem.Release(1)
	}
	if len(confirmed) == 0 {
		return
	}
	order := w.order[:0]
	for _, key := range w.order {
		if !confirmed[key] {
			order = append(order, key)
		}
	}
	w.order = order
	w.cond.Broadcast()
}

// requeueSent moves every sent-but-unconfirmed item back onto the resend
// list, preserving creation order. Items still queued keep their place
// behind them.
func (w *Writer) requeueSent() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.resend = w.resend[:0]
	for _, key := range w.order {
		if pi := w.unconfirmed[key]; pi.sent {
			pi.sent = false
			w.resend = append(w.resend, pi)
		}
	}
}

func (w *Writer) popResend() *pendingItem {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.resend) == 0 {
		return nil
	}
	pi := w.resend[0]
	w.resend = w.resend[1:]
	return pi
}

func (w *Writer) markSent(pi *pendingItem) {
	w.mu.Lock()
	defer w.mu.Unlock()
	pi.sent = true
}

// fail records a terminal error, surfaces it to waiters and stops accepting
// work.
func (w *Writer) fail(err error) {
	w.mu.Lock()
	w.err = err
	w.cond.Broadcast()
	w.mu.Unlock()
	w.cancel()
	w.log.Error().Err(err).Msg("insert stream failed terminally")
}

// sleep waits for d on the injected clock; false means the writer closed.
func (w *Writer) sleep(d time.Duration) bool {
	timer := w.clk.Timer(d)
	defer timer.Stop()
	select {
	case <-w.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > backoffMax {
		d = backoffMax
	}
	return d
}
