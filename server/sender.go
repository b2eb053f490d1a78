package server

import (
	"context"
	"sync"

	"github.com/mbocsi/fieldhub/transport"
)

type sendJob struct {
	ctx    context.Context
	data   []byte
	result chan error
}

// connSender serializes writes to one connection so a slow link never
// blocks the bus or another device.
type connSender struct {
	adapter transport.Adapter
	address string

	jobs    chan sendJob
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

func newConnSender(a transport.Adapter, address string, queue int) *connSender {
	return &connSender{
		adapter: a,
		address: address,
		jobs:    make(chan sendJob, queue),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

func (s *connSender) run() {
	defer close(s.stopped)
	for {
		select {
		case <-s.done:
			for {
				select {
				case j := <-s.jobs:
					j.result <- transport.ErrClosed
				default:
					return
				}
			}
		case j := <-s.jobs:
			if err := j.ctx.Err(); err != nil {
				j.result <- err
				continue
			}
			j.result <- s.adapter.Send(j.ctx, s.address, j.data)
		}
	}
}

func (s *connSender) send(ctx context.Context, data []byte) error {
	j := sendJob{ctx: ctx, data: data, result: make(chan error, 1)}
	select {
	case <-s.done:
		return transport.ErrClosed
	default:
	}
	select {
	case s.jobs <- j:
	case <-s.done:
		return transport.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-j.result:
		return err
	case <-s.stopped:
		select {
		case err := <-j.result:
			return err
		default:
			return transport.ErrClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *connSender) close() {
	s.once.Do(func() { close(s.done) })
}
