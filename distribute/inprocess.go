package distribute

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// KindInProcess is the registered kind of the in-process manager.
const KindInProcess = "IN_PROCESS"

func init() {
	RegisterManager(KindInProcess, newInProcessManager)
}

// inProcessManager runs every worker inside the coordinator's process.
//
// Each worker gets its own request channel drained by a fixed number of
// Goroutines; all replies funnel into a single answer channel that the
// caller drains in arrival order.
type inProcessManager struct {
	workers  []Worker
	requests []chan *workItem
	answers  chan *asyncAnswer

	// Next worker to receive an AnyWorker request.
	nextWorker int32

	wg       sync.WaitGroup
	doneOnce sync.Once
	doneErr  error
}

type workItem struct {
	req interface{}

	// Non-nil for blocking requests; the reply bypasses the shared
	// answer channel.
	reply chan *asyncAnswer
}

type asyncAnswer struct {
	workerIdx int
	payload   interface{}
	err       error
}

func newInProcessManager(cfg Config, workerName string, welcome interface{},
	parallelism int) (Manager, error) {
	m := &inProcessManager{
		workers:  make([]Worker, cfg.NumWorkers),
		requests: make([]chan *workItem, cfg.NumWorkers),
		// Large enough that a full broadcast's replies never block a
		// worker Goroutine.
		answers: make(chan *asyncAnswer, cfg.NumWorkers*parallelism*2),
	}
	for i := range m.workers {
		w, err := NewWorker(workerName)
		if err != nil {
			return nil, err
		}
		if err := w.Setup(i, cfg.NumWorkers, welcome); err != nil {
			return nil, fmt.Errorf("setup of worker #%d: %w", i, err)
		}
		m.workers[i] = w
		m.requests[i] = make(chan *workItem, parallelism*4)
	}
	for i := range m.workers {
		for j := 0; j < parallelism; j++ {
			m.wg.Add(1)
			go m.runWorker(i)
		}
	}
	return m, nil
}

func (m *inProcessManager) runWorker(workerIdx int) {
	defer m.wg.Done()
	w := m.workers[workerIdx]
	for item := range m.requests[workerIdx] {
		payload, err := w.RunRequest(item.req)
		ans := &asyncAnswer{workerIdx: workerIdx, payload: payload, err: err}
		if item.reply != nil {
			item.reply <- ans
		} else {
			m.answers <- ans
		}
	}
}

func (m *inProcessManager) BlockingRequest(req interface{},
	workerIdx int) (interface{}, error) {
	workerIdx = m.resolveWorker(workerIdx)
	if workerIdx < 0 || workerIdx >= len(m.workers) {
		return nil, fmt.Errorf("worker index %d out of range", workerIdx)
	}
	reply := make(chan *asyncAnswer, 1)
	m.requests[workerIdx] <- &workItem{req: req, reply: reply}
	ans := <-reply
	if ans.err != nil {
		return nil, ans.err
	}
	return ans.payload, nil
}

func (m *inProcessManager) AsynchronousRequest(req interface{},
	workerIdx int) error {
	workerIdx = m.resolveWorker(workerIdx)
	if workerIdx < 0 || workerIdx >= len(m.workers) {
		return fmt.Errorf("worker index %d out of range", workerIdx)
	}
	m.requests[workerIdx] <- &workItem{req: req}
	return nil
}

func (m *inProcessManager) NextAsynchronousAnswer() (*Answer, error) {
	ans, ok := <-m.answers
	if !ok {
		return nil, errors.New("manager is shut down")
	}
	if ans.err != nil {
		return nil, ans.err
	}
	return &Answer{WorkerIdx: ans.workerIdx, Payload: ans.payload}, nil
}

func (m *inProcessManager) NumWorkers() int {
	return len(m.workers)
}

func (m *inProcessManager) Done() error {
	m.doneOnce.Do(func() {
		for _, ch := range m.requests {
			close(ch)
		}
		m.wg.Wait()
		close(m.answers)
		for i, w := range m.workers {
			if err := w.Done(); err != nil && m.doneErr == nil {
				m.doneErr = fmt.Errorf("shutdown of worker #%d: %w", i, err)
			}
		}
	})
	return m.doneErr
}

// WorkerInstance exposes a worker for inspection. Test-only escape
// hatch; real transports have no equivalent.
func (m *inProcessManager) WorkerInstance(workerIdx int) Worker {
	return m.workers[workerIdx]
}

func (m *inProcessManager) resolveWorker(workerIdx int) int {
	if workerIdx != AnyWorker {
		return workerIdx
	}
	n := atomic.AddInt32(&m.nextWorker, 1) - 1
	return int(n) % len(m.workers)
}

// WorkerInspector is implemented by managers that can expose their
// worker instances, such as the in-process manager.
type WorkerInspector interface {
	WorkerInstance(workerIdx int) Worker
}
