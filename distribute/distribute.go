// Package distribute provides the request/response fabric between a
// training coordinator and a fleet of workers.
//
// A Manager owns the coordinator side: it sends opaque request payloads
// to workers and collects their answers. Replies are consumed in arrival
// order, not request order; the caller matches replies to a logical phase
// by counting them.
package distribute

import (
	"fmt"
	"sort"
	"sync"
)

// AnyWorker may be passed as a worker index to let the Manager pick the
// target worker itself.
const AnyWorker = -1

// An Answer is a single worker reply.
type Answer struct {
	// WorkerIdx is the index of the worker that produced the reply.
	WorkerIdx int

	// Payload is the reply payload, opaque to the Manager.
	Payload interface{}
}

// A Manager drives a fleet of workers on behalf of a single caller
// Goroutine.
type Manager interface {
	// BlockingRequest sends a request and waits for its reply.
	// The reply does not go through the asynchronous answer queue.
	BlockingRequest(req interface{}, workerIdx int) (interface{}, error)

	// AsynchronousRequest enqueues a request for a worker without
	// waiting for the reply. The reply will eventually be returned by
	// NextAsynchronousAnswer.
	//
	// Pass AnyWorker to let the Manager pick a worker.
	AsynchronousRequest(req interface{}, workerIdx int) error

	// NextAsynchronousAnswer returns the next reply, in arrival order.
	NextAsynchronousAnswer() (*Answer, error)

	// NumWorkers returns the number of workers in the fleet.
	NumWorkers() int

	// Done stops the workers and releases the fleet. No requests may be
	// in flight when Done is called.
	Done() error
}

// A Worker is the worker-side counterpart of a Manager.
//
// A Worker may receive concurrent RunRequest calls if the manager's
// parallelism is greater than one; implementations must synchronize
// their own state.
type Worker interface {
	// Setup is called once before any request, with the worker's index,
	// the fleet size, and the welcome payload provided at manager
	// creation.
	Setup(workerIdx, numWorkers int, welcome interface{}) error

	// RunRequest processes one request and returns its reply.
	RunRequest(req interface{}) (interface{}, error)

	// Done is called once when the fleet shuts down.
	Done() error
}

// Config selects and sizes a Manager implementation.
type Config struct {
	// Kind is the registered manager implementation, e.g. "IN_PROCESS".
	Kind string

	// NumWorkers is the fleet size.
	NumWorkers int

	// WorkingDirectory is reserved for transports that need scratch
	// space of their own. The training coordinator requires it to be
	// empty (it manages its own work directory).
	WorkingDirectory string
}

type managerConstructor func(cfg Config, workerName string, welcome interface{},
	parallelism int) (Manager, error)

var (
	registryLock sync.Mutex
	managers     = map[string]managerConstructor{}
	workers      = map[string]func() Worker{}
)

// RegisterManager registers a Manager implementation under a kind name.
// Intended to be called from init functions.
func RegisterManager(kind string, f func(cfg Config, workerName string,
	welcome interface{}, parallelism int) (Manager, error)) {
	registryLock.Lock()
	defer registryLock.Unlock()
	if _, ok := managers[kind]; ok {
		panic("duplicate manager kind: " + kind)
	}
	managers[kind] = f
}

// RegisterWorker registers a Worker constructor under a name.
// Managers instantiate workers by this name.
func RegisterWorker(name string, f func() Worker) {
	registryLock.Lock()
	defer registryLock.Unlock()
	if _, ok := workers[name]; ok {
		panic("duplicate worker name: " + name)
	}
	workers[name] = f
}

// NewWorker instantiates a registered worker by name.
func NewWorker(name string) (Worker, error) {
	registryLock.Lock()
	defer registryLock.Unlock()
	f, ok := workers[name]
	if !ok {
		return nil, fmt.Errorf("unknown worker name: %q", name)
	}
	return f(), nil
}

// CreateManager creates a Manager of the configured kind. The welcome
// payload is delivered to every worker's Setup before any request runs.
//
// The parallelism argument bounds how many requests a single worker
// executes concurrently.
func CreateManager(cfg Config, workerName string, welcome interface{},
	parallelism int) (Manager, error) {
	registryLock.Lock()
	f, ok := managers[cfg.Kind]
	registryLock.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown manager kind: %q (registered: %v)",
			cfg.Kind, managerKinds())
	}
	if cfg.NumWorkers <= 0 {
		return nil, fmt.Errorf("manager %q: NumWorkers must be positive", cfg.Kind)
	}
	if parallelism <= 0 {
		parallelism = 1
	}
	return f(cfg, workerName, welcome, parallelism)
}

func managerKinds() []string {
	var kinds []string
	for k := range managers {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
