package queue

import (
	"context"
	"log/slog"
	"sync"

	"github.com/ticketd/ticketd/internal/events"
	"github.com/ticketd/ticketd/internal/store"
	"github.com/ticketd/ticketd/internal/worker"
)

const defaultQueueBuffer = 64

// Manager is the Queue Manager (C6): it owns one Consumer per (project,
// stage) key, creating them lazily on first submission and recreating them
// if their goroutine ever terminates unexpectedly (self-healing registry).
type Manager struct {
	mu          sync.Mutex
	consumers   map[Key]*Consumer
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	store       *store.Store
	supervisor  *worker.Supervisor
	workerCfg   WorkerConfigFunc
	pipelineFor PipelineFunc
	completions chan<- Event
	emitter     *events.Emitter
	logger      *slog.Logger
}

// NewManager builds a Manager. completions is the single channel shared by
// every consumer the manager creates; the Completion Processor is its sole
// reader.
func NewManager(parent context.Context, st *store.Store, sup *worker.Supervisor, workerCfg WorkerConfigFunc, pipelineFor PipelineFunc, completions chan<- Event, emitter *events.Emitter, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(parent)
	return &Manager{
		consumers:   make(map[Key]*Consumer),
		ctx:         ctx,
		cancel:      cancel,
		store:       st,
		supervisor:  sup,
		workerCfg:   workerCfg,
		pipelineFor: pipelineFor,
		completions: completions,
		emitter:     emitter,
		logger:      logger,
	}
}

// Submit routes task to its (project, stage) queue, creating the consumer
// if this is the first task seen for that key.
func (m *Manager) Submit(task Task) bool {
	key := Key{ProjectID: task.ProjectID, Stage: task.Stage}
	c := m.consumerFor(key)
	accepted := c.Submit(task)
	if accepted && m.emitter != nil {
		m.emitter.TaskAssigned(context.Background(), task.TicketID, task.ProjectID, task.Stage)
	}
	return accepted
}

func (m *Manager) consumerFor(key Key) *Consumer {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.consumers[key]; ok {
		select {
		case <-c.Stopped():
			// The previous consumer's goroutine died; replace it.
			delete(m.consumers, key)
		default:
			return c
		}
	}

	c := newConsumer(key, defaultQueueBuffer, m.store, m.supervisor, m.workerCfg, m.pipelineFor, m.completions, m.emitter, m.logger)
	m.consumers[key] = c
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		c.Run(m.ctx)
	}()
	m.logger.Debug("queue_consumer_started", slog.String("project_id", key.ProjectID), slog.String("stage", key.Stage))
	return c
}

// QueueDepth reports how many tasks are waiting in a given queue, for
// metrics and tests. Returns 0 for a queue that doesn't exist yet.
func (m *Manager) QueueDepth(key Key) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.consumers[key]
	if !ok {
		return 0
	}
	return len(c.inbox)
}

// Shutdown cancels all consumers and waits for their goroutines to exit.
func (m *Manager) Shutdown() {
	m.cancel()
	m.wg.Wait()
}
