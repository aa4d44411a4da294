package blocks

import (
	"sync"
	"time"

	"github.com/ckstats/ckstatsd/internal/newrelic"
	"github.com/ckstats/ckstatsd/internal/notify"
	"github.com/ckstats/ckstatsd/internal/util"
)

// Watcher polls the scanner for blocks it has not announced yet and
// fans new ones out to notifications and APM.
type Watcher struct {
	scanner  *Scanner
	notifier *notify.Notifier
	agent    *newrelic.Agent
	interval time.Duration

	lastHeight int64

	quit chan struct{}
	wg   sync.WaitGroup
}

func NewWatcher(scanner *Scanner, notifier *notify.Notifier, agent *newrelic.Agent, interval time.Duration) *Watcher {
	return &Watcher{
		scanner:  scanner,
		notifier: notifier,
		agent:    agent,
		interval: interval,
		quit:     make(chan struct{}),
	}
}

func (w *Watcher) Start() {
	// Blocks already on disk at startup are history, not news.
	if recent := w.scanner.Recent(); len(recent) > 0 {
		w.lastHeight = recent[0].Height
	}

	w.wg.Add(1)
	go w.loop()
}

func (w *Watcher) Stop() {
	close(w.quit)
	w.wg.Wait()
}

func (w *Watcher) loop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.check()
		case <-w.quit:
			return
		}
	}
}

func (w *Watcher) check() {
	recent := w.scanner.Recent()

	// Newest first; announce oldest unseen block first.
	var fresh []Block
	for _, b := range recent {
		if b.Height > w.lastHeight {
			fresh = append(fresh, b)
		}
	}
	for i := len(fresh) - 1; i >= 0; i-- {
		w.announce(fresh[i])
	}
	if len(fresh) > 0 {
		w.lastHeight = fresh[0].Height
	}
}

func (w *Watcher) announce(b Block) {
	util.Infof("Block found: height %d by %s", b.Height, b.Finder)

	w.notifier.NotifyBlockFound(notify.BlockEvent{
		Height:  b.Height,
		Hash:    b.Hash,
		Finder:  b.Finder,
		Reward:  b.Reward,
		FoundAt: b.FoundAt,
	})
	w.agent.RecordBlockFound(b.Height, b.Finder, b.Reward)
}
