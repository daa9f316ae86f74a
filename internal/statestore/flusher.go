package statestore

import "time"

// flusher periodically saves dirty records.
type flusher struct {
	store    *Store
	interval time.Duration
}

func (f *flusher) Run(stopC chan struct{}) {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := f.store.Flush(true); err != nil {
				f.store.log.Errorf("cannot flush state: %s", err)
			}
		case <-stopC:
			return
		}
	}
}
