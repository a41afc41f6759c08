package registry

import (
	"time"

	"gitlab.com/NebulousLabs/threadgroup"
	"go.uber.org/zap"
)

// JobLoser is the Scheduler's half of the offline-triggers-requeue contract
// (spec §4.2, §4.4). Declared here rather than imported from the scheduler
// package, which already imports registry, to avoid a cycle.
type JobLoser interface {
	OnWorkerLost(workerID, jobID string) error
}

// StartSweep launches a background goroutine that periodically demotes
// stale workers to offline and fully removes workers that have been offline
// past offlineGrace, the registry's liveness policy. A worker demoted to
// offline while it holds an assigned/running job has that job requeued via
// sched, exactly as a hard transport disconnect does. StartSweep returns
// immediately; the goroutine exits once tg is stopped (tg.StopChan).
func StartSweep(tg *threadgroup.ThreadGroup, reg *Registry, sched JobLoser, staleThreshold, offlineGrace time.Duration, log *zap.Logger) error {
	if err := tg.Add(); err != nil {
		return err
	}
	go func() {
		defer tg.Done()
		threadedSweepLoop(tg, reg, sched, staleThreshold, offlineGrace, log)
	}()
	return nil
}

func threadedSweepLoop(tg *threadgroup.ThreadGroup, reg *Registry, sched JobLoser, staleThreshold, offlineGrace time.Duration, log *zap.Logger) {
	ticker := time.NewTicker(staleThreshold / 3)
	defer ticker.Stop()
	for {
		select {
		case <-tg.StopChan():
			return
		case <-ticker.C:
		}

		for _, id := range reg.Stale(staleThreshold) {
			info, err := reg.Get(id)
			if err != nil {
				continue
			}
			if err := reg.MarkOffline(id); err != nil {
				continue
			}
			log.Info("worker marked offline after missed heartbeats", zap.String("worker_id", id))
			if info.AssignedJob != "" {
				if err := sched.OnWorkerLost(id, info.AssignedJob); err != nil {
					log.Warn("unable to requeue job after worker went offline", zap.String("worker_id", id), zap.String("job_id", info.AssignedJob), zap.Error(err))
				}
			}
		}
		for _, id := range reg.OfflineExpired(offlineGrace) {
			reg.Deregister(id)
			log.Info("worker deregistered after exceeding offline grace period", zap.String("worker_id", id))
		}
	}
}
