package agent

import "sync"

const maxjobs = 32

// MiningState is the per-session view of the work a miner was handed: the
// last maxjobs job ids it may still submit against.
type MiningState struct {
	Jobs       map[string]*Job
	JobLock    sync.Mutex
	jobCounter int
	order      [maxjobs]string
}

func newMiningState() *MiningState {
	return &MiningState{Jobs: map[string]*Job{}}
}

// AddJob records job as submittable. A clean job invalidates everything
// handed out before it.
func (ms *MiningState) AddJob(job *Job) int {
	ms.JobLock.Lock()
	defer ms.JobLock.Unlock()
	if job.Clean {
		ms.clearLocked()
	}
	ms.jobCounter++
	idx := ms.jobCounter
	if evicted := ms.order[idx%maxjobs]; evicted != "" {
		delete(ms.Jobs, evicted)
	}
	ms.order[idx%maxjobs] = job.Id
	ms.Jobs[job.Id] = job
	return idx
}

func (ms *MiningState) GetJob(id string) (*Job, bool) {
	ms.JobLock.Lock()
	job, exists := ms.Jobs[id]
	ms.JobLock.Unlock()
	return job, exists
}

func (ms *MiningState) ClearJobs() {
	ms.JobLock.Lock()
	ms.clearLocked()
	ms.JobLock.Unlock()
}

func (ms *MiningState) clearLocked() {
	ms.Jobs = make(map[string]*Job)
	ms.order = [maxjobs]string{}
}
