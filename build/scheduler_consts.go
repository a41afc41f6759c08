package build

// SchedulerSkipAttempts bounds how many times the dispatch pass will pass
// over the head of the ready queue looking for an eligible idle worker
// before giving up for this pass and returning (DESIGN.md open question 1:
// skip-after-N instead of blocking the whole queue behind one
// hard-to-satisfy job).
const SchedulerSkipAttempts = 5
