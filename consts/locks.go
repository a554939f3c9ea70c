package consts

// AdvisoryLockID is the PostgreSQL advisory lock held while schema
// migrations run, so that only one popd instance or admin tool migrates
// at a time.
const AdvisoryLockID = 42734582
