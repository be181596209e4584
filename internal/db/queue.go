package db

import "github.com/ChuLiYu/beaverdb/pkg/types"

// commitOp is one hashed operation of a changeset. A nil value deletes.
type commitOp struct {
	col   types.ColumnID
	key   types.Key
	value types.Value
}

// commit is one queued transaction. The id is allocated by the ingest path
// and is not the same as the log record id: some records (reindex) are
// originated inside the engine.
type commit struct {
	id        uint64
	bytes     int
	changeset []commitOp
}

// commitQueue is the bounded FIFO of pending commits. It may not grow
// beyond maxCommitQueueBytes except transiently while a producer holds the
// queue lock; producers that observe the bound block before inserting.
type commitQueue struct {
	// recordID advances once per accepted commit; the commit id reserves
	// one id ahead of it (see commitRaw).
	recordID uint64
	// bytes is the total size of all queued commits.
	bytes int
	// FIFO order.
	commits []commit
}

func (q *commitQueue) push(c commit) {
	q.commits = append(q.commits, c)
	q.bytes += c.bytes
}

func (q *commitQueue) pop() (commit, bool) {
	if len(q.commits) == 0 {
		return commit{}, false
	}
	c := q.commits[0]
	q.commits = q.commits[1:]
	q.bytes -= c.bytes
	return c, true
}
