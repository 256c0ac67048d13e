package model

// LockInfo is the JSON payload written into a lock file by the lock
// manager (4.D). owner identifies the acquiring process as
// "<pid>-<processStart>"; a lock is live iff now - timestamp < timeout.
type LockInfo struct {
	Timestamp    int64  `json:"timestamp"`
	Timeout      int64  `json:"timeout"`
	Owner        string `json:"owner"`
	RefreshCount int    `json:"refreshCount"`
}

// Live reports whether this lock has not yet expired as of nowMs.
func (l *LockInfo) Live(nowMs int64) bool {
	return nowMs-l.Timestamp < l.Timeout
}
