package ftpsession

import "time"

// HistoryRecord describes one finished or aborted transfer.
type HistoryRecord struct {
	SessionID  string
	Peer       string
	Path       string
	Direction  Direction
	BytesMoved int64
	Elapsed    time.Duration
	Aborted    bool
	Finished   time.Time
}

// HistorySink stores transfer records. Errors are logged and otherwise
// ignored.
type HistorySink interface {
	RecordTransfer(HistoryRecord) error
}

func (s *Session) recordHistory(spec *transferSpec, stats TransferStats, aborted bool) {
	if s.history == nil {
		return
	}
	rec := HistoryRecord{
		SessionID:  s.id.String(),
		Peer:       s.host,
		Path:       spec.path,
		Direction:  spec.direction,
		BytesMoved: stats.BytesMoved,
		Elapsed:    stats.Elapsed,
		Aborted:    aborted,
		Finished:   time.Now(),
	}
	if err := s.history.RecordTransfer(rec); err != nil {
		s.logger.Warn("failed to record transfer history", "error", err)
	}
}
