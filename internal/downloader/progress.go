package downloader

const progressInterval = int64(100 * 1024 * 1024) // 100MB

// progressLog decides when a position change is worth a log line: every
// interval bytes, and once when the transfer passes 5%.
type progressLog struct {
	interval   int64
	last       int64
	lastReport int64
}

func (p *progressLog) observe(completed, total int64) bool {
	// A pipeline moved on to its next stage.
	if completed < p.last {
		p.last, p.lastReport = 0, 0
	}

	prev := p.last
	p.last = completed

	crossed := total > 0 && completed*100/total >= 5 && prev*100/total < 5
	if completed-p.lastReport >= p.interval || crossed {
		p.lastReport = completed

		return true
	}

	return false
}
