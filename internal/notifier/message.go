package notifier

import (
	"fmt"

	"github.com/dustin/go-humanize"

	"github.com/bmravec/gdman/internal/transfer"
)

// TransferMessage renders the notification for a terminal transition of t, or ""
// when the transition is not worth announcing.
func TransferMessage(t transfer.Transfer, change transfer.StateChange) string {
	switch {
	case change.State == transfer.StateCompleted:
		return fmt.Sprintf("✅ Download finished: %s (%s) -> %s",
			t.Title(), humanize.IBytes(uint64(max(t.SizeCompleted(), 0))), t.Destination())
	case change.State == transfer.StateStopped && change.Err != nil:
		return fmt.Sprintf("❌ Download failed: %s (%s): %v", t.Title(), t.Source(), change.Err)
	}

	return ""
}
