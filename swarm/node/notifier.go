package node

import (
	"metadex/metadata"

	log "github.com/sirupsen/logrus"
)

// logNotifier reports user-facing events through the log.
type logNotifier struct{}

func (logNotifier) Notify(kind metadata.EventKind, detail string) {
	switch kind {
	case metadata.EventDiskFull:
		log.Warnf("Disk full: %s", detail)
	default:
		log.WithField("event", kind.String()).Info(detail)
	}
}
