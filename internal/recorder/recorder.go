package recorder

import "GapSentinel/internal/model"

// Recorder appends an audit trail of scan cycles and alerts. Nothing is
// read back at startup.
type Recorder interface {
	RecordScan(res *model.ScanResult) error
	RecordAlert(rec *model.AlertRecord) error
	Close() error
}
