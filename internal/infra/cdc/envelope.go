// Package cdc decodes change-data-capture envelopes produced by a log-based
// capture connector into canonical domain events.
package cdc

// Operation classifies what happened to the source row.
type Operation string

// Operations emitted by the capture connector.
const (
	OpCreate   Operation = "c"
	OpUpdate   Operation = "u"
	OpDelete   Operation = "d"
	OpSnapshot Operation = "r"
)

// ChangeEnvelope is the wire shape of one change notification. It is
// produced once by the capture connector, consumed once by the Decoder,
// then discarded.
type ChangeEnvelope struct {
	Op     Operation      `json:"op"`
	TsMs   int64          `json:"ts_ms"`
	Before map[string]any `json:"before"`
	After  map[string]any `json:"after"`
	Source SourceMetadata `json:"source"`
}

// SourceMetadata describes where in the source database the change
// originated. Only the fields the pipeline cares about are mapped; the
// connector sends more.
type SourceMetadata struct {
	Database string `json:"db"`
	Schema   string `json:"schema"`
	Table    string `json:"table"`
	LSN      int64  `json:"lsn"`
	TsMs     int64  `json:"ts_ms"`
}
