package capability

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
)

// TableAuditSink appends grant/revoke events to an Azure Table as a
// fixed small JSON payload per event rather than a chunked binary blob —
// audit events are small and append-only, so there is no need for
// multi-property chunking.
//
// It is write-only from this package's point of view: nothing here ever
// reads the table back to reconstruct a capability. Capabilities never
// persist to disk across reboots; the audit trail is a record of what
// happened, not a way to resurrect a token.
type TableAuditSink struct {
	client *aztables.Client
	ctx    context.Context
}

type auditEvent struct {
	Kind         string `json:"kind"` // "grant" or "revoke"
	Token        string `json:"token"`
	ResourceType uint16 `json:"resource_type,omitempty"`
	ResourceID   uint64 `json:"resource_id,omitempty"`
	Operations   uint64 `json:"operations,omitempty"`
	Parent       string `json:"parent,omitempty"`
	CascadeCount int    `json:"cascade_count,omitempty"`
	At           int64  `json:"at"`
}

// NewTableAuditSink wraps an already-constructed aztables.Client. ctx bounds
// every table write this sink issues.
func NewTableAuditSink(ctx context.Context, client *aztables.Client) *TableAuditSink {
	return &TableAuditSink{client: client, ctx: ctx}
}

func (s *TableAuditSink) append(ev auditEvent) {
	body, err := json.Marshal(ev)
	if err != nil {
		return
	}
	entity := aztables.EDMEntity{
		Entity: aztables.Entity{
			PartitionKey: ev.Kind,
			RowKey:       ev.Token + "-" + time.Now().Format(time.RFC3339Nano),
		},
		Properties: map[string]any{"Payload": string(body)},
	}
	marshaled, err := json.Marshal(entity)
	if err != nil {
		return
	}
	// Best-effort: an audit sink must never block or fail the capability
	// operation it's observing.
	_, _ = s.client.AddEntity(s.ctx, marshaled, nil)
}

func (s *TableAuditSink) RecordGrant(token Token, resourceType ResourceType, resourceID uint64, ops Operation, parent *Token) {
	ev := auditEvent{
		Kind:         "grant",
		Token:        hexToken(token),
		ResourceType: uint16(resourceType),
		ResourceID:   resourceID,
		Operations:   uint64(ops),
		At:           time.Now().UnixNano(),
	}
	if parent != nil {
		ev.Parent = hexToken(*parent)
	}
	s.append(ev)
}

func (s *TableAuditSink) RecordRevoke(token Token, cascadeCount int) {
	s.append(auditEvent{
		Kind:         "revoke",
		Token:        hexToken(token),
		CascadeCount: cascadeCount,
		At:           time.Now().UnixNano(),
	})
}

func hexToken(t Token) string {
	const hex = "0123456789abcdef"
	out := make([]byte, len(t)*2)
	for i, b := range t {
		out[i*2] = hex[b>>4]
		out[i*2+1] = hex[b&0xf]
	}
	return string(out)
}

var _ AuditSink = (*TableAuditSink)(nil)
