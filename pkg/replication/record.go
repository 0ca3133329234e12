// Package replication implements the primary/secondary replication layer
//: an ordered, checksummed operation stream broadcast from a
// single primary to many read-only secondaries over pkg/wireframe, the same
// length-prefixed JSON framing the networked-KV backend uses.
package replication

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/cuemby/kvstore/pkg/kverrors"
)

// OpType identifies what an OpRecord carries.
type OpType string

const (
	OpSet          OpType = "SET"
	OpDelete       OpType = "DELETE"
	OpMetadata     OpType = "METADATA"
	OpHeartbeat    OpType = "HEARTBEAT"
	OpSyncRequest  OpType = "SYNC_REQUEST"
	OpSyncResponse OpType = "SYNC_RESPONSE"
)

// SetPayload is the OpRecord.Payload body for OpSet.
type SetPayload struct {
	DB         string   `json:"db"`
	Namespace  string   `json:"namespace"`
	Key        string   `json:"key"`
	Value      []byte   `json:"value"`
	Tags       []string `json:"tags,omitempty"`
	TTLSeconds int64    `json:"ttl_seconds,omitempty"`
}

// DeletePayload is the OpRecord.Payload body for OpDelete.
type DeletePayload struct {
	DB        string `json:"db"`
	Namespace string `json:"namespace"`
	Key       string `json:"key"`
}

// SyncRequestPayload is the OpRecord.Payload body for OpSyncRequest: the
// secondary's last-applied sequence, asking the primary for everything
// after it.
type SyncRequestPayload struct {
	FromSequence int64 `json:"from_sequence"`
}

// SyncResponsePayload signals the special out-of-range case: the
// secondary's requested sequence predates the primary's ring, meaning
// the replica must resync from a full backup instead.
type SyncResponsePayload struct {
	OutOfRange bool `json:"out_of_range"`
}

// OpRecord is the broadcast unit.
type OpRecord struct {
	OpType    OpType          `json:"op_type"`
	Sequence  int64           `json:"sequence"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Checksum  string          `json:"checksum"`
}

// NewOpRecord marshals payload and stamps the record with its SHA-256
// payload checksum. sequence is assigned by the caller (the primary).
func NewOpRecord(opType OpType, sequence int64, payload any) (OpRecord, error) {
	var raw json.RawMessage
	if payload != nil {
		body, err := json.Marshal(payload)
		if err != nil {
			return OpRecord{}, kverrors.Wrap(kverrors.InvalidArgument, "replication.NewOpRecord", "marshal payload", err)
		}
		raw = body
	}
	sum := sha256.Sum256(raw)
	return OpRecord{
		OpType:    opType,
		Sequence:  sequence,
		Timestamp: time.Now(),
		Payload:   raw,
		Checksum:  hex.EncodeToString(sum[:]),
	}, nil
}

// VerifyChecksum reports whether rec.Checksum still matches its payload
// bytes; any checksum mismatch drops the message.
func (rec OpRecord) VerifyChecksum() bool {
	sum := sha256.Sum256(rec.Payload)
	return hex.EncodeToString(sum[:]) == rec.Checksum
}

// DecodeSet unmarshals rec.Payload as a SetPayload.
func (rec OpRecord) DecodeSet() (SetPayload, error) {
	var p SetPayload
	err := json.Unmarshal(rec.Payload, &p)
	return p, err
}

// DecodeDelete unmarshals rec.Payload as a DeletePayload.
func (rec OpRecord) DecodeDelete() (DeletePayload, error) {
	var p DeletePayload
	err := json.Unmarshal(rec.Payload, &p)
	return p, err
}

// DecodeSyncRequest unmarshals rec.Payload as a SyncRequestPayload.
func (rec OpRecord) DecodeSyncRequest() (SyncRequestPayload, error) {
	var p SyncRequestPayload
	err := json.Unmarshal(rec.Payload, &p)
	return p, err
}

// unmarshalPayload decodes rec.Payload into v.
func unmarshalPayload(rec OpRecord, v any) error {
	return json.Unmarshal(rec.Payload, v)
}
