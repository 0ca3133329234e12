// Package netbackend implements the networked KV backend: a
// storage.Backend that talks to a companion Server over pkg/wireframe's
// length-prefixed JSON framing. Writes are immediate (no buffering),
// connections come from a bounded pool, and TTL and metadata are handled
// natively by the server.
package netbackend

import (
	"github.com/cuemby/kvstore/pkg/model"
	"github.com/cuemby/kvstore/pkg/storage"
)

// command identifies which operation a Request performs.
type command string

const (
	cmdWrite          command = "write"
	cmdWriteTTL       command = "write_ttl"
	cmdRead           command = "read"
	cmdDelete         command = "delete"
	cmdExists         command = "exists"
	cmdSize           command = "size"
	cmdList           command = "list"
	cmdSetMetadata    command = "set_metadata"
	cmdGetMetadata    command = "get_metadata"
	cmdDeleteMetadata command = "delete_metadata"
	cmdQueryMetadata  command = "query_metadata"
	cmdCleanupExpired command = "cleanup_expired"
)

// request is one frame sent from Backend to Server.
type request struct {
	Command    command               `json:"command"`
	Path       string                `json:"path,omitempty"`
	Data       []byte                `json:"data,omitempty"`
	TTLSeconds int64                 `json:"ttl_seconds,omitempty"`
	Key        model.Key             `json:"key,omitempty"`
	Metadata   *model.Metadata       `json:"metadata,omitempty"`
	Query      storage.MetadataQuery `json:"query,omitempty"`
	ListFilter storage.ListFilter    `json:"list_filter,omitempty"`
}

// response is one frame sent from Server back to Backend.
type response struct {
	OK        bool              `json:"ok"`
	ErrorKind string            `json:"error_kind,omitempty"`
	ErrorMsg  string            `json:"error_msg,omitempty"`
	Data      []byte            `json:"data,omitempty"`
	Exists    bool              `json:"exists,omitempty"`
	Size      int64             `json:"size,omitempty"`
	Metadata  *model.Metadata   `json:"metadata,omitempty"`
	Metadatas []*model.Metadata `json:"metadatas,omitempty"`
	ListPage  storage.ListPage  `json:"list_page,omitempty"`
}
