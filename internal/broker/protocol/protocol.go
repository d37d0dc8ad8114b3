// Package protocol defines the command and reply messages exchanged between
// broker clients and the broker server over the message bus.
package protocol

import (
	"encoding/json"
	"strings"

	errors "github.com/Laisky/errors/v2"
)

// Area tags which storage tier a blob lives in.
type Area string

const (
	// AreaCache is the transient tier, subject to quota-driven eviction.
	AreaCache Area = "cache"
	// AreaStorage is the permanent tier, never evicted.
	AreaStorage Area = "storage"
)

// Valid reports whether the area is a known storage tier.
func (a Area) Valid() bool {
	switch a {
	case AreaCache, AreaStorage:
		return true
	}
	return false
}

// Kind identifies one command in the closed command set.
type Kind string

const (
	KindNewURLRequest          Kind = "new_url_request"
	KindGetURL                 Kind = "get_url"
	KindIsAvailable            Kind = "is_available"
	KindMoveFromCacheToStorage Kind = "move_from_cache_to_storage"
	KindDiskSpaceRequest       Kind = "disk_space_request"
	KindStoreSession           Kind = "store_session"
	KindListSessions           Kind = "list_sessions"
	KindRemoveSession          Kind = "remove_session"
	KindPublicFilesRequest     Kind = "public_files_request"

	// Ack kinds carried in replies to session mutations.
	KindOperationSuccessful Kind = "operation_successful"
	KindOperationFailed     Kind = "operation_failed"
)

// ListSeparator joins file-id and session name/id lists on the wire.
const ListSeparator = "\t"

// CompressedSuffix marks a location whose payload is zlib-compressed.
// Readers must decompress transparently.
const CompressedSuffix = ".compressed"

// Command is one request sent to the broker. Kind selects which fields
// are meaningful; unused fields stay at their zero value.
type Command struct {
	Kind    Kind   `json:"kind"`
	ReplyTo string `json:"reply_to,omitempty"`

	Username string `json:"username,omitempty"`

	FileID     string `json:"file_id,omitempty"`
	Area       Area   `json:"area,omitempty"`
	Size       int64  `json:"size,omitempty"`
	Compressed bool   `json:"compressed,omitempty"`

	SessionName     string `json:"session_name,omitempty"`
	SessionLocation string `json:"session_location,omitempty"`
	// FileIDs is the tab-joined list of data-file ids referenced by a session.
	FileIDs string `json:"file_ids,omitempty"`
}

// Reply is the single correlated answer to a command. Exactly one of the
// payload fields is populated, depending on the command kind.
type Reply struct {
	// Kind carries the acknowledgement code for session mutations.
	Kind Kind `json:"kind,omitempty"`

	OK   *bool    `json:"ok,omitempty"`
	URL  string   `json:"url,omitempty"`
	URLs []string `json:"urls,omitempty"`

	// Names and IDs are tab-joined equal-length session lists.
	Names string `json:"names,omitempty"`
	IDs   string `json:"ids,omitempty"`
}

// Bool returns the boolean payload, or false when absent.
func (r *Reply) Bool() bool {
	return r != nil && r.OK != nil && *r.OK
}

// BoolReply builds a boolean reply.
func BoolReply(ok bool) *Reply {
	return &Reply{OK: &ok}
}

// AckReply builds a parameterized acknowledgement reply.
func AckReply(ok bool) *Reply {
	if ok {
		return &Reply{Kind: KindOperationSuccessful}
	}
	return &Reply{Kind: KindOperationFailed}
}

// JoinIDs joins ids for the wire format.
func JoinIDs(ids []string) string {
	return strings.Join(ids, ListSeparator)
}

// SplitIDs splits a tab-joined id list, returning nil for an empty value.
func SplitIDs(joined string) []string {
	if joined == "" {
		return nil
	}
	return strings.Split(joined, ListSeparator)
}

// IsCompressed reports whether the location carries the compression marker.
func IsCompressed(location string) bool {
	return strings.HasSuffix(location, CompressedSuffix)
}

// EncodeCommand serializes a command for the bus.
func EncodeCommand(cmd *Command) ([]byte, error) {
	if cmd == nil {
		return nil, errors.New("command is required")
	}
	if cmd.Kind == "" {
		return nil, errors.New("command kind is required")
	}

	payload, err := json.Marshal(cmd)
	if err != nil {
		return nil, errors.Wrap(err, "marshal command")
	}
	return payload, nil
}

// DecodeCommand parses a command received from the bus.
func DecodeCommand(payload []byte) (*Command, error) {
	cmd := new(Command)
	if err := json.Unmarshal(payload, cmd); err != nil {
		return nil, errors.Wrap(err, "unmarshal command")
	}
	if cmd.Kind == "" {
		return nil, errors.New("command kind is required")
	}
	return cmd, nil
}

// EncodeReply serializes a reply for the bus.
func EncodeReply(reply *Reply) ([]byte, error) {
	if reply == nil {
		return nil, errors.New("reply is required")
	}

	payload, err := json.Marshal(reply)
	if err != nil {
		return nil, errors.Wrap(err, "marshal reply")
	}
	return payload, nil
}

// DecodeReply parses a reply received from the bus.
func DecodeReply(payload []byte) (*Reply, error) {
	reply := new(Reply)
	if err := json.Unmarshal(payload, reply); err != nil {
		return nil, errors.Wrap(err, "unmarshal reply")
	}
	return reply, nil
}
