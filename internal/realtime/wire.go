// Package realtime implements the collaborative editing engine: per-document
// shared state, the sequence-numbered message envelope protocol, diff
// reconciliation, and role-filtered broadcast.
package realtime

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Kind is the closed set of wire message types.
type Kind string

const (
	// Inbound.
	KindGetDocument       Kind = "get_document"
	KindParticipantUpdate Kind = "participant_update"
	KindChat              Kind = "chat"
	KindCheckDiffVersion  Kind = "check_diff_version"
	KindSelectionChange   Kind = "selection_change"
	KindUpdateDoc         Kind = "update_doc"
	KindUpdateTitle       Kind = "update_title"
	KindDiff              Kind = "diff"
	KindRequestResend     Kind = "request_resend"

	// Outbound only.
	KindWelcome            Kind = "welcome"
	KindDocData            Kind = "doc_data"
	KindConfirmDiff        Kind = "confirm_diff"
	KindRejectDiff         Kind = "reject_diff"
	KindCheckHash          Kind = "check_hash"
	KindConnections        Kind = "connections"
	KindConfirmDiffVersion Kind = "confirm_diff_version"
	KindAccessDenied       Kind = "access_denied"
)

// Payload is the typed body of an inbound message; exactly one concrete
// type per inbound Kind.
type Payload interface {
	kind() Kind
}

type GetDocument struct{}

type ParticipantUpdate struct{}

type Chat struct {
	Body string `json:"body"`
}

type CheckDiffVersion struct {
	DiffVersion int `json:"diff_version"`
}

type SelectionChange struct {
	DiffVersion int `json:"diff_version"`
}

type DocContents struct {
	Title    string          `json:"title"`
	Contents json.RawMessage `json:"contents"`
	Metadata json.RawMessage `json:"metadata"`
	Settings json.RawMessage `json:"settings"`
	Version  int             `json:"version"`
}

type UpdateDoc struct {
	Doc  DocContents `json:"doc"`
	Hash string      `json:"hash"`
}

type UpdateTitle struct {
	Title string `json:"title"`
}

type Diff struct {
	DiffVersion    int               `json:"diff_version"`
	CommentVersion int               `json:"comment_version"`
	Steps          []json.RawMessage `json:"diff"`
	Comments       []json.RawMessage `json:"comments"`
	RequestID      int               `json:"request_id"`
}

type RequestResend struct {
	From int `json:"from"`
}

func (GetDocument) kind() Kind       { return KindGetDocument }
func (ParticipantUpdate) kind() Kind { return KindParticipantUpdate }
func (Chat) kind() Kind              { return KindChat }
func (CheckDiffVersion) kind() Kind  { return KindCheckDiffVersion }
func (SelectionChange) kind() Kind   { return KindSelectionChange }
func (UpdateDoc) kind() Kind         { return KindUpdateDoc }
func (UpdateTitle) kind() Kind       { return KindUpdateTitle }
func (Diff) kind() Kind              { return KindDiff }
func (RequestResend) kind() Kind     { return KindRequestResend }

// Inbound is one decoded client envelope. Raw keeps the original body
// (numbers preserved as json.Number) so diff and selection messages can be
// relayed to other participants without re-encoding loss.
type Inbound struct {
	Kind    Kind
	Client  int
	Server  int
	Payload Payload
	Raw     map[string]any
}

// BroadcastBody returns the envelope body stripped of framing fields, ready
// to be re-stamped for another recipient.
func (in Inbound) BroadcastBody() map[string]any {
	body := make(map[string]any, len(in.Raw))
	for k, v := range in.Raw {
		if k == "type" || k == "c" || k == "s" {
			continue
		}
		body[k] = v
	}
	return body
}

func DecodeInbound(data []byte) (Inbound, error) {
	var raw map[string]any
	if err := decodeJSON(data, &raw); err != nil {
		return Inbound{}, fmt.Errorf("decode envelope: %w", err)
	}

	kind, _ := raw["type"].(string)
	in := Inbound{
		Kind:   Kind(kind),
		Client: intField(raw, "c"),
		Server: intField(raw, "s"),
		Raw:    raw,
	}

	var err error
	switch in.Kind {
	case KindGetDocument:
		in.Payload = GetDocument{}
	case KindParticipantUpdate:
		in.Payload = ParticipantUpdate{}
	case KindChat:
		var p Chat
		err = json.Unmarshal(data, &p)
		in.Payload = p
	case KindCheckDiffVersion:
		var p CheckDiffVersion
		err = json.Unmarshal(data, &p)
		in.Payload = p
	case KindSelectionChange:
		var p SelectionChange
		err = json.Unmarshal(data, &p)
		in.Payload = p
	case KindUpdateDoc:
		var p UpdateDoc
		err = json.Unmarshal(data, &p)
		in.Payload = p
	case KindUpdateTitle:
		var p UpdateTitle
		err = json.Unmarshal(data, &p)
		in.Payload = p
	case KindDiff:
		var p Diff
		err = json.Unmarshal(data, &p)
		in.Payload = p
	case KindRequestResend:
		var p RequestResend
		err = json.Unmarshal(data, &p)
		in.Payload = p
	default:
		return Inbound{}, fmt.Errorf("unknown message type %q", kind)
	}
	if err != nil {
		return Inbound{}, fmt.Errorf("decode %s payload: %w", in.Kind, err)
	}
	return in, nil
}

// CommentOp is one comment mutation carried inside a diff message. Fields
// holds the original object (minus the discriminator) so created comments
// and answers round-trip verbatim.
type CommentOp struct {
	Op        string
	ID        string
	CommentID string
	Fields    map[string]any
}

func DecodeCommentOp(raw json.RawMessage) (CommentOp, error) {
	var fields map[string]any
	if err := decodeJSON(raw, &fields); err != nil {
		return CommentOp{}, fmt.Errorf("decode comment op: %w", err)
	}
	op, _ := fields["type"].(string)
	if op == "" {
		return CommentOp{}, fmt.Errorf("comment op without type")
	}
	delete(fields, "type")
	return CommentOp{
		Op:        op,
		ID:        idString(fields["id"]),
		CommentID: idString(fields["commentId"]),
		Fields:    fields,
	}, nil
}

// encodeEnvelope frames an outbound body with its type and the reliable
// delivery counters.
func encodeEnvelope(kind Kind, body map[string]any, clientSeq, serverSeq int) ([]byte, error) {
	framed := make(map[string]any, len(body)+3)
	for k, v := range body {
		framed[k] = v
	}
	framed["type"] = string(kind)
	framed["c"] = clientSeq
	framed["s"] = serverSeq
	data, err := json.Marshal(framed)
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", kind, err)
	}
	return data, nil
}

// decodeJSON unmarshals with numbers preserved as json.Number, so opaque
// client payloads survive a decode/encode round trip unchanged.
func decodeJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

func intField(raw map[string]any, key string) int {
	if num, ok := raw[key].(json.Number); ok {
		if n, err := num.Int64(); err == nil {
			return int(n)
		}
	}
	return 0
}

// idString normalizes client-supplied ids, which arrive as either strings
// or numbers.
func idString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}
