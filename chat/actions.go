package chat

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bustart/chatsync/request"
)

// ActionType names the commands the dispatcher understands. The wire names
// match the dispatch commands the gateway pushes.
type ActionType string

const (
	ActionSendMessage        ActionType = "createChatMessage"
	ActionMarkRead           ActionType = "updateReadMessageMeta"
	ActionQueryMessages      ActionType = "queryRoomMessages"
	ActionSetActiveRoom      ActionType = "openRoom"
	ActionAddRoomMessages    ActionType = "addRoomMessages"
	ActionAddRoomNewMessages ActionType = "addRoomNewMessages"
	ActionSetRoomEntities    ActionType = "setRoomEntities"
	ActionRoomActivated      ActionType = "roomActivated"
)

var ErrUnknownCommand = errors.New("unrecognized command")

// Action is the closed set of commands processed by the dispatcher. Remote
// dispatch commands and locally originated commands implement the same
// interface so both travel the single ordered processing path.
type Action interface {
	Type() ActionType
}

// SendMessage sends a message to a room on behalf of the current user.
type SendMessage struct {
	RoomID string `json:"roomId"`
	Text   string `json:"text"`
	// MessageID optionally fixes the id of the optimistic local message;
	// left empty, the dispatcher generates one.
	MessageID string `json:"objectId,omitempty"`
}

func (SendMessage) Type() ActionType { return ActionSendMessage }

// MarkRead advances the current user's read cursor for a room.
type MarkRead struct {
	RoomID    string `json:"roomId"`
	ReadCount int    `json:"readCount"`
	UpTo      int64  `json:"messageCreatedDate"`
}

func (MarkRead) Type() ActionType { return ActionMarkRead }

// QueryMessages requests one history page for a room. Kind selects the
// pagination direction and doubles as the request type of the compound
// request id.
type QueryMessages struct {
	Kind   request.Type `json:"kind"`
	RoomID string       `json:"roomId"`
	Page   int          `json:"page"`
	Lte    int64        `json:"lte"`
	Gte    int64        `json:"gte"`
}

func (QueryMessages) Type() ActionType { return ActionQueryMessages }

// SetActiveRoom makes roomID the displayed room, deactivating all others.
type SetActiveRoom struct {
	RoomID string `json:"roomId"`
}

func (SetActiveRoom) Type() ActionType { return ActionSetActiveRoom }

// AddRoomMessages is a history-page reply. A nil Messages batch with a
// directional request id means the room has no more items in that direction.
type AddRoomMessages struct {
	RequestID request.ID         `json:"requestId,omitempty"`
	RoomID    string             `json:"roomId"`
	Messages  map[string]Message `json:"messages"`
}

func (AddRoomMessages) Type() ActionType { return ActionAddRoomMessages }

// AddRoomNewMessages is a live push of new messages for one room.
type AddRoomNewMessages struct {
	RoomID   string    `json:"roomId"`
	Messages []Message `json:"messages"`
}

func (AddRoomNewMessages) Type() ActionType { return ActionAddRoomNewMessages }

// SetRoomEntities replaces/merges the client's room metadata.
type SetRoomEntities struct {
	Rooms map[string]Room `json:"rooms"`
}

func (SetRoomEntities) Type() ActionType { return ActionSetRoomEntities }

// RoomActivated announces that the gateway activated a room for this user.
type RoomActivated struct {
	Room Room `json:"room"`
}

func (RoomActivated) Type() ActionType { return ActionRoomActivated }

// command is the wire envelope of a dispatch signal's data.
type command struct {
	Type    ActionType      `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// DecodeCommand turns the data of a dispatch event into an Action. Commands
// outside the known set fail with ErrUnknownCommand naming the variant.
func DecodeCommand(data json.RawMessage) (Action, error) {
	var cmd command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return nil, fmt.Errorf("decode command envelope: %w", err)
	}

	var (
		action Action
		err    error
	)
	switch cmd.Type {
	case ActionAddRoomMessages:
		action, err = decodePayload[AddRoomMessages](cmd.Payload)
	case ActionAddRoomNewMessages:
		action, err = decodePayload[AddRoomNewMessages](cmd.Payload)
	case ActionSetRoomEntities:
		action, err = decodePayload[SetRoomEntities](cmd.Payload)
	case ActionRoomActivated:
		action, err = decodePayload[RoomActivated](cmd.Payload)
	case ActionSetActiveRoom:
		action, err = decodePayload[SetActiveRoom](cmd.Payload)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, cmd.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", cmd.Type, err)
	}
	return action, nil
}

func decodePayload[T Action](payload json.RawMessage) (T, error) {
	var v T
	if len(payload) == 0 {
		return v, errors.New("missing payload")
	}
	err := json.Unmarshal(payload, &v)
	return v, err
}
