package gateway

import (
	"github.com/invopop/jsonschema"
)

// Schema describes the data member accepted for each client event.
type Schema struct {
	Events map[string]*jsonschema.Schema `json:"events"`
	REST   map[string]*jsonschema.Schema `json:"rest"`
}

func reflectSchema[T any]() *jsonschema.Schema {
	r := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	return r.Reflect(new(T))
}

// ProtocolSchema reflects the request types of every client event.
func ProtocolSchema() Schema {
	return Schema{
		Events: map[string]*jsonschema.Schema{
			EventRegister:      reflectSchema[RegisterRequest](),
			EventJoinChat:      reflectSchema[ChatRequest](),
			EventLeaveChat:     reflectSchema[ChatRequest](),
			EventSendMessage:   reflectSchema[SendMessageRequest](),
			EventEditMessage:   reflectSchema[EditMessageRequest](),
			EventDeleteMessage: reflectSchema[DeleteMessageRequest](),
			EventStartTyping:   reflectSchema[TypingRequest](),
			EventStopTyping:    reflectSchema[TypingRequest](),
			EventMarkAsRead:    reflectSchema[MarkAsReadRequest](),
			EventGetUserStatus: reflectSchema[UserStatusRequest](),
		},
		REST: map[string]*jsonschema.Schema{
			"POST /v1/chats/{chatID}/messages": reflectSchema[PostMessageRequest](),
		},
	}
}
