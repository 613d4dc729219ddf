package protocol

// MessageType tags an envelope with its protocol meaning. The set of
// request types is closed; responses are derived with ResponseType.
type MessageType string

const (
	TypeAgentOnline     MessageType = "agent_online"
	TypeAgentOffline    MessageType = "agent_offline"
	TypeDiscoverAgents  MessageType = "discover_agents"
	TypeCapabilityQuery MessageType = "capability_query"
	TypeUserRequest     MessageType = "user_request"
	TypeWorkflowStep    MessageType = "workflow_step"
	TypeHealthCheck     MessageType = "health_check"
	TypeRouteRequest    MessageType = "route_request"
)

const responseSuffix = "_response"

// knownTypes is the closed request set; anything else routes to the
// unknown-type acknowledgement at dispatch.
var knownTypes = map[MessageType]bool{
	TypeAgentOnline:     true,
	TypeAgentOffline:    true,
	TypeDiscoverAgents:  true,
	TypeCapabilityQuery: true,
	TypeUserRequest:     true,
	TypeWorkflowStep:    true,
	TypeHealthCheck:     true,
	TypeRouteRequest:    true,
}

// Known reports whether t is a declared request type or the response to one.
func Known(t MessageType) bool {
	if knownTypes[t] {
		return true
	}
	return IsResponse(t) && knownTypes[BaseType(t)]
}

// ResponseType returns the paired response tag for a request type.
func ResponseType(t MessageType) MessageType {
	return t + responseSuffix
}

// IsResponse reports whether t follows the *_response pairing convention.
func IsResponse(t MessageType) bool {
	return len(t) > len(responseSuffix) && t[len(t)-len(responseSuffix):] == responseSuffix
}

// BaseType strips the _response suffix, returning the request type a
// response answers. Non-response types are returned unchanged.
func BaseType(t MessageType) MessageType {
	if IsResponse(t) {
		return t[:len(t)-len(responseSuffix)]
	}
	return t
}

// Context keys carried in AgentMessage.Context.
const (
	CtxRequestID = "request_id"
	CtxReplyTo   = "reply_to"
	CtxRequester = "requester"
	CtxRoomID    = "room_id"
)
