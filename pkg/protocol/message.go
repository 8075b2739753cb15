package protocol

// ClientRef is the minimal view of a client that protocol messages
// need: enough to route a response back and to append newly minted
// objects to the right owner. The concrete type lives in pkg/twibd;
// this interface breaks the import cycle that would otherwise result
// from Request/Response needing to name it.
type ClientRef interface {
	ClientID() uint32
}

// Request is a MessageHeader interpreted as an outbound call: the
// third header word is a command id. It carries the client that
// issued it (the on-add object reset carries the dispatcher's own
// system client; Client may be nil for a request no client issued)
// and the objects it transfers to the device.
type Request struct {
	DeviceID  uint32
	ObjectID  uint32
	CommandID uint32
	Tag       uint32
	Payload   []byte
	ObjectIDs []uint32

	Client ClientRef
}

// ClientID returns the id of the issuing client, or
// LocalSystemClientID if the request was not issued by a frontend.
func (r Request) ClientID() uint32 {
	if r.Client == nil {
		return LocalSystemClientID
	}
	return r.Client.ClientID()
}

// RespondOk builds a success Response echoing r's routing fields.
func (r Request) RespondOk(payload []byte, objectIDs []uint32) Response {
	return Response{
		ClientID:   r.ClientID(),
		DeviceID:   r.DeviceID,
		ObjectID:   r.ObjectID,
		ResultCode: ResultOk,
		Tag:        r.Tag,
		Payload:    payload,
		ObjectIDs:  objectIDs,
	}
}

// RespondError builds an error Response echoing r's routing fields
// with an empty payload.
func (r Request) RespondError(code uint32) Response {
	return Response{
		ClientID:   r.ClientID(),
		DeviceID:   r.DeviceID,
		ObjectID:   r.ObjectID,
		ResultCode: code,
		Tag:        r.Tag,
	}
}

// Response is a MessageHeader interpreted as the answer to a Request:
// the third header word is a result code (0 == success). ClientID
// names the frontend this response must be delivered to; it never
// travels on the wire between the daemon and a device (devices only
// know the tag), but is filled in locally by whichever code tracked
// the pending request.
type Response struct {
	ClientID   uint32
	DeviceID   uint32
	ObjectID   uint32
	ResultCode uint32
	Tag        uint32
	Payload    []byte
	ObjectIDs  []uint32
}

// Job is the sum type the dispatcher's single queue carries.
// Exactly one of Request/Response is non-nil.
type Job struct {
	Request  *Request
	Response *Response
}
