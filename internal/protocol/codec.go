// This file is part of mutinyd, a peer-to-peer application messaging daemon.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package protocol

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Request and Response are encoded as internally-tagged CBOR maps: the
// variant's own fields are flattened alongside an envelope "id"/"type" (or
// "request_id"/"type") key, mirroring the serde(tag="type") struct-variant
// encoding the daemon protocol was originally specified with. This keeps the
// wire format self-describing without a separate discriminator byte.

// MarshalRequest encodes a Request to its wire form.
func MarshalRequest(r Request) ([]byte, error) {
	fields, err := toFieldMap(r.Body)
	if err != nil {
		return nil, err
	}
	fields["id"] = r.ID
	fields["type"] = r.Body.requestTag()
	return cbor.Marshal(fields)
}

// UnmarshalRequest decodes a Request from its wire form.
func UnmarshalRequest(data []byte) (Request, error) {
	var envelope struct {
		ID   uint64 `cbor:"id"`
		Type string `cbor:"type"`
	}
	if err := cbor.Unmarshal(data, &envelope); err != nil {
		return Request{}, err
	}
	body, err := decodeRequestBody(envelope.Type, data)
	if err != nil {
		return Request{}, err
	}
	return Request{ID: envelope.ID, Body: body}, nil
}

// MarshalResponse encodes a Response to its wire form.
func MarshalResponse(r Response) ([]byte, error) {
	fields, err := toFieldMap(r.Body)
	if err != nil {
		return nil, err
	}
	fields["request_id"] = r.RequestID
	fields["type"] = r.Body.responseTag()
	return cbor.Marshal(fields)
}

// UnmarshalResponse decodes a Response from its wire form.
func UnmarshalResponse(data []byte) (Response, error) {
	var envelope struct {
		RequestID uint64 `cbor:"request_id"`
		Type      string `cbor:"type"`
	}
	if err := cbor.Unmarshal(data, &envelope); err != nil {
		return Response{}, err
	}
	body, err := decodeResponseBody(envelope.Type, data)
	if err != nil {
		return Response{}, err
	}
	return Response{RequestID: envelope.RequestID, Body: body}, nil
}

// RequestEnvelopeID extracts just the "id" envelope field from data without
// validating or decoding the request body. Callers use it to attribute a
// body-decode failure to a request id so they can reply with an Error
// response instead of tearing down the whole session.
func RequestEnvelopeID(data []byte) (uint64, bool) {
	var envelope struct {
		ID uint64 `cbor:"id"`
	}
	if err := cbor.Unmarshal(data, &envelope); err != nil {
		return 0, false
	}
	return envelope.ID, true
}

// toFieldMap round-trips v through CBOR into a generic map so its fields can
// be merged with the envelope's "id"/"type" keys.
func toFieldMap(v interface{}) (map[string]interface{}, error) {
	raw, err := cbor.Marshal(v)
	if err != nil {
		return nil, err
	}
	fields := make(map[string]interface{})
	if err := cbor.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}

func decodeRequestBody(tag string, data []byte) (RequestBody, error) {
	var body RequestBody
	switch tag {
	case "LocalPeerId":
		body = &LocalPeerIdRequest{}
	case "CreateAppInstance":
		body = &CreateAppInstanceRequest{}
	case "AppInstanceUuid":
		body = &AppInstanceUuidRequest{}
	case "Peers":
		body = &PeersRequest{}
	case "Announce":
		body = &AnnounceRequest{}
	case "AppAnnouncements":
		body = &AppAnnouncementsRequest{}
	case "SendMessage":
		body = &SendMessageRequest{}
	case "InboxMessages":
		body = &InboxMessagesRequest{}
	case "DeleteInboxMessage":
		body = &DeleteInboxMessageRequest{}
	case "SubscribePeerEvents":
		body = &SubscribePeerEventsRequest{}
	case "SubscribeAnnounceEvents":
		body = &SubscribeAnnounceEventsRequest{}
	case "SubscribeInboxEvents":
		body = &SubscribeInboxEventsRequest{}
	case "DialAddress":
		body = &DialAddressRequest{}
	case "GetLastPort":
		body = &GetLastPortRequest{}
	case "SetLastPort":
		body = &SetLastPortRequest{}
	default:
		return nil, fmt.Errorf("protocol: unknown request type %q", tag)
	}
	if err := cbor.Unmarshal(data, body); err != nil {
		return nil, err
	}
	return derefRequestBody(body), nil
}

// derefRequestBody converts the pointer receivers used only for decoding
// back into the plain value types that satisfy RequestBody as declared.
func derefRequestBody(body RequestBody) RequestBody {
	switch v := body.(type) {
	case *LocalPeerIdRequest:
		return *v
	case *CreateAppInstanceRequest:
		return *v
	case *AppInstanceUuidRequest:
		return *v
	case *PeersRequest:
		return *v
	case *AnnounceRequest:
		return *v
	case *AppAnnouncementsRequest:
		return *v
	case *SendMessageRequest:
		return *v
	case *InboxMessagesRequest:
		return *v
	case *DeleteInboxMessageRequest:
		return *v
	case *SubscribePeerEventsRequest:
		return *v
	case *SubscribeAnnounceEventsRequest:
		return *v
	case *SubscribeInboxEventsRequest:
		return *v
	case *DialAddressRequest:
		return *v
	case *GetLastPortRequest:
		return *v
	case *SetLastPortRequest:
		return *v
	default:
		return body
	}
}

func decodeResponseBody(tag string, data []byte) (ResponseBody, error) {
	var body ResponseBody
	switch tag {
	case "Success":
		body = &SuccessResponse{}
	case "Error":
		body = &ErrorResponse{}
	case "PeerDiscovered":
		body = &PeerDiscoveredResponse{}
	case "PeerExpired":
		body = &PeerExpiredResponse{}
	case "CreateAppInstance":
		body = &CreateAppInstanceResponse{}
	case "AppInstanceUuid":
		body = &AppInstanceUuidResponse{}
	case "LocalPeerId":
		body = &LocalPeerIdResponse{}
	case "Peers":
		body = &PeersResponse{}
	case "Message":
		body = &MessageResponse{}
	case "InboxMessages":
		body = &InboxMessagesResponse{}
	case "AppAnnouncements":
		body = &AppAnnouncementsResponse{}
	case "AppAnnouncement":
		body = &AppAnnouncementResponse{}
	case "GetLastPort":
		body = &GetLastPortResponse{}
	default:
		return nil, fmt.Errorf("protocol: unknown response type %q", tag)
	}
	if err := cbor.Unmarshal(data, body); err != nil {
		return nil, err
	}
	return derefResponseBody(body), nil
}

func derefResponseBody(body ResponseBody) ResponseBody {
	switch v := body.(type) {
	case *SuccessResponse:
		return *v
	case *ErrorResponse:
		return *v
	case *PeerDiscoveredResponse:
		return *v
	case *PeerExpiredResponse:
		return *v
	case *CreateAppInstanceResponse:
		return *v
	case *AppInstanceUuidResponse:
		return *v
	case *LocalPeerIdResponse:
		return *v
	case *PeersResponse:
		return *v
	case *MessageResponse:
		return *v
	case *InboxMessagesResponse:
		return *v
	case *AppAnnouncementsResponse:
		return *v
	case *AppAnnouncementResponse:
		return *v
	case *GetLastPortResponse:
		return *v
	default:
		return body
	}
}
