// This file is part of mutinyd, a peer-to-peer application messaging daemon.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package swarm

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// OverlayRequest/OverlayResponse use the same internally-tagged CBOR
// envelope as internal/protocol, so the two peers' daemons (which may run
// different versions) can tell variants apart without a positional schema.

func marshalOverlayRequest(r OverlayRequest) ([]byte, error) {
	fields, err := toFieldMap(r)
	if err != nil {
		return nil, err
	}
	fields["type"] = r.overlayRequestTag()
	return cbor.Marshal(fields)
}

func unmarshalOverlayRequest(data []byte) (OverlayRequest, error) {
	var envelope struct {
		Type string `cbor:"type"`
	}
	if err := cbor.Unmarshal(data, &envelope); err != nil {
		return nil, err
	}
	switch envelope.Type {
	case "Announce":
		var v AnnounceRequest
		if err := cbor.Unmarshal(data, &v); err != nil {
			return nil, err
		}
		return v, nil
	case "Message":
		var v MessageRequest
		if err := cbor.Unmarshal(data, &v); err != nil {
			return nil, err
		}
		return v, nil
	default:
		return nil, fmt.Errorf("swarm: unknown overlay request type %q", envelope.Type)
	}
}

func marshalOverlayResponse(r OverlayResponse) ([]byte, error) {
	fields, err := toFieldMap(r)
	if err != nil {
		return nil, err
	}
	fields["type"] = r.overlayResponseTag()
	return cbor.Marshal(fields)
}

func unmarshalOverlayResponse(data []byte) (OverlayResponse, error) {
	var envelope struct {
		Type string `cbor:"type"`
	}
	if err := cbor.Unmarshal(data, &envelope); err != nil {
		return nil, err
	}
	switch envelope.Type {
	case "Acknowledge":
		return Acknowledge{}, nil
	default:
		return nil, fmt.Errorf("swarm: unknown overlay response type %q", envelope.Type)
	}
}

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
