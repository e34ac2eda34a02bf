// Package core defines core types.
package core

// Labels represents key-value metadata attached by parsers and processors.
type Labels map[string]string

// Label naming constants following {protocol}.{field} convention.
const (
	LabelSIPMethod     = "sip.method"
	LabelSIPCallID     = "sip.call_id"
	LabelSIPFromURI    = "sip.from_uri"
	LabelSIPToURI      = "sip.to_uri"
	LabelSIPStatusCode = "sip.status_code"
	LabelSIPVia        = "sip.via"

	LabelRTPVersion     = "rtp.version"
	LabelRTPPayloadType = "rtp.payload_type"
	LabelRTPSeq         = "rtp.seq"
	LabelRTPTimestamp   = "rtp.timestamp"
	LabelRTPSSRC        = "rtp.ssrc"
	LabelRTPMarker      = "rtp.marker"
	LabelRTPExtension   = "rtp.extension"
	LabelRTPCallID      = "rtp.call_id"
	LabelRTPCodec       = "rtp.codec"

	LabelRTCPPayloadType = "rtcp.payload_type"
	LabelRTCPSSRC        = "rtcp.ssrc"
	LabelRTCPCallID      = "rtcp.call_id"
	LabelRTCPCodec       = "rtcp.codec"
)
